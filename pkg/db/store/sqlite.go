package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/mwantia/docsync/pkg/db/migrations"
	"github.com/mwantia/docsync/pkg/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// rootStateID is the primary key of the single root state row
const rootStateID = 1

// batchSize bounds the rows written per insert statement
const batchSize = 200

// SQLiteStore implements MetadataStore using SQLite
type SQLiteStore struct {
	db   *gorm.DB
	path string
}

// DB returns the underlying GORM database instance
func (s *SQLiteStore) DB() *gorm.DB {
	return s.db
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path     string
	LogLevel logger.LogLevel
}

// NewSQLiteStore creates a new SQLite-backed metadata store
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Default to silent logging
	if cfg.LogLevel == 0 {
		cfg.LogLevel = logger.Silent
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(cfg.LogLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	return &SQLiteStore{
		db:   db,
		path: cfg.Path,
	}, nil
}

// Connect initializes the database connection
func (s *SQLiteStore) Connect(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxOpenConns(1) // SQLite only supports 1 writer
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}

// Init connects and migrates the store once the service container resolves it
func (s *SQLiteStore) Init(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		s.Close()
		return fmt.Errorf("failed to connect metadata store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return fmt.Errorf("failed to migrate metadata store: %w", err)
	}
	return nil
}

// Cleanup closes the store on container shutdown
func (s *SQLiteStore) Cleanup(ctx context.Context) error {
	return s.Close()
}

// Migrate runs all pending schema migrations
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return migrations.NewMigrator(s.db).Migrate(ctx)
}

// Health checks database connectivity
func (s *SQLiteStore) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Tree snapshot operations

// SaveTree replaces the stored snapshot with the given records
func (s *SQLiteStore) SaveTree(ctx context.Context, collections []models.Collection, documents []models.Document) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("1 = 1").Delete(&models.Collection{}).Error; err != nil {
			return fmt.Errorf("failed to clear collections: %w", err)
		}
		if err := tx.Unscoped().Where("1 = 1").Delete(&models.Document{}).Error; err != nil {
			return fmt.Errorf("failed to clear documents: %w", err)
		}

		if len(collections) > 0 {
			if err := tx.CreateInBatches(&collections, batchSize).Error; err != nil {
				return fmt.Errorf("failed to store collections: %w", err)
			}
		}
		if len(documents) > 0 {
			if err := tx.CreateInBatches(&documents, batchSize).Error; err != nil {
				return fmt.Errorf("failed to store documents: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) LoadTree(ctx context.Context) ([]models.Collection, []models.Document, error) {
	var collections []models.Collection
	if err := s.db.WithContext(ctx).Order("uuid").Find(&collections).Error; err != nil {
		return nil, nil, err
	}

	var documents []models.Document
	if err := s.db.WithContext(ctx).Order("uuid").Find(&documents).Error; err != nil {
		return nil, nil, err
	}
	return collections, documents, nil
}

// Root state operations

func (s *SQLiteStore) GetRootState(ctx context.Context) (*models.RootState, error) {
	var state models.RootState
	err := s.db.WithContext(ctx).Where("id = ?", rootStateID).First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &state, nil
}

func (s *SQLiteStore) SaveRootState(ctx context.Context, state *models.RootState) error {
	state.ID = rootStateID
	return s.db.WithContext(ctx).Save(state).Error
}

// Sync run operations

func (s *SQLiteStore) CreateSyncRun(ctx context.Context, run *models.SyncRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

// ListSyncRuns returns the most recent runs first
func (s *SQLiteStore) ListSyncRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	var runs []models.SyncRun
	query := s.db.WithContext(ctx).Order("started_at DESC").Order("id DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Find(&runs).Error
	return runs, err
}
