package store

import (
	"context"
	"errors"

	"github.com/mwantia/docsync/pkg/db/models"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// MetadataStore defines the interface for database operations
type MetadataStore interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	Health(ctx context.Context) error

	// Tree snapshot operations
	SaveTree(ctx context.Context, collections []models.Collection, documents []models.Document) error
	LoadTree(ctx context.Context) ([]models.Collection, []models.Document, error)

	// Root state operations
	GetRootState(ctx context.Context) (*models.RootState, error)
	SaveRootState(ctx context.Context, state *models.RootState) error

	// Sync run operations
	CreateSyncRun(ctx context.Context, run *models.SyncRun) error
	ListSyncRuns(ctx context.Context, limit int) ([]models.SyncRun, error)
}
