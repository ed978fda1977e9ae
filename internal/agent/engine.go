package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	config "github.com/mwantia/docsync/internal/config/server"
	"github.com/mwantia/docsync/pkg/content"
	"github.com/mwantia/docsync/pkg/db/models"
	"github.com/mwantia/docsync/pkg/db/store"
	"github.com/mwantia/docsync/pkg/log"
	"github.com/mwantia/docsync/pkg/remote"
	"github.com/mwantia/docsync/pkg/tree"
	"github.com/mwantia/docsync/pkg/upload"
	"github.com/mwantia/fabric/pkg/container"
)

// Engine bundles the services a sync needs. It is shared by the agent and
// the one-shot CLI commands, and is built by the service container: the
// tagged fields are injected and Init assembles the rest.
type Engine struct {
	Config *config.BaseServerConfig `fabric:"inject"`
	Store  store.MetadataStore      `fabric:"inject"`

	Log        log.LoggerService `fabric:"logger:engine"`
	ContentLog log.LoggerService `fabric:"logger:content"`
	UploadLog  log.LoggerService `fabric:"logger:upload"`
	RemoteLog  log.LoggerService `fabric:"logger:remote"`
	TreeLog    log.LoggerService `fabric:"logger:tree"`

	Endpoint *remote.Endpoint
	Content  *content.Store
	Pipeline *upload.Pipeline
	Roots    *remote.RootClient
	Resolver *tree.Resolver
}

// RegisterServices registers the configuration, logger, metadata store and
// engine with sc.
func RegisterServices(sc *container.ServiceContainer, cfg *config.BaseServerConfig, logger log.LoggerService) error {
	// Tag processors must be known before a tagged struct is registered.
	sc.AddTagProcessor(log.NewLoggerTagProcessor())

	errs := container.Errors{}

	logger.Debug("Registering 'LoggerService'...")
	errs.Add(container.Register[log.LoggerServiceImpl](sc,
		container.With[log.LoggerService](),
		container.WithInstance(logger)))

	errs.Add(container.Register[*config.BaseServerConfig](sc,
		container.WithInstance(cfg)))

	logger.Debug("Registering 'MetadataStore'...")
	errs.Add(container.Register[*store.SQLiteStore](sc,
		container.With[store.MetadataStore](),
		container.AsSingleton(),
		container.AsFactory(func(ctx context.Context, sc *container.ServiceContainer) (any, error) {
			return newMetadataStore(cfg.Metadata)
		})))

	logger.Debug("Registering 'Engine'...")
	errs.Add(container.Register[*Engine](sc, container.AsSingleton()))

	return errs.Errors()
}

// NewEngine resolves the engine from a container prepared by
// RegisterServices. The store is resolved first so its Init runs before the
// engine takes it; sc.Cleanup closes it again.
func NewEngine(ctx context.Context, sc *container.ServiceContainer) (*Engine, error) {
	if _, err := container.Resolve[store.MetadataStore](ctx, sc); err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	return container.Resolve[*Engine](ctx, sc)
}

func newMetadataStore(cfg config.MetadataServerConfig) (*store.SQLiteStore, error) {
	if cfg.Type != "" && cfg.Type != "sqlite" {
		return nil, fmt.Errorf("unsupported metadata store type '%s'", cfg.Type)
	}
	return store.NewSQLiteStore(store.SQLiteConfig{Path: cfg.SQLite.Path})
}

// Init builds the remote services once the container injected the store and
// loggers. A protocol switch remembered from an earlier run takes precedence
// over the configured protocol.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.Store.Health(ctx); err != nil {
		return fmt.Errorf("metadata store is unavailable: %w", err)
	}

	cfg := e.Config

	protocol := remote.ParseProtocol(cfg.Remote.Protocol)
	if state, err := e.Store.GetRootState(ctx); err == nil && state.Protocol != "" {
		protocol = remote.ParseProtocol(state.Protocol)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to load root state: %w", err)
	}

	e.Endpoint = &remote.Endpoint{
		BaseURL:      cfg.Remote.BaseURL,
		DiscoveryURL: cfg.Remote.DiscoveryURL,
		Authorizer:   remote.BearerToken(cfg.Remote.Token),
		Client:       http.DefaultClient,
	}

	contents, err := content.NewStore(e.Endpoint, content.Config{
		CacheDir: cfg.Cache.Path,
		MemoSize: cfg.Cache.MemoSize,
	}, e.ContentLog)
	if err != nil {
		return err
	}
	e.Content = contents

	e.Pipeline = upload.NewPipeline(e.Endpoint, upload.Config{
		Policy: upload.Policy{
			Attempts:  cfg.Upload.Retry.Attempts,
			BaseDelay: parseDuration(cfg.Upload.Retry.BaseDelay, upload.DefaultPolicy.BaseDelay),
			Statuses:  cfg.Upload.Retry.Statuses,
		},
		Timeout:           parseDuration(cfg.Upload.Timeout, upload.DefaultTimeout),
		MaxExpiredRetries: cfg.Upload.MaxExpiredRetries,
		Concurrency:       cfg.Upload.Concurrency,
	}, e.UploadLog)

	e.Roots = remote.NewRootClient(e.Endpoint, protocol, e.RemoteLog)
	e.Resolver = tree.NewResolver(tree.NewTree(), e.Content, e.Roots, e.Pipeline, e.TreeLog)

	e.Log.Debug("Using protocol %s against '%s'", protocol, cfg.Remote.BaseURL)
	return nil
}

// Cleanup is a no-op; the metadata store registers its own cleanup.
func (e *Engine) Cleanup(ctx context.Context) error {
	return nil
}

// Restore seeds the tree with the snapshot persisted by the last sync.
func (e *Engine) Restore(ctx context.Context) error {
	collections, documents, err := e.Store.LoadTree(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tree: %w", err)
	}
	if err := restore(e.Resolver.Tree(), collections, documents); err != nil {
		return err
	}

	e.Log.Debug("Restored %d collection(s) and %d document(s)", len(collections), len(documents))
	return nil
}

// SyncOnce reconciles the tree and persists the outcome.
func (e *Engine) SyncOnce(ctx context.Context, progress tree.ProgressFunc) (*tree.Result, error) {
	run := &models.SyncRun{StartedAt: time.Now().UTC()}

	result, err := e.Resolver.Sync(ctx, progress)
	if errors.Is(err, tree.ErrSyncInProgress) {
		return nil, err
	}

	run.FinishedAt = time.Now().UTC()
	if result != nil {
		run.RootHash = result.Root.Hash
		run.Generation = result.Root.Generation
		run.Files = result.Files
		run.Added = result.Added
		run.Updated = result.Updated
		run.Unchanged = result.Unchanged
		run.Deleted = result.Deleted
		run.Skipped = result.Skipped
		run.Repaired = len(result.Repaired)
		run.Bootstrapped = result.Bootstrapped
		if result.RepairError != nil {
			run.Error = result.RepairError.Error()
		}
	}
	if err != nil {
		run.Error = err.Error()
	}

	// The history uses its own context so a cancelled sync is still recorded.
	if serr := e.Store.CreateSyncRun(context.WithoutCancel(ctx), run); serr != nil {
		e.Log.Warn("Unable to record sync run: %v", serr)
	}
	if err != nil {
		return result, err
	}

	if err := e.persist(ctx, result); err != nil {
		return result, err
	}
	return result, nil
}

func (e *Engine) persist(ctx context.Context, result *tree.Result) error {
	collections, documents := snapshot(e.Resolver.Tree())
	if err := e.Store.SaveTree(ctx, collections, documents); err != nil {
		return fmt.Errorf("failed to persist tree: %w", err)
	}

	err := e.Store.SaveRootState(ctx, &models.RootState{
		Hash:       result.Root.Hash,
		Generation: result.Root.Generation,
		Protocol:   string(e.Roots.Protocol()),
		SyncedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to persist root state: %w", err)
	}
	return nil
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
