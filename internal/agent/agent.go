package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	config "github.com/mwantia/docsync/internal/config/server"
	"github.com/mwantia/docsync/pkg/log"
	"github.com/mwantia/docsync/pkg/tree"
	"github.com/mwantia/fabric/pkg/container"
)

const defaultSyncInterval = 5 * time.Minute

type DocSyncAgent struct {
	mutex sync.RWMutex
	wait  sync.WaitGroup

	cfg    *config.BaseServerConfig
	sc     *container.ServiceContainer
	log    log.LoggerService
	engine *Engine
}

func NewAgent(cfg *config.BaseServerConfig) *DocSyncAgent {
	return &DocSyncAgent{
		cfg: cfg,
		sc:  container.NewServiceContainer(),
		log: log.NewLoggerService("agent", cfg.Log),
	}
}

func (dsa *DocSyncAgent) setupServices(ctx context.Context) error {
	if err := RegisterServices(dsa.sc, dsa.cfg, dsa.log); err != nil {
		return fmt.Errorf("failed to register services: %w", err)
	}

	engine, err := NewEngine(ctx, dsa.sc)
	if err != nil {
		return fmt.Errorf("failed to create sync engine: %w", err)
	}
	dsa.engine = engine

	return nil
}

func (dsa *DocSyncAgent) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	dsa.mutex.Lock()

	if err := dsa.setupServices(ctx); err != nil {
		dsa.mutex.Unlock()
		return errors.Join(err, dsa.sc.Cleanup(context.Background()))
	}

	if err := dsa.engine.Restore(ctx); err != nil {
		dsa.log.Warn("Starting with an empty tree: %v", err)
	}

	dsa.wait.Add(1)
	go dsa.syncLoop(ctx)

	dsa.mutex.Unlock()
	<-ctx.Done()

	timeout, err := time.ParseDuration(dsa.cfg.ShutdownTimeout)
	if err != nil {
		// Set default of 60 seconds if error
		timeout = 60 * time.Second
	}

	shutdown, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// The sync loop must be done with the store before the container closes it.
	dsa.wait.Wait()

	if err := dsa.sc.Cleanup(shutdown); err != nil {
		return fmt.Errorf("failed to complete service container cleanup: %w", err)
	}
	return nil
}

// syncLoop syncs once on start and then on every interval until ctx is done.
func (dsa *DocSyncAgent) syncLoop(ctx context.Context) {
	defer dsa.wait.Done()

	interval := parseDuration(dsa.cfg.Sync.Interval, defaultSyncInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dsa.log.Info("Syncing every %s", interval)
	dsa.syncOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dsa.syncOnce(ctx)
		}
	}
}

func (dsa *DocSyncAgent) syncOnce(ctx context.Context) {
	result, err := dsa.engine.SyncOnce(ctx, nil)
	switch {
	case errors.Is(err, tree.ErrSyncInProgress):
		dsa.log.Debug("Skipping sync, previous run still in progress")
	case ctx.Err() != nil:
		dsa.log.Debug("Sync interrupted by shutdown")
	case err != nil:
		dsa.log.Error("Sync failed: %v", err)
	case result.RepairError != nil:
		dsa.log.Warn("Sync finished at generation %d, repair failed: %v", result.Root.Generation, result.RepairError)
	default:
		dsa.log.Debug("Sync finished at generation %d", result.Root.Generation)
	}
}
