package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/mwantia/docsync/internal/agent"
	config "github.com/mwantia/docsync/internal/config/server"
	"github.com/mwantia/docsync/pkg/log"
	"github.com/mwantia/fabric/pkg/container"
)

// openEngine loads the configuration and builds a sync engine for a single
// command invocation. The returned function releases the engine's services.
func openEngine(ctx context.Context) (*agent.Engine, func(), error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	sc := container.NewServiceContainer()
	if err := agent.RegisterServices(sc, cfg, log.NewLoggerService("docsync", cfg.Log)); err != nil {
		return nil, nil, fmt.Errorf("failed to register services: %w", err)
	}

	engine, err := agent.NewEngine(ctx, sc)
	if err != nil {
		err = fmt.Errorf("failed to create sync engine: %w", err)
		return nil, nil, errors.Join(err, sc.Cleanup(context.WithoutCancel(ctx)))
	}

	return engine, func() {
		sc.Cleanup(context.WithoutCancel(ctx))
	}, nil
}
