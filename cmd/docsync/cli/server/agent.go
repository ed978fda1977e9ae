package server

import (
	"context"
	"fmt"

	"github.com/mwantia/docsync/internal/agent"
	"github.com/spf13/cobra"

	config "github.com/mwantia/docsync/internal/config/server"
)

func NewAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start the DocSync Agent",
		Long:  `Start the DocSync Agent, which restores the persisted tree and keeps it
in sync with the remote document storage on a fixed interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("failed to load server configuration: %w", err)
			}

			agent := agent.NewAgent(cfg)
			if err := agent.Serve(context.Background()); err != nil {
				return err
			}

			return nil
		},
	}

	return cmd
}
