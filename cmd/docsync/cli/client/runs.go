package client

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func NewRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent sync runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			engine, release, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer release()

			runs, err := engine.Store.ListSyncRuns(ctx, limit)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, run := range runs {
				status := "ok"
				if run.Error != "" {
					status = run.Error
				}
				fmt.Fprintf(w, "%-16s gen %-6d +%d ~%d =%d -%d !%d took %s: %s\n",
					humanize.Time(run.StartedAt), run.Generation,
					run.Added, run.Updated, run.Unchanged, run.Deleted, run.Skipped,
					run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond), status)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of runs to show")

	return cmd
}
