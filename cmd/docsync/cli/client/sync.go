package client

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func NewSyncCommand() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync the document tree once",
		Long:  "Reconciles the persisted document tree against the remote root index once, repairs badly hashed documents and stores the result.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			engine, release, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer release()

			if err := engine.Restore(ctx); err != nil {
				return err
			}

			out := cmd.ErrOrStderr()
			progress := func(done, total int) {
				if !quiet {
					fmt.Fprintf(out, "\rResolving %s/%s", humanize.Comma(int64(done)), humanize.Comma(int64(total)))
				}
			}

			result, err := engine.SyncOnce(ctx, progress)
			if !quiet {
				fmt.Fprintln(out)
			}
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Root %s at generation %d\n", result.Root.Hash, result.Root.Generation)
			fmt.Fprintf(w, "%d added, %d updated, %d unchanged, %d deleted, %d skipped\n",
				result.Added, result.Updated, result.Unchanged, result.Deleted, result.Skipped)
			if result.Bootstrapped {
				fmt.Fprintln(w, "Root index was unreadable and has been replaced by an empty one")
			}
			if len(result.Repaired) > 0 {
				fmt.Fprintf(w, "Repaired %d document hash(es)\n", len(result.Repaired))
			}
			if result.RepairError != nil {
				return fmt.Errorf("repair failed: %w", result.RepairError)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")

	return cmd
}
