package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/pkg/history"
)

func newHistoryCommand() *cobra.Command {
	var (
		dbPath string
		limit  int
		prune  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history [aggregator]",
		Short: "Show recorded runs",
		Args:  cobra.MaximumNArgs(1),
		Example: `  # Show the last 20 runs
  pipewright history --db runs.db

  # Show runs of one aggregator
  pipewright history build --db runs.db

  # Drop runs older than a week
  pipewright history --db runs.db --prune 168h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := history.Open(ctx, dbPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if prune > 0 {
				removed, err := store.Prune(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				cmd.Printf("pruned %d run(s)\n", removed)
				return nil
			}

			aggregatorID := ""
			if len(args) == 1 {
				aggregatorID = args[0]
			}
			records, err := store.RecentRuns(ctx, aggregatorID, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return fmt.Errorf("no recorded runs")
			}

			for _, rec := range records {
				cmd.Printf("%s  %-20s %-10s %d/%d steps in %s\n",
					rec.StartedAt.Format(time.RFC3339),
					rec.AggregatorID,
					rec.Status,
					rec.Summary.Succeeded,
					rec.Summary.Total,
					rec.Duration.Round(time.Millisecond),
				)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "pipewright.db", "SQLite history database path")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to show")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete runs older than this age instead of listing")

	return cmd
}
