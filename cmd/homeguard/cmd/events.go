package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"homeguard/internal/database"
)

const eventsTimestamp = "2006-01-02 15:04:05"

var (
	eventsLimit    int
	pruneOlderThan time.Duration

	eventsCmd = &cobra.Command{
		Use:   "events",
		Short: "List the most recent alarm events.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.Recent(ctx, eventsLimit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tTIME\tTYPE\tINFO")

			for _, r := range records {
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.ID, r.Timestamp.Local().Format(eventsTimestamp), r.Type, r.Info)
			}

			return w.Flush()
		},
	}

	pruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Delete events older than a duration.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.DeleteBefore(ctx, time.Now().Add(-pruneOlderThan))
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d events\n", n)

			return nil
		},
	}
)

func openStore(ctx context.Context) (*database.Store, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	return database.Open(ctx, cfg.Database.Path)
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 20, "number of events to show")
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 90*24*time.Hour, "age of the events to delete")

	eventsCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(eventsCmd)
}
