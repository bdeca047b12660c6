package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"homeguard/internal/schedule"
)

var (
	nextCount int

	scheduleCmd = &cobra.Command{
		Use:   "schedule",
		Short: "Inspect the arming schedule.",
	}

	nextCmd = &cobra.Command{
		Use:   "next",
		Short: "Show the next scheduled arm and disarm times.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if !cfg.Schedule.AutoSchedule {
				_, _ = fmt.Fprintln(out, "automatic schedule is disabled")

				return nil
			}

			changes := schedule.Table(cfg.Schedule.Windows).NextChanges(time.Now(), nextCount)
			if len(changes) == 0 {
				_, _ = fmt.Fprintln(out, "no enabled schedule windows")

				return nil
			}

			for _, c := range changes {
				_, _ = fmt.Fprintf(out, "%s  %-6s  %s\n", c.At.Format("Mon 2006-01-02 15:04"), c.Action, c.Window)
			}

			return nil
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	nextCmd.Flags().IntVarP(&nextCount, "count", "n", 3, "number of changes to show")

	scheduleCmd.AddCommand(nextCmd)
	rootCmd.AddCommand(scheduleCmd)
}
