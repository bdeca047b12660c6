package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"homeguard/internal/logger"
	"homeguard/internal/services"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the alarm controller.",
	Long: `Connects to the camera, analyses frames for motion and serves the HTTP control
surface and the gRPC health service until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		defer logger.Sync()

		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}

		sys, err := services.New(ctx, cfg, services.Options{ConfigPath: configPath})
		if err != nil {
			return err
		}

		return sys.Run(ctx)
	},
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.AddCommand(runCmd)
}
