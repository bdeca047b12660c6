// Package cmd implements the homeguard command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"homeguard/internal/config"
	"homeguard/internal/logger"
	"homeguard/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// logLevel overrides the configured level when set.
	logLevel string

	rootCmd = &cobra.Command{
		Use:   "homeguard",
		Short: "Camera motion alarm controller.",
		Long: `homeguard watches a camera stream for motion and drives an alarm: indicator
lights, a buzzer, an event log, Telegram and NATS notifications and short video
clips. The alarm is armed by hand or by a weekly schedule.`,
		SilenceUsage: true,
	}
)

// Execute runs the CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the file")
}

// loadConfig reads the configuration and applies the log level.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}

	if lvl, ok := logger.ParseLogLevel(level); ok {
		logger.SetLevel(lvl)
	} else {
		logger.WarnKV(ctx, "Unknown log level, keeping default", "level", level)
	}

	return cfg, nil
}
