package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/metorial/prankhub/internal/cli"
	"github.com/metorial/prankhub/internal/config"
	"github.com/metorial/prankhub/internal/logging"
	"github.com/metorial/prankhub/internal/store"
)

var (
	configPath string
	outputJSON bool
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "prankhub",
	Short: "Prank hub engine and remote tooling",
	Long: `prankhub runs a hub that executes scripts on command from remotes,
and provides commands to inspect hubs, send commands and manage assignments.

Configuration is read from prankhub.yaml (or --config) with PRANKHUB_*
environment overrides.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./prankhub.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
}

// setup loads and validates configuration and builds the logger.
func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, nil, err
	}

	return cfg, logger, nil
}

// withClient opens the backend for one-shot commands.
func withClient(fn func(ctx context.Context, client *cli.Client, backend store.Backend) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := cli.OpenBackend(ctx, cfg.Backend)
	if err != nil {
		return err
	}
	defer backend.Close()

	return fn(ctx, cli.NewClient(backend, logger), backend)
}
