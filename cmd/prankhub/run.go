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
	"github.com/metorial/prankhub/internal/executor"
	"github.com/metorial/prankhub/internal/health"
	"github.com/metorial/prankhub/internal/hub"
	"github.com/metorial/prankhub/internal/identity"
	"github.com/metorial/prankhub/internal/presence"
	"github.com/metorial/prankhub/internal/registry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the hub until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		reg := registry.New(registry.Options{
			Root:      cfg.Hub.ScriptsDir,
			Installer: registry.NewUVInstaller(cfg.Executor.UV, cfg.Executor.InstallTimeout, logger),
			Logger:    logger,
		})

		runner := executor.New(reg, executor.Options{
			Timeout:      cfg.Executor.Timeout,
			SuccessWords: cfg.Executor.SuccessWords,
			ErrorWords:   cfg.Executor.ErrorWords,
			Python:       cfg.Executor.Python,
			UV:           cfg.Executor.UV,
			PowerShell:   cfg.Executor.PowerShell,
			HubRoot:      cfg.Hub.Root,
			AssetsDir:    cfg.Hub.AssetsDir,
			Logger:       logger,
		})

		var pres presence.Presence = presence.Nop{}
		if cfg.Presence.Enabled {
			consul, err := presence.NewConsul(cfg.Presence.ConsulAddr, cfg.Presence.TTL)
			if err != nil {
				return fmt.Errorf("create presence client: %w", err)
			}
			pres = consul
		}

		h := hub.New(hub.Deps{
			Store:    backend,
			Scripts:  reg,
			Runner:   runner,
			Presence: pres,
			Health:   health.NewReporter(health.DefaultService),
			Logger:   logger,
		}, hub.Options{
			Facts:                identity.Collect(),
			FriendlyName:         cfg.Hub.FriendlyName,
			Mode:                 cfg.Hub.Mode,
			HeartbeatInterval:    cfg.Hub.HeartbeatInterval,
			MaxReconnectAttempts: cfg.Hub.MaxReconnectAttempts,
			MaxBackoff:           cfg.Hub.MaxBackoff,
			DrainTimeout:         cfg.Hub.DrainTimeout,
			HealthAddr:           cfg.Health.Addr,
		})

		logger.WithFields(logrus.Fields{
			"machine_id": h.MachineID(),
			"backend":    cfg.Backend.Driver,
			"scripts":    cfg.Hub.ScriptsDir,
		}).Info("Starting hub")

		return h.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
