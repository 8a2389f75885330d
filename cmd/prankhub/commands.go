package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/metorial/prankhub/internal/cli"
	"github.com/metorial/prankhub/internal/health"
	"github.com/metorial/prankhub/internal/presence"
	"github.com/metorial/prankhub/internal/registry"
	"github.com/metorial/prankhub/internal/store"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the backend database",
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the schema to the configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		// OpenBackend migrates on open.
		return withClient(func(ctx context.Context, _ *cli.Client, _ store.Backend) error {
			fmt.Println("Schema is up to date")
			return nil
		})
	},
}

var scriptsCmd = &cobra.Command{
	Use:   "scripts",
	Short: "Inspect local scripts",
}

var listScriptsCmd = &cobra.Command{
	Use:   "list",
	Short: "Discover scripts in the local scripts directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		install, _ := cmd.Flags().GetBool("install")

		opts := registry.Options{Root: cfg.Hub.ScriptsDir, Logger: logger}
		if install {
			opts.Installer = registry.NewUVInstaller(cfg.Executor.UV, cfg.Executor.InstallTimeout, logger)
		}

		reg := registry.New(opts)
		if _, err := reg.Discover(cmd.Context()); err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(os.Stdout, reg.Snapshot())
		}
		return cli.FormatScriptsTable(os.Stdout, reg.Snapshot())
	},
}

var hubsCmd = &cobra.Command{
	Use:   "hubs",
	Short: "List registered hubs",
	RunE: func(cmd *cobra.Command, args []string) error {
		online, _ := cmd.Flags().GetBool("online")
		if online {
			return listOnline(cmd.Context())
		}

		return withClient(func(ctx context.Context, client *cli.Client, _ store.Backend) error {
			hubs, err := client.ListHubs(ctx)
			if err != nil {
				return err
			}
			if outputJSON {
				return cli.FormatJSON(os.Stdout, hubs)
			}
			return cli.FormatHubsTable(os.Stdout, hubs)
		})
	},
}

func listOnline(ctx context.Context) error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}

	consul, err := presence.NewConsul(cfg.Presence.ConsulAddr, cfg.Presence.TTL)
	if err != nil {
		return fmt.Errorf("create presence client: %w", err)
	}

	hubs, err := consul.Online(ctx)
	if err != nil {
		return err
	}
	if outputJSON {
		return cli.FormatJSON(os.Stdout, hubs)
	}
	return cli.FormatOnlineTable(os.Stdout, hubs)
}

var getHubCmd = &cobra.Command{
	Use:   "get [hub-id]",
	Short: "Show a hub and its published scripts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client *cli.Client, _ store.Backend) error {
			detail, err := client.GetHub(ctx, args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return cli.FormatJSON(os.Stdout, detail)
			}
			return cli.FormatHubDetail(os.Stdout, detail)
		})
	},
}

var pruneHubsCmd = &cobra.Command{
	Use:   "prune",
	Short: "Mark hubs offline that stopped heartbeating",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		return withClient(func(ctx context.Context, client *cli.Client, _ store.Backend) error {
			n, err := client.Prune(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Printf("Marked %d hubs offline\n", n)
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [hub-id] [script]",
	Short: "Send a command to a hub as a remote",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		wait, _ := cmd.Flags().GetDuration("wait")

		return withClient(func(ctx context.Context, client *cli.Client, _ store.Backend) error {
			id, err := client.Send(ctx, args[0], args[1], user)
			if err != nil {
				return err
			}

			if wait <= 0 {
				if outputJSON {
					return cli.FormatJSON(os.Stdout, map[string]string{"command_id": id})
				}
				fmt.Printf("Command %s queued\n", id)
				return nil
			}

			waitCtx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()

			command, result, err := client.Wait(waitCtx, id)
			if err != nil {
				return err
			}

			if outputJSON {
				return cli.FormatJSON(os.Stdout, map[string]interface{}{
					"command": command,
					"result":  result,
				})
			}
			if err := cli.FormatResult(os.Stdout, command, result); err != nil {
				return err
			}
			if result != nil && !result.Success {
				return errors.New("command failed")
			}
			return nil
		})
	},
}

var assignmentsCmd = &cobra.Command{
	Use:   "assignments",
	Short: "Inspect remote assignments",
}

var listAssignmentsCmd = &cobra.Command{
	Use:   "list [hub-id]",
	Short: "List remotes and their assigned scripts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client *cli.Client, _ store.Backend) error {
			assignments, err := client.Assignments(ctx, args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return cli.FormatJSON(os.Stdout, assignments)
			}
			return cli.FormatAssignmentsTable(os.Stdout, assignments)
		})
	},
}

var shuffleCmd = &cobra.Command{
	Use:   "shuffle [hub-id]",
	Short: "Reassign scripts to every remote of a hub",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client *cli.Client, _ store.Backend) error {
			assignments, err := client.Shuffle(ctx, args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return cli.FormatJSON(os.Stdout, assignments)
			}
			return cli.FormatAssignmentsTable(os.Stdout, assignments)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the health of a running hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			addr = cfg.Health.Addr
		}
		if addr == "" {
			return errors.New("no health address configured")
		}

		status, err := health.Check(cmd.Context(), addr, health.DefaultService)
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(os.Stdout, map[string]string{"addr": addr, "status": status})
		}
		fmt.Printf("Status: %s\n", status)
		if status != "SERVING" {
			return fmt.Errorf("hub at %s is %s", addr, status)
		}
		return nil
	},
}

func init() {
	listScriptsCmd.Flags().Bool("install", false, "Provision script dependencies while discovering")
	hubsCmd.Flags().Bool("online", false, "List hubs currently online according to presence")
	pruneHubsCmd.Flags().Duration("older-than", 2*time.Minute, "Mark hubs not seen for this long offline")
	sendCmd.Flags().StringP("user", "u", "prankhub-cli", "User id recorded on the command")
	sendCmd.Flags().Duration("wait", 0, "Wait up to this long for the result")
	statusCmd.Flags().String("addr", "", "Hub health address (default from config)")

	dbCmd.AddCommand(migrateCmd)
	scriptsCmd.AddCommand(listScriptsCmd)
	hubsCmd.AddCommand(getHubCmd)
	hubsCmd.AddCommand(pruneHubsCmd)
	assignmentsCmd.AddCommand(listAssignmentsCmd)

	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(scriptsCmd)
	rootCmd.AddCommand(hubsCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(assignmentsCmd)
	rootCmd.AddCommand(shuffleCmd)
	rootCmd.AddCommand(statusCmd)
}
