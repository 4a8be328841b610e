package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"gearwatch/internal/config"
	"gearwatch/internal/scheduler"
	"gearwatch/internal/server"
	"gearwatch/migrations"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the run trigger, health and metrics endpoints",
		Long: `Serve the HTTP trigger that runs the pipeline.

POST /api/notify runs the pipeline once. With RUN_INTERVAL set, runs are
also started in process on that period. With TELEGRAM_BOT_TOKEN set, the
Telegram bot answers chat commands for managing subscriptions and filters.

Set CATALOG_PATH to the full shop catalog in production. Without it the
embedded sample catalog is used, and gear missing from it is never matched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := newLogger(cfg.LogLevel)

			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			srv := server.New(a.scheduler, server.Config{Secret: cfg.TriggerSecret}, a.registry, a.metrics, log)

			log.Info("starting gearwatch", "addr", cfg.ListenAddr, "interval", cfg.RunInterval)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				a.scheduler.Run(ctx)
				return nil
			})
			g.Go(func() error {
				return srv.ListenAndServe(ctx, cfg.ListenAddr)
			})
			if a.bot != nil {
				g.Go(func() error {
					a.bot.Run(ctx)
					return nil
				})
			}
			err = g.Wait()

			log.Info("gearwatch stopped")
			return err
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := newLogger(cfg.LogLevel)

			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			report, err := a.scheduler.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if report.State == scheduler.TooEarly {
				fmt.Fprintln(cmd.OutOrStdout(), "too early: the shop has not rotated since the last run")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d new, %d notified, %d devices failed\n",
				report.State, report.NewItems, report.Outcome.Notified, report.Outcome.DevicesFailed)
			return nil
		},
	}
}

func newMigrateCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "migrate <command>",
		Short: "Apply or inspect database migrations",
		Long: `Apply or inspect database migrations.

Commands:
  up          Migrate to the latest version
  up-one      Migrate one version up
  down        Roll back one version
  status      Show migration status
  version     Show current version
  reset       Roll back all migrations`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: migrations.Commands,
		RunE: func(_ *cobra.Command, args []string) error {
			db, err := sql.Open("sqlite", dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = db.Close() }()

			return migrations.Command(db, args[0])
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", envOrDefault("DATABASE_PATH", "./data/gearwatch.db"), "path to sqlite database")

	return cmd
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
