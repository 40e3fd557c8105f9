package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"plantchat/internal/config"
	"plantchat/internal/notify"
	"plantchat/internal/store/postgres"
	"plantchat/internal/store/sqlite"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "plantchat"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the messaging API and realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Buyer/seller messaging for the plant marketplace",
		Long: `plantchat serves marketplace conversations: a REST API, a websocket
for live conversation lists and message streams, and web push for
recipients who are not looking.

Configuration comes from CONFIG_FILE (YAML) and environment variables.`,
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}

	cmd.AddCommand(serveCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := newLogger(cfg)
			if err := migrate(cfg); err != nil {
				return err
			}
			logger.Info("migrations applied", "driver", cfg.StoreDriver)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "vapid-keys",
		Short: "Generate a VAPID key pair for web push",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := notify.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", keys.Public, keys.Private)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler).With("app", cfg.AppName)
	slog.SetDefault(logger)
	return logger
}

func migrate(cfg *config.Config) error {
	switch cfg.StoreDriver {
	case "sqlite":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		return sqlite.Migrate(db)
	default:
		db, err := postgres.Open(cfg.Postgres.DSN())
		if err != nil {
			return err
		}
		defer db.Close()
		return postgres.Migrate(db)
	}
}
