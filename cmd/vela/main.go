package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/oriys/vela/internal/config"
	"github.com/oriys/vela/internal/db"
	"github.com/oriys/vela/internal/store"
)

var (
	configPath string
	pgDSN      string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vela",
		Short: "Vela - multi-tenant data isolation core",
		Long:  "Tenant context propagation, session binding, row/schema isolation, migration guarding and violation auditing for shared-database deployments",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to JSON config file")
	rootCmd.PersistentFlags().StringVar(&pgDSN, "pg-dsn", "", "Postgres DSN (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		policyCmd(),
		tenantCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)

	if pgDSN != "" {
		cfg.Postgres.DSN = pgDSN
	}
	if logLevel != "" {
		cfg.Daemon.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, *store.PostgresStore, error) {
	pool, err := db.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, st, nil
}

func guardMode(cfg *config.Config) store.IsolationMode {
	if cfg.Enforcement.Strategy == config.IsolationSchema {
		return store.IsolationModeSchema
	}
	return store.IsolationModeRow
}
