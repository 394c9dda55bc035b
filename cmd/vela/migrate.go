package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/oriys/vela/internal/db"
	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/migrate"
	"github.com/oriys/vela/internal/policy"
)

// tableSpecFile is the on-disk declaration of tenant-scoped tables.
type tableSpecFile struct {
	Tables []policy.TableSpec `yaml:"tables" json:"tables"`
}

func loadTableSpecs(path string) ([]policy.TableSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read table specs %s: %w", path, err)
	}
	var file tableSpecFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse table specs %s: %w", path, err)
	}
	if len(file.Tables) == 0 {
		return nil, fmt.Errorf("table specs %s: no tables declared", path)
	}
	return file.Tables, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Check or apply guarded schema migrations",
	}
	cmd.AddCommand(migrateCheckCmd(), migrateApplyCmd())
	return cmd
}

func migrateCheckCmd() *cobra.Command {
	var (
		specPath string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify tenant-scoped tables against the isolation invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			specs, err := loadTableSpecs(specPath)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			defer pool.Close()

			conn, err := db.WrapPool(pool).Acquire(ctx)
			if err != nil {
				return err
			}
			defer conn.Release()

			guard := migrate.NewGuard(st, guardMode(cfg))
			report, err := guard.Check(ctx, conn, specs)
			if err != nil {
				return err
			}

			if err := printReport(report, output); err != nil {
				return err
			}
			if !report.Ok() {
				return fmt.Errorf("%d isolation violation(s) found", report.ViolationCount())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&specPath, "tables", "vela_tables.yaml", "Tenant-scoped table declarations")
	cmd.Flags().StringVar(&output, "output", "json", "Report format: json or yaml")

	return cmd
}

func migrateApplyCmd() *cobra.Command {
	var (
		specPath string
		sqlPath  string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a migration, rolling back unless it passes the guard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			specs, err := loadTableSpecs(specPath)
			if err != nil {
				return err
			}
			migrationSQL, err := os.ReadFile(sqlPath)
			if err != nil {
				return fmt.Errorf("read migration %s: %w", sqlPath, err)
			}

			ctx := context.Background()
			pool, st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			defer pool.Close()

			guard := migrate.NewGuard(st, guardMode(cfg))
			report, applyErr := guard.Apply(ctx, db.WrapPool(pool), string(migrationSQL), specs)
			if report != nil {
				if err := printReport(report, output); err != nil {
					return err
				}
			}
			return applyErr
		},
	}

	cmd.Flags().StringVar(&specPath, "tables", "vela_tables.yaml", "Tenant-scoped table declarations")
	cmd.Flags().StringVar(&sqlPath, "file", "", "Migration SQL file")
	cmd.Flags().StringVar(&output, "output", "json", "Report format: json or yaml")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func printReport(report *migrate.Report, format string) error {
	out, err := report.Render(format)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
