package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oriys/vela/internal/db"
	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/policy"
)

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage row-level isolation policies",
	}
	cmd.AddCommand(policyEnsureCmd(), policyVerifyCmd())
	return cmd
}

func policyEnsureCmd() *cobra.Command {
	var specPath string

	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Attach or refresh isolation policies on declared tables",
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

			for _, spec := range specs {
				if err := policy.EnsurePolicy(ctx, conn, spec); err != nil {
					return err
				}
				fmt.Printf("policy attached: %s (%s)\n", spec.Name, spec.Column())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&specPath, "tables", "vela_tables.yaml", "Tenant-scoped table declarations")

	return cmd
}

func policyVerifyCmd() *cobra.Command {
	var specPath string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Report whether isolation policies are attached",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

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

			missing := 0
			for _, spec := range specs {
				ok, err := policy.VerifyPolicy(ctx, conn, spec.Name)
				if err != nil {
					return err
				}
				status := "attached"
				if !ok {
					status = "MISSING"
					missing++
				}
				fmt.Printf("%-32s %s\n", spec.Name, status)
			}
			if missing > 0 {
				return fmt.Errorf("%d table(s) missing isolation policies", missing)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&specPath, "tables", "vela_tables.yaml", "Tenant-scoped table declarations")

	return cmd
}
