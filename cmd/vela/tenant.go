package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oriys/vela/internal/db"
	"github.com/oriys/vela/internal/isolation"
	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/registry"
	"github.com/oriys/vela/internal/store"
	"github.com/oriys/vela/internal/tenant"
)

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage the tenant registry",
	}
	cmd.AddCommand(tenantProvisionCmd(), tenantRetireCmd(), tenantListCmd())
	return cmd
}

func tenantProvisionCmd() *cobra.Command {
	var (
		displayName string
		mode        string
	)

	cmd := &cobra.Command{
		Use:   "provision <tenant-id>",
		Short: "Provision a tenant, including its namespace under schema isolation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			id, err := tenant.ParseID(args[0])
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

			reg := registry.New(st, nil)
			rec, err := reg.Provision(ctx, id, displayName, store.IsolationMode(mode))
			if err != nil {
				return err
			}
			fmt.Printf("provisioned %s (%s isolation)\n", rec.ID, rec.IsolationMode)

			if rec.IsolationMode == store.IsolationModeSchema {
				manager := isolation.NewManager(st, db.WrapPool(pool))
				ns, err := manager.Provision(ctx, id)
				if err != nil {
					return fmt.Errorf("tenant registered but namespace provisioning failed: %w", err)
				}
				fmt.Printf("namespace %s created\n", ns.Namespace)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&displayName, "display-name", "", "Human-readable tenant name")
	cmd.Flags().StringVar(&mode, "mode", "row", "Isolation mode: row or schema")

	return cmd
}

func tenantRetireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retire <tenant-id>",
		Short: "Retire a tenant so its identifier stops validating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			id, err := tenant.ParseID(args[0])
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

			var cache registry.ValidityCache
			if cfg.Redis.Addr != "" {
				rc, err := registry.NewRedisValidityCache(
					cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, registry.DefaultValidityTTL)
				if err != nil {
					logging.Op().Warn("redis unavailable, retiring without cache invalidation", "error", err)
				} else {
					cache = rc
					defer rc.Close()
				}
			}

			if err := registry.New(st, cache).Retire(ctx, id); err != nil {
				return err
			}
			fmt.Printf("retired %s\n", id)
			return nil
		},
	}

	return cmd
}

func tenantListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List provisioned tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := loadConfig()
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

			tenants, err := registry.New(st, nil).List(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMODE\tSTATUS\tCREATED")
			for _, t := range tenants {
				status := "active"
				if !t.Active {
					status = "retired"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.DisplayName, t.IsolationMode, status,
					t.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	return cmd
}
