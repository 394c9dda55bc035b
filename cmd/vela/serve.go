package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/vela/internal/audit"
	"github.com/oriys/vela/internal/config"
	"github.com/oriys/vela/internal/db"
	"github.com/oriys/vela/internal/isolation"
	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/metrics"
	"github.com/oriys/vela/internal/observability"
	"github.com/oriys/vela/internal/registry"
	"github.com/oriys/vela/internal/session"
	"github.com/oriys/vela/internal/store"
	"github.com/oriys/vela/internal/tenant"
)

// auditReader is the read-only slice of the metadata store the admin
// endpoints need.
type auditReader interface {
	ListViolations(ctx context.Context, limit int) ([]*store.ViolationRecord, error)
}

func serveCmd() *cobra.Command {
	var (
		httpAddr      string
		probeTenant   string
		probeInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the isolation daemon",
		Long:  "Run the Vela daemon: metadata store, tenant registry, audit writer, and the admin/metrics HTTP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.Daemon.HTTPAddr = httpAddr
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
			metrics.InitPrometheus("vela", nil)

			ctx := context.Background()
			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Telemetry.Enabled,
				Exporter:    cfg.Telemetry.Exporter,
				Endpoint:    cfg.Telemetry.Endpoint,
				ServiceName: cfg.Telemetry.ServiceName,
				SampleRate:  cfg.Telemetry.SampleRate,
			}); err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}

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
					logging.Op().Warn("redis unavailable, validity cache disabled", "error", err)
				} else {
					cache = rc
					defer rc.Close()
				}
			}

			reg := registry.New(st, cache)
			auditor := audit.New(st)
			defer auditor.Close()

			wrapped := db.WrapPool(pool)
			manager := isolation.NewManager(st, wrapped)
			binder := session.NewBinder(wrapped, auditor, session.Options{
				Strict:       cfg.Enforcement.Strict,
				Resolver:     reg,
				Router:       manager,
				ResetTimeout: cfg.Postgres.ResetTimeout,
			})

			probeCtx, stopProbe := context.WithCancel(ctx)
			defer stopProbe()
			if probeTenant != "" {
				if _, err := tenant.ParseID(probeTenant); err != nil {
					return fmt.Errorf("probe tenant: %w", err)
				}
				validator := tenant.NewValidator(reg)
				go runSessionProbe(probeCtx, binder, validator, probeTenant, probeInterval)
			}

			httpServer := newAdminServer(cfg, st, reg)
			errCh := make(chan error, 1)
			go func() {
				logging.Op().Info("vela daemon started",
					"addr", cfg.Daemon.HTTPAddr,
					"strategy", string(cfg.Enforcement.Strategy),
					"strict", cfg.Enforcement.Strict)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logging.Op().Info("shutdown signal received", "signal", sig.String())
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown http server: %w", err)
				}
				if err := observability.Shutdown(shutdownCtx); err != nil {
					logging.Op().Warn("telemetry shutdown", "error", err)
				}
				return nil
			case err := <-errCh:
				return fmt.Errorf("vela server error: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&probeTenant, "probe-tenant", "", "Tenant identifier to acquire a canary session for (disabled when empty)")
	cmd.Flags().DurationVar(&probeInterval, "probe-interval", 30*time.Second, "Session probe interval")

	return cmd
}

// runSessionProbe periodically exercises the whole bind chain for a canary
// tenant: identifier validation, registry lookup, session acquire, and the
// round trip that proves the scoping variable is set on the wire.
func runSessionProbe(ctx context.Context, binder *session.Binder, validator *tenant.Validator, rawID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := func() error {
			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			id, err := validator.Validate(probeCtx, rawID)
			if err != nil {
				return err
			}
			tc := tenant.NewContext(id)
			return binder.With(probeCtx, tc, func(sess *session.BoundSession) error {
				row, err := sess.QueryRow(probeCtx,
					`SELECT current_setting($1, true)`, session.SessionVar)
				if err != nil {
					return err
				}
				var bound string
				if err := row.Scan(&bound); err != nil {
					return err
				}
				if bound != rawID {
					return fmt.Errorf("session bound to %q, want %q", bound, rawID)
				}
				return nil
			})
		}()
		if err != nil {
			logging.Op().Warn("session probe failed", "tenant_id", rawID, "error", err)
			continue
		}
		logging.Op().Debug("session probe ok", "tenant_id", rawID)
	}
}

// newAdminServer exposes health, metrics, and read-only registry/audit
// endpoints. Tenant data never flows through here; this surface describes
// tenants, it does not belong to one.
func newAdminServer(cfg *config.Config, st auditReader, reg *registry.Registry) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/v1/tenants", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tenants, err := reg.List(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, tenants)
	})

	mux.HandleFunc("/v1/violations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		violations, err := st.ListViolations(r.Context(), 200)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, violations)
	})

	return &http.Server{
		Addr:    cfg.Daemon.HTTPAddr,
		Handler: mux,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Op().Warn("encode response", "error", err)
	}
}
