package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool and ensures the core schema. The
// pool is shared with the session binder; the store does not own it.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is required")
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	// Shared pool; lifecycle is owned by the caller.
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vela_tenants (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			isolation_mode TEXT NOT NULL DEFAULT 'row',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			retired_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vela_tenants_active ON vela_tenants(active)`,
		`CREATE TABLE IF NOT EXISTS vela_tenant_namespaces (
			tenant_id TEXT PRIMARY KEY REFERENCES vela_tenants(id),
			namespace TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS vela_scoped_tables (
			table_name TEXT PRIMARY KEY,
			tenant_column TEXT NOT NULL,
			leading_indexes TEXT[] NOT NULL DEFAULT ARRAY[]::TEXT[],
			unique_includes_tenant BOOLEAN NOT NULL DEFAULT FALSE,
			policy_attached BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS vela_violations (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			operation TEXT NOT NULL DEFAULT '',
			table_name TEXT NOT NULL DEFAULT '',
			tenant_id TEXT NOT NULL DEFAULT '',
			privileged BOOLEAN NOT NULL DEFAULT FALSE,
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vela_violations_occurred ON vela_violations(occurred_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_vela_violations_kind ON vela_violations(kind, occurred_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
