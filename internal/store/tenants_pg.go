package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Tenant registry mutations run under an advisory transaction lock so that
// concurrent provision/retire operations for the same deployment serialize.
const tenantRegistryLockKey int64 = 0x76656c615f746e74 // "vela_tnt"

func (s *PostgresStore) acquireRegistryLock(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, tenantRegistryLockKey); err != nil {
		return fmt.Errorf("acquire tenant registry lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTenant(ctx context.Context, t *TenantRecord) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save tenant: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.acquireRegistryLock(ctx, tx); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO vela_tenants (id, display_name, isolation_mode, active, created_at, retired_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			isolation_mode = EXCLUDED.isolation_mode,
			active = EXCLUDED.active,
			retired_at = EXCLUDED.retired_at`,
		t.ID, t.DisplayName, string(t.IsolationMode), t.Active, t.CreatedAt, t.RetiredAt)
	if err != nil {
		return fmt.Errorf("save tenant %s: %w", t.ID, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*TenantRecord, error) {
	t := &TenantRecord{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, display_name, isolation_mode, active, created_at, retired_at
		FROM vela_tenants WHERE id = $1`, id).Scan(
		&t.ID, &t.DisplayName, &t.IsolationMode, &t.Active, &t.CreatedAt, &t.RetiredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]*TenantRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, display_name, isolation_mode, active, created_at, retired_at
		FROM vela_tenants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var results []*TenantRecord
	for rows.Next() {
		t := &TenantRecord{}
		if err := rows.Scan(&t.ID, &t.DisplayName, &t.IsolationMode, &t.Active, &t.CreatedAt, &t.RetiredAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// RetireTenant marks the tenant inactive. The row is retained; identifiers
// are never reissued.
func (s *PostgresStore) RetireTenant(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin retire tenant: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.acquireRegistryLock(ctx, tx); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE vela_tenants SET active = FALSE, retired_at = NOW()
		WHERE id = $1 AND active`, id)
	if err != nil {
		return fmt.Errorf("retire tenant %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("retire tenant %s: %w", id, ErrNotFound)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SaveNamespace(ctx context.Context, ns *NamespaceRecord) error {
	if ns.CreatedAt.IsZero() {
		ns.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vela_tenant_namespaces (tenant_id, namespace, created_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (tenant_id) DO NOTHING`,
		ns.TenantID, ns.Namespace, ns.CreatedAt)
	if err != nil {
		return fmt.Errorf("save namespace for %s: %w", ns.TenantID, err)
	}
	return nil
}

func (s *PostgresStore) GetNamespace(ctx context.Context, tenantID string) (*NamespaceRecord, error) {
	ns := &NamespaceRecord{}
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, namespace, created_at
		FROM vela_tenant_namespaces WHERE tenant_id = $1`, tenantID).Scan(
		&ns.TenantID, &ns.Namespace, &ns.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("namespace for tenant %s: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get namespace for %s: %w", tenantID, err)
	}
	return ns, nil
}

func (s *PostgresStore) ListNamespaces(ctx context.Context) ([]*NamespaceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, namespace, created_at
		FROM vela_tenant_namespaces ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	var results []*NamespaceRecord
	for rows.Next() {
		ns := &NamespaceRecord{}
		if err := rows.Scan(&ns.TenantID, &ns.Namespace, &ns.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		results = append(results, ns)
	}
	return results, rows.Err()
}
