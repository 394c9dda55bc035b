package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ── Tenant-scoped table catalog ─────────────────────────────────────────────

func (s *PostgresStore) UpsertScopedTable(ctx context.Context, rec *ScopedTableRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vela_scoped_tables (table_name, tenant_column, leading_indexes, unique_includes_tenant, policy_attached, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (table_name) DO UPDATE SET
			tenant_column = EXCLUDED.tenant_column,
			leading_indexes = EXCLUDED.leading_indexes,
			unique_includes_tenant = EXCLUDED.unique_includes_tenant,
			policy_attached = EXCLUDED.policy_attached,
			updated_at = EXCLUDED.updated_at`,
		rec.TableName, rec.TenantColumn, rec.LeadingIndexes,
		rec.UniqueIncludesTenant, rec.PolicyAttached, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert scoped table %s: %w", rec.TableName, err)
	}
	return nil
}

func (s *PostgresStore) GetScopedTable(ctx context.Context, tableName string) (*ScopedTableRecord, error) {
	rec := &ScopedTableRecord{}
	err := s.pool.QueryRow(ctx, `
		SELECT table_name, tenant_column, leading_indexes, unique_includes_tenant, policy_attached, updated_at
		FROM vela_scoped_tables WHERE table_name = $1`, tableName).Scan(
		&rec.TableName, &rec.TenantColumn, &rec.LeadingIndexes,
		&rec.UniqueIncludesTenant, &rec.PolicyAttached, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scoped table %s: %w", tableName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get scoped table %s: %w", tableName, err)
	}
	return rec, nil
}

func (s *PostgresStore) ListScopedTables(ctx context.Context) ([]*ScopedTableRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT table_name, tenant_column, leading_indexes, unique_includes_tenant, policy_attached, updated_at
		FROM vela_scoped_tables ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list scoped tables: %w", err)
	}
	defer rows.Close()

	var results []*ScopedTableRecord
	for rows.Next() {
		rec := &ScopedTableRecord{}
		if err := rows.Scan(&rec.TableName, &rec.TenantColumn, &rec.LeadingIndexes,
			&rec.UniqueIncludesTenant, &rec.PolicyAttached, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan scoped table: %w", err)
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// ── Violation log (append-only) ─────────────────────────────────────────────

func (s *PostgresStore) SaveViolation(ctx context.Context, v *ViolationRecord) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.OccurredAt.IsZero() {
		v.OccurredAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vela_violations (id, kind, operation, table_name, tenant_id, privileged, outcome, detail, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		v.ID, v.Kind, v.Operation, v.TableName, v.TenantID, v.Privileged, v.Outcome, v.Detail, v.OccurredAt)
	if err != nil {
		return fmt.Errorf("save violation: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveViolations(ctx context.Context, vs []*ViolationRecord) error {
	if len(vs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, v := range vs {
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		if v.OccurredAt.IsZero() {
			v.OccurredAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO vela_violations (id, kind, operation, table_name, tenant_id, privileged, outcome, detail, occurred_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			v.ID, v.Kind, v.Operation, v.TableName, v.TenantID, v.Privileged, v.Outcome, v.Detail, v.OccurredAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range vs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("save violation batch: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListViolations(ctx context.Context, limit int) ([]*ViolationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, operation, table_name, tenant_id, privileged, outcome, detail, occurred_at
		FROM vela_violations ORDER BY occurred_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var results []*ViolationRecord
	for rows.Next() {
		v := &ViolationRecord{}
		if err := rows.Scan(&v.ID, &v.Kind, &v.Operation, &v.TableName, &v.TenantID,
			&v.Privileged, &v.Outcome, &v.Detail, &v.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		results = append(results, v)
	}
	return results, rows.Err()
}
