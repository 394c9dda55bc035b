// Package migrate implements the schema migration guard. Every migration
// touching tenant-scoped tables passes the structural checks before it is
// allowed to commit: tenant column present and non-nullable, tenant-leading
// index, tenant column in every unique constraint, and (under row isolation)
// the policy attached. A migration that would weaken isolation never lands,
// not even partially.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/vela/internal/db"
	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/metrics"
	"github.com/oriys/vela/internal/policy"
	"github.com/oriys/vela/internal/store"
)

// Violation kinds reported per table.
const (
	MissingTenantColumn      = "MissingTenantColumn"
	MissingTenantIndex       = "MissingTenantIndex"
	MissingTenantKeyInUnique = "MissingTenantKeyInUnique"
	MissingPolicy            = "MissingPolicy"
)

// ErrGuardViolation is returned by Apply when the post-migration check
// fails. The migration has been rolled back when this is returned.
var ErrGuardViolation = errors.New("migrate: guard check failed")

// Migrations serialize across the deployment under an advisory transaction
// lock, same discipline as the tenant registry.
const migrationLockKey int64 = 0x76656c615f6d6967 // "vela_mig"

// Guard checks tenant-scoped tables against the isolation invariants and
// maintains the vela_scoped_tables catalog.
type Guard struct {
	catalog store.MetadataStore // nil disables catalog updates
	rowMode bool                // verify attached policies
}

// NewGuard creates a Guard. mode selects which checks apply: under schema
// isolation the policy check is skipped, since namespace routing replaces
// row policies there.
func NewGuard(catalog store.MetadataStore, mode store.IsolationMode) *Guard {
	return &Guard{catalog: catalog, rowMode: mode == store.IsolationModeRow}
}

// Check verifies every declared table against the live catalog and returns
// a machine-readable report. A non-compliant table is a report entry, not
// an error; errors mean the catalog itself could not be queried.
func (g *Guard) Check(ctx context.Context, q db.Executor, specs []policy.TableSpec) (*Report, error) {
	report := &Report{CheckedAt: time.Now().UTC()}
	if g.rowMode {
		report.Mode = string(store.IsolationModeRow)
	} else {
		report.Mode = string(store.IsolationModeSchema)
	}

	for _, spec := range specs {
		entry := TableReport{Table: spec.Name, TenantColumn: spec.Column()}

		ok, err := g.checkColumn(ctx, q, spec)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Without the column none of the other checks are meaningful.
			entry.Violations = append(entry.Violations, MissingTenantColumn)
			report.Tables = append(report.Tables, entry)
			continue
		}

		ok, err = g.checkLeadingIndex(ctx, q, spec)
		if err != nil {
			return nil, err
		}
		if !ok {
			entry.Violations = append(entry.Violations, MissingTenantIndex)
		}

		ok, err = g.checkUniqueConstraints(ctx, q, spec)
		if err != nil {
			return nil, err
		}
		if !ok {
			entry.Violations = append(entry.Violations, MissingTenantKeyInUnique)
		}

		policyAttached := true
		if g.rowMode {
			policyAttached, err = policy.VerifyPolicy(ctx, q, spec.Name)
			if err != nil {
				return nil, err
			}
			if !policyAttached {
				entry.Violations = append(entry.Violations, MissingPolicy)
			}
		}

		report.Tables = append(report.Tables, entry)

		if len(entry.Violations) == 0 && g.catalog != nil {
			rec := &store.ScopedTableRecord{
				TableName:            spec.Name,
				TenantColumn:         spec.Column(),
				UniqueIncludesTenant: true,
				PolicyAttached:       policyAttached,
			}
			if err := g.catalog.UpsertScopedTable(ctx, rec); err != nil {
				logging.Op().Warn("scoped table catalog update failed",
					"table", spec.Name, "error", err)
			}
		}
	}

	if report.Ok() {
		metrics.RecordGuardRun("pass")
	} else {
		metrics.RecordGuardRun("fail")
	}
	return report, nil
}

// checkColumn verifies the tenant column exists and is non-nullable.
// A nullable tenant column is as bad as a missing one: NULL never matches
// the policy predicate, so such rows would be unreachable by their owner
// yet still stored.
func (g *Guard) checkColumn(ctx context.Context, q db.Executor, spec policy.TableSpec) (bool, error) {
	var nullable string
	err := q.QueryRow(ctx, `
		SELECT is_nullable
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2`,
		spec.Name, spec.Column()).Scan(&nullable)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("migrate: inspect column %s.%s: %w", spec.Name, spec.Column(), err)
	}
	return nullable == "NO", nil
}

// checkLeadingIndex verifies at least one index leads with the tenant
// column, so per-tenant scans stay cheap as other tenants grow.
func (g *Guard) checkLeadingIndex(ctx context.Context, q db.Executor, spec policy.TableSpec) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM pg_index i
			JOIN pg_class t ON t.oid = i.indrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = i.indkey[0]
			WHERE n.nspname = current_schema() AND t.relname = $1 AND a.attname = $2
		)`, spec.Name, spec.Column()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("migrate: inspect indexes on %s: %w", spec.Name, err)
	}
	return exists, nil
}

// checkUniqueConstraints verifies every unique index includes the tenant
// column. A tenant-blind unique constraint lets one tenant's insert fail
// because of another tenant's data, which is an information leak.
func (g *Guard) checkUniqueConstraints(ctx context.Context, q db.Executor, spec policy.TableSpec) (bool, error) {
	var blind int
	err := q.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_index i
		JOIN pg_class t ON t.oid = i.indrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		WHERE n.nspname = current_schema() AND t.relname = $1 AND i.indisunique
		  AND NOT EXISTS (
			SELECT 1 FROM pg_attribute a
			WHERE a.attrelid = t.oid AND a.attname = $2 AND a.attnum = ANY (i.indkey)
		  )`, spec.Name, spec.Column()).Scan(&blind)
	if err != nil {
		return false, fmt.Errorf("migrate: inspect unique constraints on %s: %w", spec.Name, err)
	}
	return blind == 0, nil
}

// Apply runs the migration DDL and the guard check inside one transaction,
// serialized under the migration advisory lock. Any violation rolls the
// whole migration back; there is no partially applied state. Re-applying a
// migration already in effect is safe as long as the DDL itself is
// idempotent.
func (g *Guard) Apply(ctx context.Context, pool db.Pool, migrationSQL string, specs []policy.TableSpec) (*Report, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate: acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate: begin: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return nil, fmt.Errorf("migrate: acquire migration lock: %w", err)
	}

	if _, err := tx.Exec(ctx, migrationSQL); err != nil {
		return nil, fmt.Errorf("migrate: apply DDL: %w", err)
	}

	report, err := g.Check(ctx, tx, specs)
	if err != nil {
		return nil, err
	}
	if !report.Ok() {
		logging.Op().Warn("migration rolled back", "violations", report.ViolationCount())
		return report, fmt.Errorf("%w: %d violation(s), migration rolled back", ErrGuardViolation, report.ViolationCount())
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("migrate: commit: %w", err)
	}
	logging.Op().Info("migration applied", "tables", len(specs))
	return report, nil
}

// isNoRows matches the no-rows condition across pgx and fake executors.
func isNoRows(err error) bool {
	return errors.Is(err, db.ErrNoRows)
}
