// Package policy defines row-level isolation policies for tenant-scoped
// tables and the write-time tenant check. The policies are evaluated by the
// database engine itself: a forgotten WHERE clause in application code
// cannot leak rows, because enforcement is structural, not convention.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/vela/internal/audit"
	"github.com/oriys/vela/internal/db"
	"github.com/oriys/vela/internal/session"
	"github.com/oriys/vela/internal/tenant"
)

// Policy names attached to every tenant-scoped table.
const (
	IsolationPolicyName = "vela_tenant_isolation"
	BypassPolicyName    = "vela_maintenance_bypass"
)

// DefaultTenantColumn is the conventional tenant-identifying column.
const DefaultTenantColumn = "tenant_id"

// Sentinel errors.
var (
	// ErrTenantMismatchOnWrite is returned when a written row carries a
	// tenant value different from the bound context. Never silently
	// corrected.
	ErrTenantMismatchOnWrite = errors.New("policy: row tenant does not match bound context")

	// ErrNoTenantBound is returned for writes attempted without a bound
	// tenant context.
	ErrNoTenantBound = errors.New("policy: no tenant context bound")
)

// TableSpec declares a tenant-scoped table.
type TableSpec struct {
	Name         string `json:"name" yaml:"name"`
	TenantColumn string `json:"tenant_column" yaml:"tenant_column"`
}

// Column returns the tenant column, defaulting to tenant_id.
func (s TableSpec) Column() string {
	if s.TenantColumn == "" {
		return DefaultTenantColumn
	}
	return s.TenantColumn
}

// Statements returns the idempotent DDL attaching row-level security to the
// table. The USING/WITH CHECK predicate compares against the session
// variable the binder sets; with no binding, current_setting returns NULL
// or the empty string and no row qualifies: reads see nothing, writes are
// rejected.
//
// FORCE is deliberate: even the table owner stays subject to the policy.
// The only way around it is the maintenance role's bypass policy, which is
// what makes bypass usage structurally visible.
func (s TableSpec) Statements() []string {
	table := pgx.Identifier{s.Name}.Sanitize()
	col := pgx.Identifier{s.Column()}.Sanitize()

	return []string{
		fmt.Sprintf(`ALTER TABLE %s ENABLE ROW LEVEL SECURITY`, table),
		fmt.Sprintf(`ALTER TABLE %s FORCE ROW LEVEL SECURITY`, table),
		fmt.Sprintf(`DROP POLICY IF EXISTS %s ON %s`, IsolationPolicyName, table),
		fmt.Sprintf(
			`CREATE POLICY %s ON %s
				USING (%s = current_setting('%s', true))
				WITH CHECK (%s = current_setting('%s', true))`,
			IsolationPolicyName, table, col, session.SessionVar, col, session.SessionVar),
		fmt.Sprintf(`DROP POLICY IF EXISTS %s ON %s`, BypassPolicyName, table),
		fmt.Sprintf(
			`CREATE POLICY %s ON %s TO %s USING (true) WITH CHECK (true)`,
			BypassPolicyName, table, session.MaintenanceRole),
	}
}

// EnsurePolicy attaches (or refreshes) the isolation policies on the table.
// Safe to re-run against a compliant table.
func EnsurePolicy(ctx context.Context, exec db.Executor, spec TableSpec) error {
	for _, stmt := range spec.Statements() {
		if _, err := exec.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure policy on %s: %w", spec.Name, err)
		}
	}
	return nil
}

// VerifyPolicy reports whether row security is enabled and the isolation
// policy is attached.
func VerifyPolicy(ctx context.Context, q db.Executor, table string) (bool, error) {
	var rowSecurity bool
	err := q.QueryRow(ctx, `
		SELECT COALESCE(rowsecurity, false)
		FROM pg_tables
		WHERE schemaname = current_schema() AND tablename = $1`, table).Scan(&rowSecurity)
	if err != nil {
		return false, fmt.Errorf("check row security on %s: %w", table, err)
	}
	if !rowSecurity {
		return false, nil
	}

	var attached bool
	err = q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_policies
			WHERE schemaname = current_schema() AND tablename = $1 AND policyname = $2
		)`, table, IsolationPolicyName).Scan(&attached)
	if err != nil {
		return false, fmt.Errorf("check policy on %s: %w", table, err)
	}
	return attached, nil
}

// Enforcer performs the application-side write check and audits rejections.
// The database WITH CHECK clause remains the structural backstop; this
// check exists so mismatches fail with a precise error before the statement
// is even issued, and so every rejection is audited uniformly.
type Enforcer struct {
	auditor audit.Recorder
}

// NewEnforcer creates an Enforcer reporting through the given recorder.
func NewEnforcer(auditor audit.Recorder) *Enforcer {
	return &Enforcer{auditor: auditor}
}

// CheckWrite validates that the row being written carries the bound
// context's tenant value. operation is "insert", "update", or "delete".
func (e *Enforcer) CheckWrite(tc tenant.Context, spec TableSpec, rowTenant, operation string) error {
	if tc.Zero() {
		e.auditor.Record(audit.Event{
			Kind:      audit.KindMissingContext,
			Operation: operation,
			Table:     spec.Name,
		})
		return fmt.Errorf("%w: %s on %s", ErrNoTenantBound, operation, spec.Name)
	}
	if tc.Privileged() {
		// Bypass was already audited at bind time; a second entry per
		// statement would double-count usage.
		return nil
	}
	if rowTenant != tc.ID().String() {
		e.auditor.Record(audit.Event{
			Kind:      audit.KindWriteRejected,
			Operation: operation,
			Table:     spec.Name,
			TenantID:  tc.ID().String(),
			Detail:    "row tenant value does not match bound context",
		})
		return fmt.Errorf("%w: %s on %s", ErrTenantMismatchOnWrite, operation, spec.Name)
	}
	return nil
}
