package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/oriys/vela/internal/audit"
	"github.com/oriys/vela/internal/db"
	"github.com/oriys/vela/internal/tenant"
)

type fakeResult struct{ affected int64 }

func (r fakeResult) RowsAffected() int64 { return r.affected }

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i := range dest {
		if i >= len(r.vals) {
			break
		}
		switch d := dest[i].(type) {
		case *bool:
			*d = r.vals[i].(bool)
		case *string:
			*d = r.vals[i].(string)
		}
	}
	return nil
}

// fakeExec records executed statements and answers the two catalog queries
// VerifyPolicy issues.
type fakeExec struct {
	statements  []string
	failOn      string
	rowSecurity bool
	attached    bool
}

func (f *fakeExec) Exec(ctx context.Context, sql string, args ...any) (db.Result, error) {
	if f.failOn != "" && strings.Contains(sql, f.failOn) {
		return nil, errors.New("permission denied")
	}
	f.statements = append(f.statements, sql)
	return fakeResult{affected: 0}, nil
}

func (f *fakeExec) QueryRow(ctx context.Context, sql string, args ...any) db.Row {
	switch {
	case strings.Contains(sql, "pg_tables"):
		return fakeRow{vals: []any{f.rowSecurity}}
	case strings.Contains(sql, "pg_policies"):
		return fakeRow{vals: []any{f.attached}}
	}
	return fakeRow{err: errors.New("unexpected query: " + sql)}
}

func (f *fakeExec) Query(ctx context.Context, sql string, args ...any) (db.Rows, error) {
	return nil, errors.New("not implemented")
}

type memRecorder struct {
	events []audit.Event
}

func (m *memRecorder) Record(ev audit.Event) { m.events = append(m.events, ev) }
func (m *memRecorder) RecordSync(ctx context.Context, ev audit.Event) error {
	m.events = append(m.events, ev)
	return nil
}

func TestStatementsCoverEnableForceAndPolicies(t *testing.T) {
	spec := TableSpec{Name: "orders"}
	stmts := spec.Statements()

	joined := strings.Join(stmts, "\n")
	for _, want := range []string{
		`ALTER TABLE "orders" ENABLE ROW LEVEL SECURITY`,
		`ALTER TABLE "orders" FORCE ROW LEVEL SECURITY`,
		IsolationPolicyName,
		BypassPolicyName,
		`"tenant_id" = current_setting('app.tenant_id', true)`,
		"TO vela_maintenance",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("statements missing %q:\n%s", want, joined)
		}
	}
}

func TestStatementsUseDeclaredTenantColumn(t *testing.T) {
	spec := TableSpec{Name: "events", TenantColumn: "org_id"}
	joined := strings.Join(spec.Statements(), "\n")
	if !strings.Contains(joined, `"org_id" = current_setting`) {
		t.Fatalf("expected org_id predicate, got:\n%s", joined)
	}
}

func TestEnsurePolicyIsIdempotent(t *testing.T) {
	exec := &fakeExec{}
	spec := TableSpec{Name: "orders"}

	if err := EnsurePolicy(context.Background(), exec, spec); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	first := len(exec.statements)
	if err := EnsurePolicy(context.Background(), exec, spec); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if len(exec.statements) != 2*first {
		t.Fatalf("second run issued %d statements, want %d", len(exec.statements)-first, first)
	}
	// DROP POLICY IF EXISTS must precede each CREATE POLICY so re-runs
	// replace rather than fail.
	for i, stmt := range exec.statements {
		if strings.HasPrefix(stmt, "CREATE POLICY") && (i == 0 || !strings.HasPrefix(exec.statements[i-1], "DROP POLICY IF EXISTS")) {
			t.Fatalf("CREATE POLICY at %d not preceded by DROP POLICY IF EXISTS", i)
		}
	}
}

func TestEnsurePolicyPropagatesDDLFailure(t *testing.T) {
	exec := &fakeExec{failOn: "FORCE ROW LEVEL SECURITY"}
	err := EnsurePolicy(context.Background(), exec, TableSpec{Name: "orders"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "orders") {
		t.Fatalf("error should name the table: %v", err)
	}
}

func TestVerifyPolicy(t *testing.T) {
	tests := []struct {
		name        string
		rowSecurity bool
		attached    bool
		want        bool
	}{
		{"enabled and attached", true, true, true},
		{"security disabled", false, true, false},
		{"policy missing", true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExec{rowSecurity: tt.rowSecurity, attached: tt.attached}
			got, err := VerifyPolicy(context.Background(), exec, "orders")
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckWriteAcceptsMatchingTenant(t *testing.T) {
	rec := &memRecorder{}
	enf := NewEnforcer(rec)
	tc := tenant.NewContext("acme")
	if err := enf.CheckWrite(tc, TableSpec{Name: "orders"}, "acme", "insert"); err != nil {
		t.Fatalf("matching write rejected: %v", err)
	}
	if len(rec.events) != 0 {
		t.Fatalf("matching write audited: %+v", rec.events)
	}
}

func TestCheckWriteRejectsMismatch(t *testing.T) {
	rec := &memRecorder{}
	enf := NewEnforcer(rec)
	tc := tenant.NewContext("acme")

	err := enf.CheckWrite(tc, TableSpec{Name: "orders"}, "globex", "update")
	if !errors.Is(err, ErrTenantMismatchOnWrite) {
		t.Fatalf("got %v, want ErrTenantMismatchOnWrite", err)
	}
	if len(rec.events) != 1 || rec.events[0].Kind != audit.KindWriteRejected {
		t.Fatalf("expected one write_rejected event, got %+v", rec.events)
	}
	if rec.events[0].Table != "orders" || rec.events[0].TenantID != "acme" {
		t.Fatalf("event missing detail: %+v", rec.events[0])
	}
}

func TestCheckWriteRejectsEmptyRowTenant(t *testing.T) {
	rec := &memRecorder{}
	enf := NewEnforcer(rec)
	tc := tenant.NewContext("acme")
	if err := enf.CheckWrite(tc, TableSpec{Name: "orders"}, "", "insert"); !errors.Is(err, ErrTenantMismatchOnWrite) {
		t.Fatalf("got %v, want ErrTenantMismatchOnWrite", err)
	}
}

func TestCheckWriteRejectsZeroContext(t *testing.T) {
	rec := &memRecorder{}
	enf := NewEnforcer(rec)

	err := enf.CheckWrite(tenant.Context{}, TableSpec{Name: "orders"}, "acme", "insert")
	if !errors.Is(err, ErrNoTenantBound) {
		t.Fatalf("got %v, want ErrNoTenantBound", err)
	}
	if len(rec.events) != 1 || rec.events[0].Kind != audit.KindMissingContext {
		t.Fatalf("expected missing_context event, got %+v", rec.events)
	}
}

func TestCheckWriteAllowsPrivilegedWithoutAudit(t *testing.T) {
	rec := &memRecorder{}
	enf := NewEnforcer(rec)
	tc, err := tenant.NewPrivilegedContext("acme", "backfill job 4412")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if err := enf.CheckWrite(tc, TableSpec{Name: "orders"}, "globex", "update"); err != nil {
		t.Fatalf("privileged write rejected: %v", err)
	}
	if len(rec.events) != 0 {
		t.Fatalf("privileged write should not record per-statement events, got %+v", rec.events)
	}
}
