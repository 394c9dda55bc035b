package migrate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/oriys/vela/internal/db"
	"github.com/oriys/vela/internal/policy"
	"github.com/oriys/vela/internal/store"
)

// tableState is the simulated catalog entry for one table.
type tableState struct {
	hasColumn            bool
	nullable             bool
	leadingIndex         bool
	uniqueIncludesTenant bool
	rowSecurity          bool
	policyAttached       bool
}

func compliantTable() tableState {
	return tableState{
		hasColumn:            true,
		leadingIndex:         true,
		uniqueIncludesTenant: true,
		rowSecurity:          true,
		policyAttached:       true,
	}
}

type fakeResult struct{}

func (fakeResult) RowsAffected() int64 { return 0 }

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
		case *int:
			*d = r.vals[i].(int)
		}
	}
	return nil
}

// fakeCatalog answers the guard's catalog queries from in-memory state.
type fakeCatalog struct {
	tables     map[string]tableState
	statements []string
}

func (f *fakeCatalog) Exec(ctx context.Context, sql string, args ...any) (db.Result, error) {
	f.statements = append(f.statements, sql)
	return fakeResult{}, nil
}

func (f *fakeCatalog) QueryRow(ctx context.Context, sql string, args ...any) db.Row {
	table, _ := args[0].(string)
	st, known := f.tables[table]

	switch {
	case strings.Contains(sql, "information_schema.columns"):
		if !known || !st.hasColumn {
			return fakeRow{err: db.ErrNoRows}
		}
		nullable := "NO"
		if st.nullable {
			nullable = "YES"
		}
		return fakeRow{vals: []any{nullable}}
	case strings.Contains(sql, "indkey[0]"):
		return fakeRow{vals: []any{known && st.leadingIndex}}
	case strings.Contains(sql, "indisunique"):
		blind := 0
		if known && !st.uniqueIncludesTenant {
			blind = 1
		}
		return fakeRow{vals: []any{blind}}
	case strings.Contains(sql, "pg_tables"):
		return fakeRow{vals: []any{known && st.rowSecurity}}
	case strings.Contains(sql, "pg_policies"):
		return fakeRow{vals: []any{known && st.policyAttached}}
	}
	return fakeRow{err: errors.New("unexpected query: " + sql)}
}

func (f *fakeCatalog) Query(ctx context.Context, sql string, args ...any) (db.Rows, error) {
	return nil, errors.New("not implemented")
}

type catalogStore struct {
	store.MetadataStore

	upserts []*store.ScopedTableRecord
}

func (c *catalogStore) UpsertScopedTable(ctx context.Context, rec *store.ScopedTableRecord) error {
	c.upserts = append(c.upserts, rec)
	return nil
}

func violationsFor(t *testing.T, report *Report, table string) []string {
	t.Helper()
	for _, tr := range report.Tables {
		if tr.Table == table {
			return tr.Violations
		}
	}
	t.Fatalf("table %s not in report", table)
	return nil
}

func TestCheckPassesCompliantTable(t *testing.T) {
	cat := &fakeCatalog{tables: map[string]tableState{"orders": compliantTable()}}
	st := &catalogStore{}
	g := NewGuard(st, store.IsolationModeRow)

	report, err := g.Check(context.Background(), cat, []policy.TableSpec{{Name: "orders"}})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.Ok() {
		t.Fatalf("expected compliant report, got %+v", report.Tables)
	}
	if len(st.upserts) != 1 || st.upserts[0].TableName != "orders" || !st.upserts[0].PolicyAttached {
		t.Fatalf("catalog not updated: %+v", st.upserts)
	}
}

func TestCheckReportsMissingTenantColumn(t *testing.T) {
	cat := &fakeCatalog{tables: map[string]tableState{"devices": {}}}
	g := NewGuard(nil, store.IsolationModeRow)

	report, err := g.Check(context.Background(), cat, []policy.TableSpec{{Name: "devices"}})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	got := violationsFor(t, report, "devices")
	if len(got) != 1 || got[0] != MissingTenantColumn {
		t.Fatalf("violations = %v, want [%s] only", got, MissingTenantColumn)
	}
}

func TestCheckTreatsNullableColumnAsMissing(t *testing.T) {
	state := compliantTable()
	state.nullable = true
	cat := &fakeCatalog{tables: map[string]tableState{"orders": state}}
	g := NewGuard(nil, store.IsolationModeRow)

	report, err := g.Check(context.Background(), cat, []policy.TableSpec{{Name: "orders"}})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	got := violationsFor(t, report, "orders")
	if len(got) != 1 || got[0] != MissingTenantColumn {
		t.Fatalf("violations = %v, want [%s]", got, MissingTenantColumn)
	}
}

func TestCheckReportsStructuralViolations(t *testing.T) {
	state := compliantTable()
	state.leadingIndex = false
	state.uniqueIncludesTenant = false
	state.policyAttached = false
	cat := &fakeCatalog{tables: map[string]tableState{"orders": state}}
	g := NewGuard(nil, store.IsolationModeRow)

	report, err := g.Check(context.Background(), cat, []policy.TableSpec{{Name: "orders"}})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	got := violationsFor(t, report, "orders")
	want := []string{MissingTenantIndex, MissingTenantKeyInUnique, MissingPolicy}
	if len(got) != len(want) {
		t.Fatalf("violations = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("violations = %v, want %v", got, want)
		}
	}
}

func TestCheckSkipsPolicyUnderSchemaIsolation(t *testing.T) {
	state := compliantTable()
	state.rowSecurity = false
	state.policyAttached = false
	cat := &fakeCatalog{tables: map[string]tableState{"orders": state}}
	g := NewGuard(nil, store.IsolationModeSchema)

	report, err := g.Check(context.Background(), cat, []policy.TableSpec{{Name: "orders"}})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.Ok() {
		t.Fatalf("schema mode should not require policies, got %+v", report.Tables)
	}
}

func TestReportRender(t *testing.T) {
	report := &Report{
		Mode: "row",
		Tables: []TableReport{
			{Table: "devices", TenantColumn: "tenant_id", Violations: []string{MissingTenantColumn}},
		},
	}

	out, err := report.Render("json")
	if err != nil {
		t.Fatalf("render json: %v", err)
	}
	for _, want := range []string{`"devices"`, MissingTenantColumn} {
		if !strings.Contains(string(out), want) {
			t.Errorf("json output missing %q:\n%s", want, out)
		}
	}

	out, err = report.Render("yaml")
	if err != nil {
		t.Fatalf("render yaml: %v", err)
	}
	if !strings.Contains(string(out), "devices") {
		t.Errorf("yaml output missing table name:\n%s", out)
	}

	if _, err := report.Render("toml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

// Apply plumbing fakes.

type fakeTx struct {
	catalog    *fakeCatalog
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (db.Result, error) {
	return t.catalog.Exec(ctx, sql, args...)
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) db.Row {
	return t.catalog.QueryRow(ctx, sql, args...)
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (db.Rows, error) {
	return t.catalog.Query(ctx, sql, args...)
}
func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}
func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

type fakeConn struct {
	tx       *fakeTx
	released bool
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (db.Result, error) {
	return c.tx.catalog.Exec(ctx, sql, args...)
}
func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) db.Row {
	return c.tx.catalog.QueryRow(ctx, sql, args...)
}
func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (db.Rows, error) {
	return c.tx.catalog.Query(ctx, sql, args...)
}
func (c *fakeConn) Begin(ctx context.Context) (db.Tx, error) { return c.tx, nil }
func (c *fakeConn) Release()                                 { c.released = true }
func (c *fakeConn) Destroy()                                 {}

type fakePool struct {
	conn *fakeConn
}

func (p *fakePool) Acquire(ctx context.Context) (db.PooledConn, error) { return p.conn, nil }

func TestApplyCommitsCompliantMigration(t *testing.T) {
	cat := &fakeCatalog{tables: map[string]tableState{"orders": compliantTable()}}
	tx := &fakeTx{catalog: cat}
	pool := &fakePool{conn: &fakeConn{tx: tx}}
	g := NewGuard(nil, store.IsolationModeRow)

	ddl := `ALTER TABLE orders ADD COLUMN note text`
	report, err := g.Apply(context.Background(), pool, ddl, []policy.TableSpec{{Name: "orders"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !report.Ok() {
		t.Fatalf("report not ok: %+v", report.Tables)
	}
	if !tx.committed || tx.rolledBack {
		t.Fatalf("committed=%v rolledBack=%v, want committed only", tx.committed, tx.rolledBack)
	}

	joined := strings.Join(cat.statements, "\n")
	if !strings.Contains(joined, "pg_advisory_xact_lock") {
		t.Error("migration did not take the advisory lock")
	}
	if !strings.Contains(joined, ddl) {
		t.Error("migration DDL was not executed")
	}
	if !pool.conn.released {
		t.Error("connection not released")
	}
}

func TestApplyRollsBackOnViolation(t *testing.T) {
	cat := &fakeCatalog{tables: map[string]tableState{"devices": {}}}
	tx := &fakeTx{catalog: cat}
	pool := &fakePool{conn: &fakeConn{tx: tx}}
	g := NewGuard(nil, store.IsolationModeRow)

	report, err := g.Apply(context.Background(), pool, `CREATE TABLE devices (id uuid PRIMARY KEY)`,
		[]policy.TableSpec{{Name: "devices"}})
	if !errors.Is(err, ErrGuardViolation) {
		t.Fatalf("got %v, want ErrGuardViolation", err)
	}
	if report == nil || report.Ok() {
		t.Fatal("expected a violating report alongside the error")
	}
	if tx.committed {
		t.Fatal("violating migration was committed")
	}
	if !tx.rolledBack {
		t.Fatal("violating migration was not rolled back")
	}
	got := violationsFor(t, report, "devices")
	if len(got) != 1 || got[0] != MissingTenantColumn {
		t.Fatalf("violations = %v, want [%s]", got, MissingTenantColumn)
	}
}
