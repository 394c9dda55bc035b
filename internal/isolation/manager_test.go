package isolation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/oriys/vela/internal/db"
	"github.com/oriys/vela/internal/store"
	"github.com/oriys/vela/internal/tenant"
)

type stubStore struct {
	store.MetadataStore

	tenants    map[string]*store.TenantRecord
	namespaces map[string]*store.NamespaceRecord
	nsLookups  int
}

func newStubStore() *stubStore {
	return &stubStore{
		tenants:    make(map[string]*store.TenantRecord),
		namespaces: make(map[string]*store.NamespaceRecord),
	}
}

func (s *stubStore) GetTenant(ctx context.Context, id string) (*store.TenantRecord, error) {
	t, ok := s.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (s *stubStore) GetNamespace(ctx context.Context, tenantID string) (*store.NamespaceRecord, error) {
	s.nsLookups++
	ns, ok := s.namespaces[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ns, nil
}

func (s *stubStore) SaveNamespace(ctx context.Context, ns *store.NamespaceRecord) error {
	s.namespaces[ns.TenantID] = ns
	return nil
}

func (s *stubStore) ListNamespaces(ctx context.Context) ([]*store.NamespaceRecord, error) {
	out := make([]*store.NamespaceRecord, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		out = append(out, ns)
	}
	return out, nil
}

type fakeResult struct{}

func (fakeResult) RowsAffected() int64 { return 0 }

type fakeConn struct {
	statements *[]string
	released   bool
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (db.Result, error) {
	*c.statements = append(*c.statements, sql)
	return fakeResult{}, nil
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) db.Row { return nil }
func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (db.Rows, error) {
	return nil, errors.New("not implemented")
}
func (c *fakeConn) Begin(ctx context.Context) (db.Tx, error) {
	return nil, errors.New("not implemented")
}
func (c *fakeConn) Release() { c.released = true }
func (c *fakeConn) Destroy() {}

type fakePool struct {
	statements []string
	lastConn   *fakeConn
}

func (p *fakePool) Acquire(ctx context.Context) (db.PooledConn, error) {
	p.lastConn = &fakeConn{statements: &p.statements}
	return p.lastConn, nil
}

func schemaTenant(id string) *store.TenantRecord {
	return &store.TenantRecord{ID: id, IsolationMode: store.IsolationModeSchema, Active: true}
}

func TestProvisionCreatesSchemaAndRegistryRow(t *testing.T) {
	st := newStubStore()
	st.tenants["acme"] = schemaTenant("acme")
	pool := &fakePool{}
	m := NewManager(st, pool)

	rec, err := m.Provision(context.Background(), "acme")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if rec.Namespace != "tenant_acme" {
		t.Fatalf("namespace = %q, want tenant_acme", rec.Namespace)
	}

	joined := strings.Join(pool.statements, "\n")
	for _, want := range []string{
		`CREATE SCHEMA IF NOT EXISTS "tenant_acme"`,
		`REVOKE ALL ON SCHEMA "tenant_acme" FROM PUBLIC`,
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing DDL %q:\n%s", want, joined)
		}
	}
	if !pool.lastConn.released {
		t.Fatal("provisioning connection not released")
	}
	if _, ok := st.namespaces["acme"]; !ok {
		t.Fatal("registry row not written")
	}
}

func TestProvisionIsIdempotent(t *testing.T) {
	st := newStubStore()
	st.tenants["acme"] = schemaTenant("acme")
	m := NewManager(st, &fakePool{})

	first, err := m.Provision(context.Background(), "acme")
	if err != nil {
		t.Fatalf("first provision: %v", err)
	}
	second, err := m.Provision(context.Background(), "acme")
	if err != nil {
		t.Fatalf("second provision: %v", err)
	}
	if first.Namespace != second.Namespace {
		t.Fatalf("namespaces differ: %q vs %q", first.Namespace, second.Namespace)
	}
	if len(st.namespaces) != 1 {
		t.Fatalf("expected one registry row, got %d", len(st.namespaces))
	}
}

func TestProvisionRejectsRowModeTenant(t *testing.T) {
	st := newStubStore()
	st.tenants["acme"] = &store.TenantRecord{ID: "acme", IsolationMode: store.IsolationModeRow, Active: true}
	m := NewManager(st, &fakePool{})

	if _, err := m.Provision(context.Background(), "acme"); !errors.Is(err, ErrWrongIsolationMode) {
		t.Fatalf("got %v, want ErrWrongIsolationMode", err)
	}
}

func TestProvisionRejectsUnknownOrRetiredTenant(t *testing.T) {
	st := newStubStore()
	m := NewManager(st, &fakePool{})

	if _, err := m.Provision(context.Background(), "ghost"); !errors.Is(err, tenant.ErrUnknownOrInactive) {
		t.Fatalf("unknown tenant: got %v, want ErrUnknownOrInactive", err)
	}

	rec := schemaTenant("retired-tenant")
	rec.Active = false
	st.tenants["retired-tenant"] = rec
	if _, err := m.Provision(context.Background(), "retired-tenant"); !errors.Is(err, tenant.ErrUnknownOrInactive) {
		t.Fatalf("retired tenant: got %v, want ErrUnknownOrInactive", err)
	}
}

func TestRouteSessionRequiresProvisionedNamespace(t *testing.T) {
	st := newStubStore()
	m := NewManager(st, &fakePool{})

	_, err := m.RouteSession(context.Background(), tenant.NewContext("acme"))
	if !errors.Is(err, ErrNamespaceNotProvisioned) {
		t.Fatalf("got %v, want ErrNamespaceNotProvisioned", err)
	}
}

func TestRouteSessionUsesRegistryAndCaches(t *testing.T) {
	st := newStubStore()
	st.tenants["acme"] = schemaTenant("acme")
	m := NewManager(st, &fakePool{})
	if _, err := m.Provision(context.Background(), "acme"); err != nil {
		t.Fatalf("provision: %v", err)
	}

	lookupsBefore := st.nsLookups
	for i := 0; i < 3; i++ {
		ns, err := m.RouteSession(context.Background(), tenant.NewContext("acme"))
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		if ns != "tenant_acme" {
			t.Fatalf("namespace = %q, want tenant_acme", ns)
		}
	}
	if st.nsLookups != lookupsBefore {
		t.Fatalf("expected cached routing, store consulted %d more times", st.nsLookups-lookupsBefore)
	}
}
