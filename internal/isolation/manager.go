// Package isolation implements the schema-per-tenant alternative to
// row-level policies. Each schema-isolated tenant gets a dedicated Postgres
// namespace; the session binder routes connections there via search_path,
// so tables inside the namespace need no tenant column or policy.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/vela/internal/db"
	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/session"
	"github.com/oriys/vela/internal/store"
	"github.com/oriys/vela/internal/tenant"
)

// NamespacePrefix is prepended to the tenant identifier to form the schema
// name. The mapping is deterministic; the registry row is what makes it
// routable.
const NamespacePrefix = "tenant_"

var (
	// ErrNamespaceNotProvisioned is returned when routing a tenant whose
	// namespace was never explicitly provisioned. Namespaces are never
	// created implicitly on the request path.
	ErrNamespaceNotProvisioned = errors.New("isolation: namespace not provisioned")

	// ErrWrongIsolationMode is returned when provisioning a namespace for
	// a tenant registered with row isolation.
	ErrWrongIsolationMode = errors.New("isolation: tenant is not schema-isolated")
)

// NamespaceFor returns the schema name a tenant would be provisioned under.
func NamespaceFor(id tenant.ID) string {
	return NamespacePrefix + id.String()
}

// Manager provisions and routes per-tenant namespaces. Routing consults the
// vela_tenant_namespaces registry, not the deterministic mapping alone, so a
// half-provisioned tenant fails closed instead of landing in public.
type Manager struct {
	store store.MetadataStore
	pool  db.Pool

	mu    sync.RWMutex
	cache map[tenant.ID]string // namespace records are immutable once written
}

// NewManager creates a Manager backed by the metadata store. The pool is
// used only for provisioning DDL.
func NewManager(st store.MetadataStore, pool db.Pool) *Manager {
	return &Manager{
		store: st,
		pool:  pool,
		cache: make(map[tenant.ID]string),
	}
}

// RouteSession implements session.NamespaceRouter.
func (m *Manager) RouteSession(ctx context.Context, tc tenant.Context) (string, error) {
	m.mu.RLock()
	ns, ok := m.cache[tc.ID()]
	m.mu.RUnlock()
	if ok {
		return ns, nil
	}

	rec, err := m.store.GetNamespace(ctx, tc.ID().String())
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: tenant %s", ErrNamespaceNotProvisioned, tc.ID())
	}
	if err != nil {
		return "", fmt.Errorf("isolation: look up namespace for %s: %w", tc.ID(), err)
	}

	m.mu.Lock()
	m.cache[tc.ID()] = rec.Namespace
	m.mu.Unlock()
	return rec.Namespace, nil
}

var _ session.NamespaceRouter = (*Manager)(nil)

// Provision creates the tenant's namespace and records it in the registry.
// Idempotent: re-provisioning an existing namespace refreshes the schema
// objects and returns the existing registry row. The tenant must already be
// registered with schema isolation.
func (m *Manager) Provision(ctx context.Context, id tenant.ID) (*store.NamespaceRecord, error) {
	rec, err := m.store.GetTenant(ctx, id.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("isolation: provision %s: %w", id, tenant.ErrUnknownOrInactive)
	}
	if err != nil {
		return nil, fmt.Errorf("isolation: provision %s: %w", id, err)
	}
	if !rec.Active {
		return nil, fmt.Errorf("isolation: provision %s: %w", id, tenant.ErrUnknownOrInactive)
	}
	if rec.IsolationMode != store.IsolationModeSchema {
		return nil, fmt.Errorf("%w: %s uses %s isolation", ErrWrongIsolationMode, id, rec.IsolationMode)
	}

	namespace := NamespaceFor(id)
	if err := m.createNamespace(ctx, namespace); err != nil {
		return nil, err
	}

	existing, err := m.store.GetNamespace(ctx, id.String())
	if err == nil {
		logging.Op().Debug("namespace already registered", "tenant_id", id, "namespace", existing.Namespace)
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("isolation: provision %s: %w", id, err)
	}

	nsRec := &store.NamespaceRecord{TenantID: id.String(), Namespace: namespace}
	if err := m.store.SaveNamespace(ctx, nsRec); err != nil {
		return nil, fmt.Errorf("isolation: register namespace for %s: %w", id, err)
	}

	m.mu.Lock()
	m.cache[id] = namespace
	m.mu.Unlock()

	logging.Op().Info("namespace provisioned", "tenant_id", id, "namespace", namespace)
	return nsRec, nil
}

// createNamespace runs the provisioning DDL. The schema is locked down to
// the application role; PUBLIC gets nothing, so a session routed elsewhere
// cannot reach into it.
func (m *Manager) createNamespace(ctx context.Context, namespace string) error {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("isolation: acquire connection: %w", err)
	}
	defer conn.Release()

	quoted := pgx.Identifier{namespace}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoted),
		fmt.Sprintf(`REVOKE ALL ON SCHEMA %s FROM PUBLIC`, quoted),
		fmt.Sprintf(`GRANT USAGE, CREATE ON SCHEMA %s TO CURRENT_USER`, quoted),
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("isolation: create namespace %s: %w", namespace, err)
		}
	}
	return nil
}

// List returns all registered namespaces.
func (m *Manager) List(ctx context.Context) ([]*store.NamespaceRecord, error) {
	return m.store.ListNamespaces(ctx)
}
