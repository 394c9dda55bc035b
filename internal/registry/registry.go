// Package registry manages the tenant registry: provisioning, retirement,
// and the validity lookups the identifier validator depends on. A Redis
// cache answers only "is this identifier currently valid" so the hot path
// avoids a database round trip; it never caches tenant data.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/metrics"
	"github.com/oriys/vela/internal/store"
	"github.com/oriys/vela/internal/tenant"
)

// ValidityCache caches identifier validity. Implementations must treat the
// cache as advisory: a miss or error falls through to the store.
type ValidityCache interface {
	// Get returns (valid, true) on a hit, (_, false) on miss or error.
	Get(ctx context.Context, id tenant.ID) (bool, bool)
	// Set records validity for the cache TTL.
	Set(ctx context.Context, id tenant.ID, valid bool)
	// Invalidate removes the entry. Called on retirement so a retired
	// identifier stops validating immediately, not at TTL expiry.
	Invalidate(ctx context.Context, id tenant.ID)
}

// Registry is the authoritative tenant registry backed by the metadata
// store, with an optional validity cache in front.
type Registry struct {
	store store.MetadataStore
	cache ValidityCache
}

// New creates a Registry. cache may be nil, in which case every lookup goes
// to the store.
func New(s store.MetadataStore, cache ValidityCache) *Registry {
	return &Registry{store: s, cache: cache}
}

// Active implements tenant.Registry.
func (r *Registry) Active(ctx context.Context, id tenant.ID) (bool, error) {
	if r.cache != nil {
		if valid, ok := r.cache.Get(ctx, id); ok {
			metrics.RecordRegistryCacheLookup("hit")
			return valid, nil
		}
		metrics.RecordRegistryCacheLookup("miss")
	}

	rec, err := r.store.GetTenant(ctx, id.String())
	if errors.Is(err, store.ErrNotFound) {
		if r.cache != nil {
			r.cache.Set(ctx, id, false)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("registry: lookup %s: %w", id, err)
	}

	if r.cache != nil {
		r.cache.Set(ctx, id, rec.Active)
	}
	return rec.Active, nil
}

// Provision registers a new tenant with the given isolation mode. The
// identifier is issued once and never reused.
func (r *Registry) Provision(ctx context.Context, id tenant.ID, displayName string, mode store.IsolationMode) (*store.TenantRecord, error) {
	switch mode {
	case store.IsolationModeRow, store.IsolationModeSchema:
	default:
		return nil, fmt.Errorf("registry: unknown isolation mode %q", mode)
	}

	if existing, err := r.store.GetTenant(ctx, id.String()); err == nil {
		return nil, fmt.Errorf("registry: tenant %s already provisioned (active=%v)", id, existing.Active)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	rec := &store.TenantRecord{
		ID:            id.String(),
		DisplayName:   displayName,
		IsolationMode: mode,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.store.SaveTenant(ctx, rec); err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Set(ctx, id, true)
	}
	logging.Op().Info("tenant provisioned", "tenant_id", id.String(), "isolation_mode", string(mode))
	return rec, nil
}

// Retire marks the tenant inactive and drops its cache entry, so all
// subsequent context-bind attempts for the identifier fail.
func (r *Registry) Retire(ctx context.Context, id tenant.ID) error {
	if err := r.store.RetireTenant(ctx, id.String()); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.Invalidate(ctx, id)
	}
	logging.Op().Info("tenant retired", "tenant_id", id.String())
	return nil
}

// IsolationMode implements session.ModeResolver. Mode lookups hit the
// store, not the validity cache; the cache holds only a boolean.
func (r *Registry) IsolationMode(ctx context.Context, id tenant.ID) (store.IsolationMode, error) {
	rec, err := r.store.GetTenant(ctx, id.String())
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("registry: %w: %s", tenant.ErrUnknownOrInactive, id)
	}
	if err != nil {
		return "", fmt.Errorf("registry: lookup %s: %w", id, err)
	}
	if !rec.Active {
		return "", fmt.Errorf("registry: %w: %s", tenant.ErrUnknownOrInactive, id)
	}
	return rec.IsolationMode, nil
}

// Lookup returns the full registry record for a tenant.
func (r *Registry) Lookup(ctx context.Context, id tenant.ID) (*store.TenantRecord, error) {
	return r.store.GetTenant(ctx, id.String())
}

// List returns all provisioned tenants, active and retired.
func (r *Registry) List(ctx context.Context) ([]*store.TenantRecord, error) {
	return r.store.ListTenants(ctx)
}
