package tenant

import (
	"context"
	"fmt"
)

// Registry answers whether an identifier currently names an active tenant.
// The production implementation is backed by Postgres with a Redis validity
// cache in front; the validator never learns anything about tenant data,
// only identifier validity.
type Registry interface {
	Active(ctx context.Context, id ID) (bool, error)
}

// Validator checks identifier format and registry status before a tenant
// context may be constructed. Both failure modes are terminal for the unit
// of work: no database connection is acquired without a validated identifier.
type Validator struct {
	registry Registry
}

// NewValidator creates a Validator backed by the given registry.
func NewValidator(registry Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate parses the raw identifier and confirms the tenant is provisioned
// and active. Returns ErrInvalidIdentifier or ErrUnknownOrInactive.
func (v *Validator) Validate(ctx context.Context, raw string) (ID, error) {
	id, err := ParseID(raw)
	if err != nil {
		return "", err
	}

	active, err := v.registry.Active(ctx, id)
	if err != nil {
		return "", fmt.Errorf("tenant: registry lookup for %s: %w", id, err)
	}
	if !active {
		return "", fmt.Errorf("%w: %s", ErrUnknownOrInactive, id)
	}
	return id, nil
}
