// Package tenant defines the tenant identifier, the per-unit-of-work tenant
// context, and its propagation through context.Context. The context carrier
// is the only sanctioned way to tell downstream code which tenant a unit of
// work may touch; there is no process-wide "current tenant".
package tenant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Standard sentinel errors for tenant identity and context handling.
var (
	// ErrInvalidIdentifier is returned for a malformed tenant identifier.
	ErrInvalidIdentifier = errors.New("tenant: invalid identifier")

	// ErrUnknownOrInactive is returned when an identifier is well-formed
	// but not provisioned, or the tenant has been retired.
	ErrUnknownOrInactive = errors.New("tenant: unknown or inactive tenant")

	// ErrContextReassigned is returned when code attempts to bind a unit
	// of work that already carries a different tenant. This is a
	// programming error and must surface, never be papered over.
	ErrContextReassigned = errors.New("tenant: context already bound to a different tenant")

	// ErrNoContext is returned when an operation requires a bound tenant
	// context and none is present.
	ErrNoContext = errors.New("tenant: no tenant context bound")
)

// idPattern bounds identifiers to 63 bytes of lower-case slug characters,
// matching what the session variable and schema names can safely carry.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// ID is an opaque, immutable tenant identifier.
type ID string

// ParseID validates the identifier format and returns a typed ID.
func ParseID(raw string) (ID, error) {
	if !idPattern.MatchString(raw) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, raw)
	}
	return ID(raw), nil
}

// String returns the identifier as a plain string.
func (id ID) String() string { return string(id) }

// Context is the per-unit-of-work value identifying which tenant's data the
// current operation may touch. It is immutable once constructed; a unit of
// work that needs a different tenant is a different unit of work.
type Context struct {
	id         ID
	privileged bool
	reason     string
}

// NewContext constructs an ordinary (non-privileged) tenant context.
func NewContext(id ID) Context {
	return Context{id: id}
}

// NewPrivilegedContext constructs a bypass context for internal maintenance
// operations. The reason is recorded with every audit entry the context
// produces; an empty reason is rejected so bypass usage is always
// attributable.
func NewPrivilegedContext(id ID, reason string) (Context, error) {
	if reason == "" {
		return Context{}, errors.New("tenant: privileged context requires a reason")
	}
	return Context{id: id, privileged: true, reason: reason}, nil
}

// ID returns the tenant identifier.
func (c Context) ID() ID { return c.id }

// Privileged reports whether this is a bypass/maintenance context.
func (c Context) Privileged() bool { return c.privileged }

// Reason returns the bypass justification, empty for ordinary contexts.
func (c Context) Reason() string { return c.reason }

// Zero reports whether the context carries no tenant at all.
func (c Context) Zero() bool { return c.id == "" }

type contextKey struct{}

var ctxKey = contextKey{}

// Bind attaches the tenant context to ctx. Binding over an existing context
// for a different tenant fails with ErrContextReassigned; re-binding the
// same tenant is a no-op.
func Bind(ctx context.Context, tc Context) (context.Context, error) {
	if tc.Zero() {
		return nil, ErrNoContext
	}
	if existing, ok := fromContext(ctx); ok {
		if existing.id != tc.id || existing.privileged != tc.privileged {
			return nil, fmt.Errorf("%w: bound=%s incoming=%s", ErrContextReassigned, existing.id, tc.id)
		}
		return ctx, nil
	}
	return context.WithValue(ctx, ctxKey, tc), nil
}

// FromContext returns the tenant context bound to ctx, or ErrNoContext.
func FromContext(ctx context.Context) (Context, error) {
	if tc, ok := fromContext(ctx); ok {
		return tc, nil
	}
	return Context{}, ErrNoContext
}

func fromContext(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	tc, ok := ctx.Value(ctxKey).(Context)
	return tc, ok && !tc.Zero()
}
