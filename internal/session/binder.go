// Package session implements the connection session binder: the pairing of
// one pooled database connection with one tenant context for the lifetime of
// a unit of work, with a guaranteed reset before the connection goes back to
// the pool.
//
// The session variable is connection-scoped mutable state; this package
// models its whole lifecycle (verify clean, bind, reset) explicitly so the
// reset-on-release contract lives in the type model, not in caller
// convention. A connection whose state cannot be proven clean is destroyed,
// never reused.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/vela/internal/audit"
	"github.com/oriys/vela/internal/db"
	"github.com/oriys/vela/internal/metrics"
	"github.com/oriys/vela/internal/observability"
	"github.com/oriys/vela/internal/store"
	"github.com/oriys/vela/internal/tenant"
)

// Wire-level contract with PostgreSQL. These statements must stay bit-exact
// across every code path: the row policies compare against exactly
// current_setting('app.tenant_id') and the bypass role is exactly
// vela_maintenance.
const (
	// SessionVar is the per-connection tenant scoping variable.
	SessionVar = "app.tenant_id"

	// MaintenanceRole is the elevated role privileged contexts run under.
	// Bypass goes through a distinct role, not a disabled tenant variable,
	// so it stays structurally distinguishable in audit logs.
	MaintenanceRole = "vela_maintenance"

	bindSQL    = `SELECT set_config('app.tenant_id', $1, false)`
	currentSQL = `SELECT current_setting('app.tenant_id', true)`
	setRoleSQL = `SET ROLE vela_maintenance`

	// resetSQL returns the connection to the no-tenant default on every
	// exit path. Multi-statement, so it runs with the simple protocol in
	// a single round trip.
	resetSQL = `RESET ROLE; SELECT set_config('app.tenant_id', '', false); SET search_path TO public`
)

// Sentinel errors.
var (
	// ErrBindFailed is returned when the session variable could not be set
	// on a fresh connection after one retry. The connections involved are
	// discarded, never pooled.
	ErrBindFailed = errors.New("session: bind failed")

	// ErrReleased is returned when a statement is issued on a session
	// after Release.
	ErrReleased = errors.New("session: session already released")

	// ErrBypassForbidden is returned for privileged contexts under strict
	// enforcement ("no bypass, no exceptions" deployments).
	ErrBypassForbidden = errors.New("session: privileged contexts forbidden by strict enforcement")
)

// ModeResolver reports the isolation mode a tenant was provisioned with.
// The registry implements this.
type ModeResolver interface {
	IsolationMode(ctx context.Context, id tenant.ID) (store.IsolationMode, error)
}

// NamespaceRouter maps a schema-isolated tenant to its namespace.
// The isolation manager implements this.
type NamespaceRouter interface {
	RouteSession(ctx context.Context, tc tenant.Context) (string, error)
}

// Options configures a Binder.
type Options struct {
	// Strict refuses privileged contexts outright.
	Strict bool
	// Resolver decides row vs schema isolation per tenant. Nil means every
	// tenant uses row filtering.
	Resolver ModeResolver
	// Router is required when any tenant uses schema isolation.
	Router NamespaceRouter
	// ResetTimeout bounds the reset round trip on release. Release runs
	// detached from the caller's context: a cancelled unit of work still
	// resets its connection.
	ResetTimeout time.Duration
}

// Binder acquires pooled connections and binds them to tenant contexts.
type Binder struct {
	pool    db.Pool
	auditor audit.Recorder
	opts    Options
}

// NewBinder creates a Binder over the given pool.
func NewBinder(pool db.Pool, auditor audit.Recorder, opts Options) *Binder {
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 2 * time.Second
	}
	return &Binder{pool: pool, auditor: auditor, opts: opts}
}

// maxCleanAttempts bounds how many residually-bound connections Acquire will
// destroy and replace before giving up. Multiple in a row means the reset
// discipline is broken somewhere and failing is better than spinning.
const maxCleanAttempts = 3

// Acquire obtains a connection and binds it to tc inside the same session
// the caller's statements will run on. The caller must Release the returned
// session on every exit path; use With for the guaranteed form.
func (b *Binder) Acquire(ctx context.Context, tc tenant.Context) (*BoundSession, error) {
	if tc.Zero() {
		return nil, tenant.ErrNoContext
	}
	if tc.Privileged() && b.opts.Strict {
		b.auditor.Record(audit.Event{
			Kind:       audit.KindBypassUsed,
			Operation:  "acquire",
			TenantID:   tc.ID().String(),
			Privileged: true,
			Outcome:    audit.OutcomeBlocked,
			Detail:     "strict enforcement refused privileged context",
		})
		return nil, ErrBypassForbidden
	}

	ctx, span := observability.StartSpan(ctx, "vela.session.bind",
		observability.AttrTenantID.String(tc.ID().String()),
		observability.AttrPrivileged.Bool(tc.Privileged()),
	)
	defer span.End()

	sess, err := b.acquireBound(ctx, tc, true)
	if isBindFailure(err) {
		// One retry against a fresh connection; the failed one was
		// already destroyed. The bypass entry for this acquire is
		// already durable, so the retry must not write a second one.
		sess, err = b.acquireBound(ctx, tc, false)
	}
	if err != nil {
		observability.SetSpanError(span, err)
		if isBindFailure(err) {
			b.auditor.Record(audit.Event{
				Kind:      audit.KindBindFailure,
				Operation: "acquire",
				TenantID:  tc.ID().String(),
				Detail:    err.Error(),
			})
			return nil, fmt.Errorf("%w: %v", ErrBindFailed, errors.Unwrap(err))
		}
		return nil, err
	}

	observability.SetSpanOK(span)
	return sess, nil
}

// With runs fn inside a bound session and releases it on every exit path,
// including panics and cancellation.
func (b *Binder) With(ctx context.Context, tc tenant.Context, fn func(*BoundSession) error) error {
	sess, err := b.Acquire(ctx, tc)
	if err != nil {
		return err
	}
	defer sess.Release()
	return fn(sess)
}

// errBind marks a failure of the bind round trip itself, as opposed to pool
// exhaustion or caller cancellation. Only these are retried.
type errBind struct{ err error }

func (e *errBind) Error() string { return "session: bind statement failed: " + e.err.Error() }
func (e *errBind) Unwrap() error { return e.err }

func isBindFailure(err error) bool {
	var be *errBind
	return errors.As(err, &be)
}

// acquireBound performs one full acquire-and-bind attempt. auditBypass is
// true only on the first attempt for a privileged context; the synchronous
// bypass entry covers the logical acquire, not each connection tried.
func (b *Binder) acquireBound(ctx context.Context, tc tenant.Context, auditBypass bool) (*BoundSession, error) {
	conn, err := b.acquireClean(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	mode := store.IsolationModeRow
	if b.opts.Resolver != nil && !tc.Privileged() {
		mode, err = b.opts.Resolver.IsolationMode(ctx, tc.ID())
		if err != nil {
			conn.Destroy()
			metrics.RecordBindFailure()
			return nil, &errBind{fmt.Errorf("resolve isolation mode for %s: %w", tc.ID(), err)}
		}
	}

	switch {
	case tc.Privileged():
		// Bypass entry is written synchronously before the role switch:
		// an unlogged bypass session must be impossible.
		if auditBypass {
			if err := b.auditor.RecordSync(ctx, audit.Event{
				Kind:       audit.KindBypassUsed,
				Operation:  "acquire",
				TenantID:   tc.ID().String(),
				Privileged: true,
				Outcome:    audit.OutcomeAllowedBypass,
				Detail:     tc.Reason(),
			}); err != nil {
				conn.Destroy()
				return nil, err
			}
		}
		if _, err := conn.Exec(ctx, setRoleSQL); err != nil {
			conn.Destroy()
			metrics.RecordBindFailure()
			return nil, &errBind{err}
		}
		if _, err := conn.Exec(ctx, bindSQL, tc.ID().String()); err != nil {
			conn.Destroy()
			metrics.RecordBindFailure()
			return nil, &errBind{err}
		}

	case mode == store.IsolationModeSchema:
		if b.opts.Router == nil {
			conn.Destroy()
			return nil, fmt.Errorf("session: tenant %s is schema-isolated but no namespace router is configured", tc.ID())
		}
		ns, err := b.opts.Router.RouteSession(ctx, tc)
		if err != nil {
			conn.Destroy()
			return nil, err
		}
		if _, err := conn.Exec(ctx, fmt.Sprintf(`SET search_path TO %s, public`, quoteIdent(ns))); err != nil {
			conn.Destroy()
			metrics.RecordBindFailure()
			return nil, &errBind{err}
		}
		// The tenant variable is set even in schema mode so audit queries
		// and residual detection see one uniform signal.
		if _, err := conn.Exec(ctx, bindSQL, tc.ID().String()); err != nil {
			conn.Destroy()
			metrics.RecordBindFailure()
			return nil, &errBind{err}
		}

	default:
		if _, err := conn.Exec(ctx, bindSQL, tc.ID().String()); err != nil {
			conn.Destroy()
			metrics.RecordBindFailure()
			return nil, &errBind{err}
		}
	}

	metrics.RecordBind(modeLabel(tc, mode), time.Since(start))

	return &BoundSession{
		conn:   conn,
		tc:     tc,
		mode:   mode,
		binder: b,
	}, nil
}

// acquireClean obtains a connection and proves it carries no residual tenant
// binding from a previous use. Residually-bound connections are destroyed
// and reported.
func (b *Binder) acquireClean(ctx context.Context) (db.PooledConn, error) {
	for attempt := 0; attempt < maxCleanAttempts; attempt++ {
		conn, err := b.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		var current *string
		if err := conn.QueryRow(ctx, currentSQL).Scan(&current); err != nil {
			conn.Destroy()
			metrics.RecordBindFailure()
			return nil, &errBind{fmt.Errorf("verify session state: %w", err)}
		}
		if current == nil || *current == "" {
			return conn, nil
		}

		// Residual binding: the single most safety-critical invariant in
		// the core just failed for this connection. Destroy it and report.
		metrics.RecordResidualBinding()
		b.auditor.Record(audit.Event{
			Kind:     audit.KindResidualBinding,
			TenantID: *current,
			Detail:   "pooled connection carried a tenant binding at acquire",
		})
		conn.Destroy()
	}
	return nil, fmt.Errorf("session: %d consecutive pooled connections carried residual bindings", maxCleanAttempts)
}

func modeLabel(tc tenant.Context, mode store.IsolationMode) string {
	if tc.Privileged() {
		return "bypass"
	}
	return string(mode)
}

// quoteIdent quotes a schema identifier for interpolation into SET
// search_path, which cannot take bind parameters.
func quoteIdent(ident string) string {
	out := make([]byte, 0, len(ident)+2)
	out = append(out, '"')
	for i := 0; i < len(ident); i++ {
		if ident[i] == '"' {
			out = append(out, '"', '"')
		} else {
			out = append(out, ident[i])
		}
	}
	return string(append(out, '"'))
}
