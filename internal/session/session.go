package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/oriys/vela/internal/audit"
	"github.com/oriys/vela/internal/db"
	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/metrics"
	"github.com/oriys/vela/internal/store"
	"github.com/oriys/vela/internal/tenant"
)

// BoundSession pairs one pooled connection with one tenant context for the
// duration of a unit of work. It must never outlive that unit of work, and
// the connection never returns to the pool still carrying the binding:
// Release resets the session state, and a reset that cannot be confirmed
// destroys the connection instead.
type BoundSession struct {
	conn   db.PooledConn
	tc     tenant.Context
	mode   store.IsolationMode
	binder *Binder

	released atomic.Bool
}

// Tenant returns the context this session is bound to.
func (s *BoundSession) Tenant() tenant.Context { return s.tc }

// Mode returns the isolation mode in effect for this session.
func (s *BoundSession) Mode() store.IsolationMode { return s.mode }

// Exec executes a statement on the bound connection.
func (s *BoundSession) Exec(ctx context.Context, sql string, args ...any) (db.Result, error) {
	if s.released.Load() {
		return nil, ErrReleased
	}
	return s.conn.Exec(ctx, sql, args...)
}

// Query executes a query on the bound connection.
func (s *BoundSession) Query(ctx context.Context, sql string, args ...any) (db.Rows, error) {
	if s.released.Load() {
		return nil, ErrReleased
	}
	return s.conn.Query(ctx, sql, args...)
}

// QueryRow executes a single-row query on the bound connection.
func (s *BoundSession) QueryRow(ctx context.Context, sql string, args ...any) (db.Row, error) {
	if s.released.Load() {
		return nil, ErrReleased
	}
	return s.conn.QueryRow(ctx, sql, args...), nil
}

// Begin starts a transaction on the bound connection. The tenant binding is
// session-scoped, so every statement in the transaction observes it.
func (s *BoundSession) Begin(ctx context.Context) (db.Tx, error) {
	if s.released.Load() {
		return nil, ErrReleased
	}
	return s.conn.Begin(ctx)
}

// Release resets the session state and returns the connection to the pool.
// It is idempotent and safe on every exit path, including cancellation: the
// reset runs under its own detached timeout, not the caller's context. If
// the reset round trip fails the connection is destroyed so a possibly
// still-bound session can never be pooled.
func (s *BoundSession) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.binder.opts.ResetTimeout)
	defer cancel()

	start := time.Now()
	if _, err := s.conn.Exec(ctx, resetSQL); err != nil {
		s.binder.auditor.Record(audit.Event{
			Kind:     audit.KindResetFailure,
			TenantID: s.tc.ID().String(),
			Detail:   err.Error(),
		})
		logging.Op().Error("session reset failed, destroying connection",
			"tenant_id", s.tc.ID().String(), "error", err)
		s.conn.Destroy()
		metrics.RecordRelease(time.Since(start))
		return
	}

	metrics.RecordRelease(time.Since(start))
	s.conn.Release()
}
