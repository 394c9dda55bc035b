// Package audit implements the violation auditor: an append-only record of
// every detected attempt to operate without a bound tenant context, with a
// mismatched context, or under the privileged bypass path.
//
// Events are persisted through the metadata store and surfaced to monitoring
// as counters plus one structured log line each. The auditor never carries
// row payloads; a cross-tenant-readable audit stream must not become a
// tenant-data leak itself.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/metrics"
	"github.com/oriys/vela/internal/store"
)

// Event kinds. Bind/release anomalies come from the session binder,
// write rejections from the policy layer, bypass uses from privileged
// context binds.
const (
	KindMissingContext  = "missing_context"
	KindContextMismatch = "context_mismatch"
	KindBindFailure     = "bind_failure"
	KindResetFailure    = "reset_failure"
	KindResidualBinding = "residual_binding"
	KindWriteRejected   = "write_rejected"
	KindBypassUsed      = "bypass_used"
)

// Outcomes recorded per event.
const (
	OutcomeBlocked       = "blocked"
	OutcomeAllowedBypass = "allowed_bypass"
)

// Event is one observed violation or bypass use.
type Event struct {
	Kind       string
	Operation  string
	Table      string
	TenantID   string // empty when no context was bound
	Privileged bool
	Outcome    string
	Detail     string
	OccurredAt time.Time
}

// ViolationSink is the persistence slice of the metadata store the auditor
// needs.
type ViolationSink interface {
	SaveViolation(ctx context.Context, v *store.ViolationRecord) error
	SaveViolations(ctx context.Context, vs []*store.ViolationRecord) error
}

// Recorder is the interface components report through. Record is
// fire-and-forget; RecordSync blocks until the entry is durable and is used
// where lossiness is unacceptable (bypass traceability).
type Recorder interface {
	Record(ev Event)
	RecordSync(ctx context.Context, ev Event) error
}

const (
	defaultBuffer        = 1024
	defaultFlushInterval = time.Second
	defaultBatchSize     = 64
)

// Auditor buffers events on a bounded channel and writes them in batches
// from a single goroutine, so audit persistence cannot block the hot path.
// A full buffer drops the event and counts the drop; the counter going
// nonzero is itself an incident signal.
type Auditor struct {
	sink ViolationSink

	ch     chan Event
	wg     sync.WaitGroup
	closed chan struct{}
}

// New starts an Auditor writing to the given sink.
func New(sink ViolationSink) *Auditor {
	a := &Auditor{
		sink:   sink,
		ch:     make(chan Event, defaultBuffer),
		closed: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Record enqueues an event without blocking.
func (a *Auditor) Record(ev Event) {
	a.observe(&ev)
	select {
	case a.ch <- ev:
	default:
		metrics.RecordAuditDropped()
		logging.Op().Warn("audit buffer full, event dropped",
			"kind", ev.Kind, "table", ev.Table, "tenant_id", ev.TenantID)
	}
}

// RecordSync persists the event before returning. Used for bypass entries,
// which must never be lost.
func (a *Auditor) RecordSync(ctx context.Context, ev Event) error {
	a.observe(&ev)
	if err := a.sink.SaveViolation(ctx, toRecord(ev)); err != nil {
		return fmt.Errorf("audit: persist %s event: %w", ev.Kind, err)
	}
	return nil
}

// observe stamps the event and emits its metric and log line exactly once.
func (a *Auditor) observe(ev *Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.Outcome == "" {
		if ev.Kind == KindBypassUsed {
			ev.Outcome = OutcomeAllowedBypass
		} else {
			ev.Outcome = OutcomeBlocked
		}
	}

	metrics.RecordViolation(ev.Kind)
	if ev.Kind == KindBypassUsed {
		metrics.RecordBypass()
	}

	logging.Op().Warn("isolation violation",
		"kind", ev.Kind,
		"operation", ev.Operation,
		"table", ev.Table,
		"tenant_id", ev.TenantID,
		"privileged", ev.Privileged,
		"outcome", ev.Outcome,
		"detail", ev.Detail,
	)
}

// Close drains buffered events and stops the writer.
func (a *Auditor) Close() {
	close(a.closed)
	a.wg.Wait()
}

func (a *Auditor) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()

	batch := make([]*store.ViolationRecord, 0, defaultBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.sink.SaveViolations(ctx, batch); err != nil {
			logging.Op().Error("audit batch write failed", "count", len(batch), "error", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-a.ch:
			batch = append(batch, toRecord(ev))
			if len(batch) >= defaultBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.closed:
			// drain whatever is still queued
			for {
				select {
				case ev := <-a.ch:
					batch = append(batch, toRecord(ev))
					if len(batch) >= defaultBatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func toRecord(ev Event) *store.ViolationRecord {
	return &store.ViolationRecord{
		Kind:       ev.Kind,
		Operation:  ev.Operation,
		TableName:  ev.Table,
		TenantID:   ev.TenantID,
		Privileged: ev.Privileged,
		Outcome:    ev.Outcome,
		Detail:     ev.Detail,
		OccurredAt: ev.OccurredAt,
	}
}
