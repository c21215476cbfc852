// Package recorder persists the outcome of every voice command invocation:
// one append-only [command.InvocationLog] row per request, plus an atomic
// statistics update on the matched command after a successful execution.
//
// Persistence is best-effort. A failed write never changes the response the
// caller receives; it is reported as a [PersistenceError] through slog and
// the sesli.persistence.errors counter instead.
package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/sesli/internal/command"
	"github.com/MrWong99/sesli/internal/observe"
)

// Operation labels used on PersistenceError and the persistence metric.
const (
	OpAppendLog   = "append_log"
	OpUpdateStats = "update_stats"
)

const defaultWriteTimeout = 5 * time.Second

// LogAppender stores invocation log rows. Rows are never updated.
type LogAppender interface {
	AppendLog(ctx context.Context, entry *command.InvocationLog) error
}

// StatsUpdater applies one successful use to a command's aggregates in a
// single atomic step: total_uses and success_count grow by one,
// avg_confidence becomes the running mean including confidence, and
// last_used_at is set to at. Concurrent calls must not lose updates.
type StatsUpdater interface {
	RecordSuccess(ctx context.Context, commandID string, confidence float64, at time.Time) error
}

// PersistenceError describes a best-effort write that did not land.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("recorder: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Option configures a [Recorder].
type Option func(*Recorder)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Recorder) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithClock overrides time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithWriteTimeout bounds each write. Writes run on a context detached from
// the request's cancellation so that a client hanging up does not drop the
// audit row. Default: 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// WithErrorHook registers fn to receive every PersistenceError after it has
// been logged and counted.
func WithErrorHook(fn func(*PersistenceError)) Option {
	return func(r *Recorder) {
		r.onError = fn
	}
}

// Recorder writes invocation outcomes. It is safe for concurrent use.
type Recorder struct {
	logs         LogAppender
	stats        StatsUpdater
	metrics      *observe.Metrics
	now          func() time.Time
	writeTimeout time.Duration
	onError      func(*PersistenceError)
}

// New returns a Recorder writing rows to logs and aggregates to stats.
func New(logs LogAppender, stats StatsUpdater, opts ...Option) *Recorder {
	r := &Recorder{
		logs:         logs,
		stats:        stats,
		metrics:      observe.DefaultMetrics(),
		now:          time.Now,
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record finalises entry (assigning ID and CreatedAt when empty), appends it
// to the log and, for successful invocations, updates the command's
// statistics. It returns the finalised row. Failures are reported, never
// returned.
//
// An entry that violates the audit invariants is not written at all; that is
// reported as an append_log failure.
func (r *Recorder) Record(ctx context.Context, entry command.InvocationLog) command.InvocationLog {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}
	r.metrics.RecordInvocation(ctx, string(entry.Status))

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()

	if err := entry.Validate(); err != nil {
		r.report(ctx, &entry, &PersistenceError{Op: OpAppendLog, Err: err})
		return entry
	}
	if err := r.logs.AppendLog(wctx, &entry); err != nil {
		r.report(ctx, &entry, &PersistenceError{Op: OpAppendLog, Err: err})
	}

	if entry.Status == command.StatusSuccess {
		if err := r.stats.RecordSuccess(wctx, *entry.CommandID, entry.ConfidenceScore, entry.CreatedAt); err != nil {
			r.report(ctx, &entry, &PersistenceError{Op: OpUpdateStats, Err: err})
		}
	}
	return entry
}

func (r *Recorder) report(ctx context.Context, entry *command.InvocationLog, perr *PersistenceError) {
	r.metrics.RecordPersistenceError(ctx, perr.Op)
	attrs := []any{
		"op", perr.Op,
		"log_id", entry.ID,
		"tenant_id", entry.TenantID,
		"status", entry.Status,
		"err", perr.Err,
	}
	if entry.CommandID != nil {
		attrs = append(attrs, "command_id", *entry.CommandID)
	}
	observe.Logger(ctx).Error("persist invocation outcome", attrs...)
	if r.onError != nil {
		r.onError(perr)
	}
}
