// Package breaker implements the per-unit circuit breaker applied to work
// unit failures and review rejections.
//
// Counts are never held in memory between calls: every decision re-reads the
// append-only attempt log, so a restarted process sees the same history.
// Failure and rejection counters are independent. Once either reaches
// Threshold the unit is set blocked in the tracker and stays excluded from
// ready selection until someone outside ralph reopens it. Reopening re-arms
// the breaker: the next attempt appends a reset record and counting starts
// again after it.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ralph/internal/logging"
	"github.com/fyrsmithlabs/ralph/internal/metrics"
	"github.com/fyrsmithlabs/ralph/internal/tracker"
)

// Threshold is the number of attempts of one kind that blocks a unit.
const Threshold = 2

// Tracker is the subset of the dependency store the breaker mirrors into.
type Tracker interface {
	Show(ctx context.Context, id string) (tracker.Unit, error)
	UpdateStatus(ctx context.Context, id string, status tracker.Status) error
	AppendComment(ctx context.Context, id, text string) error
}

// Counts summarises a unit's attempt history.
type Counts struct {
	Failures   int  `json:"failure_attempts"`
	Rejections int  `json:"rejection_attempts"`
	Tripped    bool `json:"tripped"`
}

// Blocked reports whether either counter has reached the threshold.
func (c Counts) Blocked() bool {
	return c.Failures >= Threshold || c.Rejections >= Threshold
}

// Outcome is the result of recording an attempt.
type Outcome struct {
	Kind     Kind
	Attempts int  // count of Kind after the call
	Recorded bool // false when the call was a no-op on a blocked unit
	Tripped  bool // true when this call blocked the unit
}

// Breaker records attempts and trips units.
type Breaker struct {
	log      Log
	tracker  Tracker
	groupRef string
	logger   *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the breaker logger.
func WithLogger(l *logging.Logger) Option { return func(b *Breaker) { b.logger = l } }

// WithMetrics records trips.
func WithMetrics(m *metrics.Metrics) Option { return func(b *Breaker) { b.metrics = m } }

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option { return func(b *Breaker) { b.now = now } }

// New returns a breaker over log that mirrors into t.
func New(log Log, t Tracker, opts ...Option) *Breaker {
	b := &Breaker{
		log:     log,
		tracker: t,
		logger:  logging.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ForGroup returns a breaker that stamps records with groupRef.
func (b *Breaker) ForGroup(groupRef string) *Breaker {
	c := *b
	c.groupRef = groupRef
	return &c
}

// RecordFailure records a failed attempt at unitID.
func (b *Breaker) RecordFailure(ctx context.Context, unitID, summary string) (Outcome, error) {
	return b.record(ctx, KindFailure, unitID, summary)
}

// RecordRejection records a validation rejection of unitID.
func (b *Breaker) RecordRejection(ctx context.Context, unitID, feedback string) (Outcome, error) {
	return b.record(ctx, KindRejection, unitID, feedback)
}

func (b *Breaker) record(ctx context.Context, kind Kind, unitID, summary string) (Outcome, error) {
	ctx = logging.WithUnitID(ctx, unitID)

	history, reopened, err := b.window(ctx, unitID)
	if err != nil {
		return Outcome{}, err
	}
	if reopened {
		if err := b.reset(ctx, unitID); err != nil {
			return Outcome{}, err
		}
		history = nil
	}
	count, tripped := tally(history, kind)

	if count >= Threshold {
		out := Outcome{Kind: kind, Attempts: count}
		if !tripped {
			// A previous call appended the attempt but failed before the
			// unit was blocked. Finish the trip instead of recording again.
			if err := b.trip(ctx, kind, unitID); err != nil {
				return out, err
			}
			out.Tripped = true
		}
		b.logger.Debug(ctx, "attempt ignored, unit already blocked", zap.String("kind", string(kind)))
		return out, nil
	}

	rec := Record{
		ID:       uuid.NewString(),
		UnitID:   unitID,
		GroupRef: b.groupRef,
		Kind:     kind,
		Summary:  summary,
		At:       b.now().UTC(),
	}
	if err := b.log.Append(rec); err != nil {
		return Outcome{}, err
	}
	count++
	b.metrics.Attempt(string(kind))

	out := Outcome{Kind: kind, Attempts: count, Recorded: true}
	b.comment(ctx, unitID, attemptComment(kind, count, summary))
	b.logger.Info(ctx, "attempt recorded",
		zap.String("kind", string(kind)),
		zap.Int("attempts", count),
	)

	if count >= Threshold {
		if err := b.trip(ctx, kind, unitID); err != nil {
			return out, err
		}
		out.Tripped = true
	}
	return out, nil
}

func (b *Breaker) trip(ctx context.Context, kind Kind, unitID string) error {
	if err := b.tracker.UpdateStatus(ctx, unitID, tracker.StatusBlocked); err != nil {
		return fmt.Errorf("blocking unit %s: %w", unitID, err)
	}
	summary := fmt.Sprintf("circuit breaker triggered after %d %ss", Threshold, kind)
	if err := b.log.Append(Record{
		ID:       uuid.NewString(),
		UnitID:   unitID,
		GroupRef: b.groupRef,
		Kind:     KindTripped,
		Trigger:  kind,
		Summary:  summary,
		At:       b.now().UTC(),
	}); err != nil {
		return err
	}
	b.comment(ctx, unitID, "Circuit breaker triggered: "+summary+". Unit blocked until manually reopened.")
	b.metrics.Trip(string(kind))
	b.logger.Warn(ctx, "circuit breaker tripped", zap.String("kind", string(kind)))
	return nil
}

// window returns the records since the last reset. reopened is true when
// the window holds a trip but the tracker no longer has the unit blocked.
func (b *Breaker) window(ctx context.Context, unitID string) ([]Record, bool, error) {
	history, err := b.log.Records(unitID)
	if err != nil {
		return nil, false, err
	}
	start, tripped := 0, false
	for i, r := range history {
		switch r.Kind {
		case KindReset:
			start, tripped = i+1, false
		case KindTripped:
			tripped = true
		}
	}
	history = history[start:]
	if !tripped {
		return history, false, nil
	}
	unit, err := b.tracker.Show(ctx, unitID)
	if err != nil {
		// Without the tracker's word the trip stands.
		b.logger.Warn(ctx, "failed to read unit status", zap.Error(err))
		return history, false, nil
	}
	return history, unit.Status != tracker.StatusBlocked, nil
}

func (b *Breaker) reset(ctx context.Context, unitID string) error {
	if err := b.log.Append(Record{
		ID:       uuid.NewString(),
		UnitID:   unitID,
		GroupRef: b.groupRef,
		Kind:     KindReset,
		Summary:  "unit reopened after circuit breaker trip",
		At:       b.now().UTC(),
	}); err != nil {
		return err
	}
	b.comment(ctx, unitID, "Circuit breaker reset: unit was reopened.")
	b.logger.Info(ctx, "circuit breaker reset")
	return nil
}

// comment mirrors to the tracker. The log is authoritative, so a failed
// comment is only logged.
func (b *Breaker) comment(ctx context.Context, unitID, text string) {
	if err := b.tracker.AppendComment(ctx, unitID, text); err != nil {
		b.logger.Warn(ctx, "failed to mirror attempt comment", zap.Error(err))
	}
}

func attemptComment(kind Kind, n int, summary string) string {
	switch kind {
	case KindRejection:
		return fmt.Sprintf("Review rejected (%d/%d): %s", n, Threshold, summary)
	default:
		return fmt.Sprintf("Attempt failed (%d/%d): %s", n, Threshold, summary)
	}
}

func tally(history []Record, kind Kind) (count int, tripped bool) {
	for _, r := range history {
		switch {
		case r.Kind == kind:
			count++
		case r.Kind == KindTripped && r.Trigger == kind:
			tripped = true
		}
	}
	return count, tripped
}

// Attempts returns the current counts for unitID. A unit reopened since its
// last trip reports zero.
func (b *Breaker) Attempts(ctx context.Context, unitID string) (Counts, error) {
	history, reopened, err := b.window(ctx, unitID)
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	if reopened {
		return c, nil
	}
	for _, r := range history {
		switch r.Kind {
		case KindFailure:
			c.Failures++
		case KindRejection:
			c.Rejections++
		case KindTripped:
			c.Tripped = true
		}
	}
	return c, nil
}

// History returns the most recent failure and rejection records for unitID,
// oldest first, capped at limit (0 means all).
func (b *Breaker) History(unitID string, limit int) ([]Record, error) {
	history, err := b.log.Records(unitID)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(history))
	for _, r := range history {
		if r.Kind == KindFailure || r.Kind == KindRejection {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
