// Package validation implements the review gate a work unit passes before it
// is closed.
//
// The reviewer sees the unit's acceptance criteria and the diff produced for
// it, nothing else. The worker's reasoning, its plan and earlier attempts
// are withheld so the review is not anchored on the worker's own account of
// the change.
package validation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ralph/internal/logging"
	"github.com/fyrsmithlabs/ralph/internal/metrics"
	"github.com/fyrsmithlabs/ralph/internal/secrets"
	"github.com/fyrsmithlabs/ralph/internal/tracker"
)

// ErrReviewerUnavailable wraps failures to obtain a verdict at all.
var ErrReviewerUnavailable = errors.New("reviewer unavailable")

// Verdict is the binary outcome of a review.
type Verdict struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// Approve returns an approving verdict.
func Approve() Verdict { return Verdict{Approved: true} }

// Reject returns a rejecting verdict carrying feedback.
func Reject(feedback string) Verdict { return Verdict{Feedback: feedback} }

func (v Verdict) String() string {
	if v.Approved {
		return "approved"
	}
	return "rejected"
}

// Request is everything a reviewer is given.
type Request struct {
	AcceptanceCriteria string `json:"acceptance_criteria"`
	Diff               string `json:"diff"`
}

// Reviewer produces a verdict for a request.
type Reviewer interface {
	Review(ctx context.Context, req Request) (Verdict, error)
}

// Gate redacts the diff and asks the reviewer for a verdict.
type Gate struct {
	reviewer Reviewer
	redactor *secrets.Redactor
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithRedactor replaces the default redactor.
func WithRedactor(r *secrets.Redactor) GateOption { return func(g *Gate) { g.redactor = r } }

// WithLogger sets the gate logger.
func WithLogger(l *logging.Logger) GateOption { return func(g *Gate) { g.logger = l } }

// WithMetrics records verdicts.
func WithMetrics(m *metrics.Metrics) GateOption { return func(g *Gate) { g.metrics = m } }

// NewGate returns a gate backed by reviewer.
func NewGate(reviewer Reviewer, opts ...GateOption) *Gate {
	g := &Gate{
		reviewer: reviewer,
		redactor: secrets.NewRedactor(nil),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Review asks for a verdict on diff against unit's acceptance criteria.
// An empty diff is rejected without consulting the reviewer.
func (g *Gate) Review(ctx context.Context, unit tracker.Unit, diff string) (Verdict, error) {
	ctx = logging.WithUnitID(ctx, unit.ID)

	if strings.TrimSpace(diff) == "" {
		v := Reject("no changes were found for this unit; commit the work before closing it")
		g.finish(ctx, v)
		return v, nil
	}

	if g.reviewer == nil {
		return Verdict{}, fmt.Errorf("%w: no reviewer configured", ErrReviewerUnavailable)
	}

	redacted, findings, err := g.redactor.Redact(diff)
	if err != nil {
		// Never send an unscanned diff out.
		return Verdict{}, fmt.Errorf("scanning diff: %w", err)
	}
	if len(findings) > 0 {
		g.logger.Warn(ctx, "redacted secrets from diff before review", zap.Int("findings", len(findings)))
	}

	criteria := unit.AcceptanceCriteria
	if strings.TrimSpace(criteria) == "" {
		criteria = unit.Title
	}

	v, err := g.reviewer.Review(ctx, Request{AcceptanceCriteria: criteria, Diff: redacted})
	if err != nil {
		g.logger.Error(ctx, "review failed", zap.Error(err))
		return Verdict{}, fmt.Errorf("%w: %w", ErrReviewerUnavailable, err)
	}
	g.finish(ctx, v)
	return v, nil
}

func (g *Gate) finish(ctx context.Context, v Verdict) {
	g.metrics.Review(v.String())
	g.logger.Info(ctx, "review verdict", zap.String("verdict", v.String()))
}

// ParseVerdict reads a reviewer reply. The first non-blank line must be
// APPROVED or REJECTED, optionally followed by ": feedback"; later lines are
// appended to the feedback. Anything else is a rejection.
func ParseVerdict(reply string) Verdict {
	sc := bufio.NewScanner(strings.NewReader(reply))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var first string
	var rest []string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if first == "" {
			first = line
			continue
		}
		rest = append(rest, sc.Text())
	}
	if first == "" {
		return Reject("reviewer returned an empty reply")
	}

	head, tail, _ := strings.Cut(first, ":")
	switch strings.ToUpper(strings.TrimSpace(head)) {
	case "APPROVED":
		return Approve()
	case "REJECTED":
		feedback := strings.TrimSpace(tail + "\n" + strings.Join(rest, "\n"))
		if feedback == "" {
			feedback = "rejected without feedback"
		}
		return Reject(feedback)
	default:
		return Reject("reviewer returned a malformed verdict: " + truncate(first, 200))
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
