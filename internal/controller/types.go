package controller

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/ralph/internal/breaker"
	"github.com/fyrsmithlabs/ralph/internal/complexity"
	"github.com/fyrsmithlabs/ralph/internal/lease"
	"github.com/fyrsmithlabs/ralph/internal/session"
	"github.com/fyrsmithlabs/ralph/internal/tracker"
	"github.com/fyrsmithlabs/ralph/internal/validation"
)

// Action is what the host should do next.
type Action string

const (
	Continue Action = "continue"
	Halt     Action = "halt"
)

// Reason classifies a decision.
type Reason string

const (
	ReasonNextUnit         Reason = "next_unit"
	ReasonPlanning         Reason = "planning"
	ReasonNotActive        Reason = "not_active"
	ReasonBudgetExhausted  Reason = "budget_exhausted"
	ReasonPlanReady        Reason = "plan_ready"
	ReasonDone             Reason = "done"
	ReasonStoreUnavailable Reason = "store_unavailable"
	ReasonBlocked          Reason = "blocked"
	ReasonAllClosed        Reason = "all_closed"
	ReasonLeaseConflict    Reason = "lease_conflict"
	ReasonReleaseFailed    Reason = "release_failed"
)

// Decision is the outcome of one Evaluate call.
type Decision struct {
	Action        Action       `json:"action"`
	Reason        Reason       `json:"reason"`
	Message       string       `json:"message,omitempty"`
	Mode          session.Mode `json:"mode"`
	Iteration     int          `json:"iteration"`
	MaxIterations int          `json:"max_iterations"`
	UnitID        string       `json:"unit_id,omitempty"`
	Directive     string       `json:"directive,omitempty"`
}

// Continues reports whether the worker should take another turn.
func (d Decision) Continues() bool { return d.Action == Continue }

// WorkerResult is the worker's final message for one turn. Only this
// channel is scanned for completion signals.
type WorkerResult struct {
	Output string
}

// StartRequest describes a new session.
type StartRequest struct {
	SessionID         string
	Task              string
	EpicRef           string
	GroupRef          string
	Mode              session.Mode
	TierOverride      complexity.Tier
	SkipValidation    bool
	ForceValidation   bool
	CreatePullRequest bool
}

// CloseResult reports what happened to a unit submitted for closure.
type CloseResult struct {
	UnitID  string              `json:"unit_id"`
	Closed  bool                `json:"closed"`
	Verdict *validation.Verdict `json:"verdict,omitempty"`
	Outcome *breaker.Outcome    `json:"outcome,omitempty"`
}

// Status is a diagnostic snapshot of a session.
type Status struct {
	Session  *session.Session `json:"session"`
	Progress *float64         `json:"progress,omitempty"`
	Attempts *breaker.Counts  `json:"attempts,omitempty"`
}

var (
	// ErrInvalidTransition is returned when an operation is not allowed
	// from the session's current mode.
	ErrInvalidTransition = errors.New("invalid mode transition")

	// ErrNoBudget is returned when resuming would immediately exhaust the
	// iteration budget again.
	ErrNoBudget = errors.New("no iterations left")

	// ErrGroupRequired is returned when building is requested without a group.
	ErrGroupRequired = errors.New("group reference required for building")

	// ErrNoRepository is returned when validation needs a diff and no
	// repository is configured.
	ErrNoRepository = errors.New("no repository configured for review diffs")

	// ErrUnitBlocked is returned when closing a unit the circuit breaker
	// has blocked.
	ErrUnitBlocked = errors.New("unit is blocked")
)

// Leases is the lease capability the controller drives.
type Leases interface {
	Acquire(ctx context.Context, groupRef string, createPR bool) (*lease.Lease, error)
	Release(ctx context.Context, l *lease.Lease, opts lease.ReleaseOptions) error
	Adopt(l *lease.Lease)
	Present(l *lease.Lease) bool
}

// Reviewer is the validation gate.
type Reviewer interface {
	Review(ctx context.Context, unit tracker.Unit, diff string) (validation.Verdict, error)
}

// Repository supplies branch heads and review diffs.
type Repository interface {
	Head(ctx context.Context, branch string) (string, error)
	Diff(ctx context.Context, rev, branch string) (string, error)
}
