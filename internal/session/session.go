// Package session holds per-session workflow state.
//
// The Store is the only path through which iteration count, mode and
// completion signal change. Implementations never cache: every Get and
// Mutate observes the previous Mutate, including one made by an earlier
// process.
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/fyrsmithlabs/ralph/internal/budget"
	"github.com/fyrsmithlabs/ralph/internal/complexity"
	"github.com/fyrsmithlabs/ralph/internal/lease"
)

// Mode is a session lifecycle mode.
type Mode string

const (
	Idle          Mode = "idle"
	Planning      Mode = "planning"
	ReadyForBuild Mode = "ready_for_build"
	Building      Mode = "building"
	Paused        Mode = "paused"
	Complete      Mode = "complete"
)

// Iterating reports whether the mode accepts iteration increments.
func (m Mode) Iterating() bool {
	return m == Planning || m == Building
}

// ParseMode accepts mode names and the short aliases plan, build, pause and done.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "idle":
		return Idle, nil
	case "planning", "plan":
		return Planning, nil
	case "ready_for_build", "ready":
		return ReadyForBuild, nil
	case "building", "build":
		return Building, nil
	case "paused", "pause":
		return Paused, nil
	case "complete", "done":
		return Complete, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

var (
	ErrNotFound      = errors.New("session not found")
	ErrExists        = errors.New("session already exists")
	ErrInvalidID     = errors.New("invalid session id")
	ErrTierImmutable = errors.New("complexity tier cannot change once set")
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// ValidID reports whether id is usable as a session id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Session is the state of one orchestrated workflow.
type Session struct {
	ID       string `json:"id"`
	Mode     Mode   `json:"mode"`
	Task     string `json:"task"`
	EpicRef  string `json:"epic_ref,omitempty"`
	GroupRef string `json:"group_ref,omitempty"`

	Iteration     int `json:"iteration"`
	MaxIterations int `json:"max_iterations"`

	Tier            complexity.Tier   `json:"tier"`
	Validation      budget.Validation `json:"validation"`
	SkipValidation  bool              `json:"skip_validation,omitempty"`
	ForceValidation bool              `json:"force_validation,omitempty"`

	CompletionSignal string `json:"completion_signal,omitempty"`
	CurrentUnit      string `json:"current_unit,omitempty"`
	// UnitBase is the branch head when CurrentUnit was selected; review
	// diffs are taken from it.
	UnitBase string `json:"unit_base,omitempty"`

	Lease             *lease.Lease `json:"lease,omitempty"`
	CreatePullRequest bool         `json:"create_pull_request,omitempty"`

	ModifiedPaths []string `json:"modified_paths,omitempty"`
	CommitMade    bool     `json:"commit_made,omitempty"`

	// PausedFrom is the mode a paused session resumes into.
	PausedFrom  Mode   `json:"paused_from,omitempty"`
	PauseReason string `json:"pause_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	if s.Lease != nil {
		l := *s.Lease
		c.Lease = &l
	}
	c.ModifiedPaths = append([]string(nil), s.ModifiedPaths...)
	return &c
}

// AddModifiedPaths merges paths into the modified set.
func (s *Session) AddModifiedPaths(paths ...string) {
	set := make(map[string]struct{}, len(s.ModifiedPaths)+len(paths))
	for _, p := range s.ModifiedPaths {
		set[p] = struct{}{}
	}
	for _, p := range paths {
		if p != "" {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	s.ModifiedPaths = out
}

// SetMode transitions to m and clears the completion signal.
func (s *Session) SetMode(m Mode) {
	if s.Mode != m {
		s.CompletionSignal = ""
	}
	s.Mode = m
}

// Pause moves an active session to paused, remembering where to resume.
func (s *Session) Pause(reason string) {
	if s.Mode.Iterating() {
		s.PausedFrom = s.Mode
	}
	s.SetMode(Paused)
	s.PauseReason = reason
}

// BudgetExhausted reports whether no iterations remain.
func (s *Session) BudgetExhausted() bool {
	return s.Iteration >= s.MaxIterations
}

// Validate checks the session invariants.
func (s *Session) Validate() error {
	if !ValidID(s.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, s.ID)
	}
	if s.Iteration < 0 {
		return fmt.Errorf("iteration cannot be negative: %d", s.Iteration)
	}
	if s.Mode != Idle && s.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive: %d", s.MaxIterations)
	}
	if s.MaxIterations > 0 && s.Iteration > s.MaxIterations {
		return fmt.Errorf("iteration %d exceeds max iterations %d", s.Iteration, s.MaxIterations)
	}
	if s.Tier != "" && !s.Tier.Valid() {
		return fmt.Errorf("invalid complexity tier %q", s.Tier)
	}
	return nil
}

// Store persists sessions keyed by id.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Mutate applies fn to the current state and persists the result. When fn
	// returns an error nothing is persisted.
	Mutate(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
	Destroy(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Session, error)
}

// applyMutation runs fn on a copy and checks invariants that span the change.
func applyMutation(cur *Session, fn func(*Session) error, now time.Time) (*Session, error) {
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.ID != cur.ID {
		return nil, fmt.Errorf("session id cannot change")
	}
	if cur.Tier != "" && next.Tier != cur.Tier {
		return nil, ErrTierImmutable
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.UpdatedAt = now
	return next, nil
}
