// Package tracker defines the dependency-store capability consumed by the
// workflow controller and a beads (bd) CLI implementation of it.
//
// Ready-unit ordering is owned by the store. Callers validate the ready
// list with ValidateReady and otherwise take it as given.
package tracker

import (
	"context"
	"errors"
	"fmt"
)

// Status is a work unit status.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// Unit is a work unit as reported by the store.
type Unit struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	Description        string `json:"description,omitempty"`
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty"`
	Status             Status `json:"status"`
	Priority           int    `json:"priority"`
	ParentID           string `json:"parent_id,omitempty"`
}

// CreateRequest describes a new work unit.
type CreateRequest struct {
	Title              string
	Description        string
	AcceptanceCriteria string
	ParentID           string
	Priority           int
}

// Store is the dependency-store capability.
type Store interface {
	CreateUnit(ctx context.Context, req CreateRequest) (Unit, error)
	Show(ctx context.Context, id string) (Unit, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	Close(ctx context.Context, id, reason string) error
	ListReady(ctx context.Context, groupRef string) ([]Unit, error)
	AppendComment(ctx context.Context, id, text string) error
	Progress(ctx context.Context, groupRef string) (float64, error)
}

var (
	// ErrUnavailable wraps any failure to reach or query the store.
	ErrUnavailable = errors.New("dependency store unavailable")

	// ErrContractViolation is returned when a ready list breaks the store's contract.
	ErrContractViolation = errors.New("ready list violates store contract")
)

// ValidateReady checks a ready list at the boundary: every unit has an id,
// no id repeats, and no unit is blocked or closed.
func ValidateReady(units []Unit) error {
	seen := make(map[string]struct{}, len(units))
	for i, u := range units {
		if u.ID == "" {
			return fmt.Errorf("%w: unit at position %d has no id", ErrContractViolation, i)
		}
		if _, dup := seen[u.ID]; dup {
			return fmt.Errorf("%w: unit %s listed twice", ErrContractViolation, u.ID)
		}
		seen[u.ID] = struct{}{}
		if u.Status == StatusBlocked || u.Status == StatusClosed {
			return fmt.Errorf("%w: unit %s is %s", ErrContractViolation, u.ID, u.Status)
		}
	}
	return nil
}
