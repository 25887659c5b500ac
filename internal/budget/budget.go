// Package budget maps a session mode and complexity tier to an iteration
// ceiling and validation requirement.
package budget

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/ralph/internal/complexity"
)

// Mode is an iterating session mode.
type Mode string

const (
	Planning Mode = "planning"
	Building Mode = "building"
)

// Validation is the validation requirement for closing a work unit.
type Validation string

const (
	ValidationSkip     Validation = "skip"
	ValidationAuto     Validation = "auto"
	ValidationRequired Validation = "required"
)

// Enabled reports whether the validation gate runs before closure.
func (v Validation) Enabled() bool {
	return v == ValidationAuto || v == ValidationRequired
}

// ErrNotIterating is returned for modes that do not accept iterations.
var ErrNotIterating = errors.New("mode does not accept iterations")

// Budget is the iteration ceiling and validation requirement for a session.
type Budget struct {
	MaxIterations int        `json:"max_iterations"`
	Validation    Validation `json:"validation"`
}

// Overrides are caller requests that adjust validation.
type Overrides struct {
	SkipValidation  bool
	ForceValidation bool
}

type row struct {
	plan, build int
	validation  Validation
}

var table = map[complexity.Tier]row{
	complexity.Trivial:  {plan: 2, build: 5, validation: ValidationSkip},
	complexity.Simple:   {plan: 3, build: 10, validation: ValidationSkip},
	complexity.Standard: {plan: 5, build: 20, validation: ValidationAuto},
	complexity.Critical: {plan: 8, build: 40, validation: ValidationRequired},
}

// For returns the budget for mode and tier. Unknown tiers are treated as
// standard.
func For(mode Mode, tier complexity.Tier) (Budget, error) {
	r, ok := table[tier]
	if !ok {
		r = table[complexity.Standard]
	}
	switch mode {
	case Planning:
		return Budget{MaxIterations: r.plan, Validation: r.validation}, nil
	case Building:
		return Budget{MaxIterations: r.build, Validation: r.validation}, nil
	default:
		return Budget{}, fmt.Errorf("%w: %q", ErrNotIterating, mode)
	}
}

// Limits returns the planning and building ceilings for tier.
func Limits(tier complexity.Tier) (plan, build int) {
	r, ok := table[tier]
	if !ok {
		r = table[complexity.Standard]
	}
	return r.plan, r.build
}

// Apply returns the validation requirement after caller overrides.
// Required is a floor: a skip request never downgrades it. A force request
// upgrades skip and auto to required, and wins over a simultaneous skip.
func (b Budget) Apply(o Overrides) Validation {
	switch {
	case b.Validation == ValidationRequired:
		return ValidationRequired
	case o.ForceValidation:
		return ValidationRequired
	case o.SkipValidation:
		return ValidationSkip
	default:
		return b.Validation
	}
}
