// Package complexity classifies task descriptions into complexity tiers.
//
// Classification is an ordered rule table evaluated with fixed precedence:
// critical terms win over everything, then trivial, then simple, with
// standard as the default. A description mentioning both a trivial verb and
// a critical noun ("fix typo in auth token check") is critical.
package complexity

import (
	"fmt"
	"regexp"
	"strings"
)

// Tier is a task complexity tier.
type Tier string

const (
	Trivial  Tier = "trivial"
	Simple   Tier = "simple"
	Standard Tier = "standard"
	Critical Tier = "critical"
)

// Tiers lists all tiers from least to most complex.
var Tiers = []Tier{Trivial, Simple, Standard, Critical}

func (t Tier) String() string { return string(t) }

// Valid reports whether t is one of the four tiers.
func (t Tier) Valid() bool {
	switch t {
	case Trivial, Simple, Standard, Critical:
		return true
	}
	return false
}

// ParseTier parses a lowercase tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown complexity tier %q (expected trivial, simple, standard or critical)", s)
	}
	return t, nil
}

type rule struct {
	tier    Tier
	pattern *regexp.Regexp
}

// rules is evaluated in order; the first match wins.
var rules = []rule{
	{
		tier:    Critical,
		pattern: regexp.MustCompile(`(?i)(auth|security|payment|migration|credential|token|encrypt|password|secret|api\s*key|oauth|jwt|session|permission|role|access\s*control|vulnerability|injection|xss|csrf|sanitiz)`),
	},
	{
		tier:    Trivial,
		pattern: regexp.MustCompile(`(?i)(fix\s+typo|update\s+comment|rename|spelling|whitespace|typo|correct\s+spelling|documentation\s+fix|docstring)`),
	},
	{
		tier:    Simple,
		pattern: regexp.MustCompile(`(?i)(add\s+(button|toggle|flag)|toggle|remove\s+unused|update\s+(version|dep)|bump\s+version|add\s+const|remove\s+dead\s+code|unused\s+import)`),
	},
}

// Classify returns the tier of a task description. It never fails.
func Classify(description string) Tier {
	for _, r := range rules {
		if r.pattern.MatchString(description) {
			return r.tier
		}
	}
	return Standard
}

// Resolve returns override when it is a valid tier, otherwise the
// classification of description.
func Resolve(description string, override Tier) Tier {
	if override.Valid() {
		return override
	}
	return Classify(description)
}
