package controller

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/ralph/internal/breaker"
	"github.com/fyrsmithlabs/ralph/internal/budget"
	"github.com/fyrsmithlabs/ralph/internal/lease"
	"github.com/fyrsmithlabs/ralph/internal/session"
	"github.com/fyrsmithlabs/ralph/internal/tracker"
)

func TestBuildingDirective(t *testing.T) {
	s := &session.Session{
		ID:            "s1",
		Mode:          session.Building,
		GroupRef:      "G1",
		Iteration:     3,
		MaxIterations: 20,
		Tier:          "standard",
		Validation:    budget.ValidationAuto,
		Lease:         &lease.Lease{Path: "/wt/ralph-g1", Branch: "ralph/g1"},
	}
	unit := tracker.Unit{
		ID:                 "bd-7",
		Title:              "Add CSV export",
		Description:        "Export rows as CSV.",
		AcceptanceCriteria: "- header row\n- RFC 4180 quoting",
	}
	history := []breaker.Record{
		{Kind: breaker.KindFailure, Summary: "tests\nfailed"},
		{Kind: breaker.KindRejection, Summary: "quoting is wrong"},
	}

	got := buildingDirective(s, unit, history, "go test ./...")
	for _, want := range []string{
		"[ralph] iteration 3/20, building, tier standard",
		"Work unit bd-7: Add CSV export",
		"Export rows as CSV.",
		"Acceptance criteria:\n- header row\n- RFC 4180 quoting",
		"- failure: tests failed",
		"- reviewer feedback: quoting is wrong",
		"Work in /wt/ralph-g1 on branch ralph/g1.",
		"`go test ./...`",
		"ralph unit close --session s1 bd-7",
		"ralph unit fail --session s1 bd-7",
		"independent review",
		"<promise>DONE</promise>",
	} {
		assert.Contains(t, got, want)
	}
	assert.False(t, strings.Contains(got, "PLAN_READY"))
}

func TestPlanningDirective(t *testing.T) {
	s := &session.Session{Mode: session.Planning, Task: "Add CSV export", EpicRef: "bd-1", Iteration: 1, MaxIterations: 5, Tier: "standard"}
	got := planningDirective(s)
	assert.Contains(t, got, "Add CSV export")
	assert.Contains(t, got, "bd create --parent bd-1")
	assert.Contains(t, got, "<promise>PLAN_READY</promise>")
}

func TestPullRequestText(t *testing.T) {
	s := &session.Session{
		Task:          strings.Repeat("long task ", 20),
		GroupRef:      "G1",
		Iteration:     4,
		MaxIterations: 20,
		Tier:          "standard",
		ModifiedPaths: []string{"a.go"},
	}
	title := pullRequestTitle(s)
	assert.True(t, strings.HasPrefix(title, "ralph: long task"))
	assert.LessOrEqual(t, len(title), len("ralph: ")+72)

	body := pullRequestBody(s)
	assert.Contains(t, body, "Work units: G1")
	assert.Contains(t, body, "Iterations: 4/20")
	assert.Contains(t, body, "- a.go")
}

func TestClip_CutsOnRuneBoundary(t *testing.T) {
	s := strings.Repeat("日本語", 40)

	got := clip(s, 72)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 72, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Equal(t, "short", clip("short", 72))

	title := pullRequestTitle(&session.Session{Task: s})
	assert.True(t, utf8.ValidString(title))

	summary := oneLine(strings.Repeat("ü", 400))
	assert.True(t, utf8.ValidString(summary))
	assert.Equal(t, 303, utf8.RuneCountInString(summary))
}
