package controller

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/ralph/internal/breaker"
	"github.com/fyrsmithlabs/ralph/internal/promise"
	"github.com/fyrsmithlabs/ralph/internal/session"
	"github.com/fyrsmithlabs/ralph/internal/tracker"
)

func header(b *strings.Builder, s *session.Session) {
	fmt.Fprintf(b, "[ralph] iteration %d/%d, %s, tier %s\n\n", s.Iteration, s.MaxIterations, s.Mode, s.Tier)
}

func signalLine(tok promise.Token) string {
	return "<promise>" + string(tok) + "</promise>"
}

func planningDirective(s *session.Session) string {
	var b strings.Builder
	header(&b, s)
	b.WriteString("Task:\n")
	b.WriteString(strings.TrimSpace(s.Task))
	b.WriteString("\n\n")
	if s.EpicRef != "" {
		fmt.Fprintf(&b, "Plan the work as units under %s in the dependency store (`bd create --parent %s`).\n", s.EpicRef, s.EpicRef)
	} else {
		b.WriteString("Plan the work as units in the dependency store (`bd create`).\n")
	}
	b.WriteString("Give every unit a title, concrete acceptance criteria and its dependencies.\n")
	b.WriteString("Keep each unit small enough to finish and verify in one iteration.\n\n")
	fmt.Fprintf(&b, "When the plan is complete, end your final message with this line on its own:\n%s\n", signalLine(promise.PlanReady))
	return b.String()
}

func buildingDirective(s *session.Session, unit tracker.Unit, history []breaker.Record, testCommand string) string {
	var b strings.Builder
	header(&b, s)
	fmt.Fprintf(&b, "Work unit %s: %s\n", unit.ID, unit.Title)
	if d := strings.TrimSpace(unit.Description); d != "" {
		b.WriteString("\n")
		b.WriteString(d)
		b.WriteString("\n")
	}
	if ac := strings.TrimSpace(unit.AcceptanceCriteria); ac != "" {
		b.WriteString("\nAcceptance criteria:\n")
		b.WriteString(ac)
		b.WriteString("\n")
	}

	if len(history) > 0 {
		b.WriteString("\nPrevious attempts at this unit:\n")
		for _, r := range history {
			label := "failure"
			if r.Kind == breaker.KindRejection {
				label = "reviewer feedback"
			}
			fmt.Fprintf(&b, "- %s: %s\n", label, oneLine(r.Summary))
		}
		fmt.Fprintf(&b, "A unit is blocked after %d failures or %d rejections.\n", breaker.Threshold, breaker.Threshold)
	}

	b.WriteString("\n")
	if s.Lease != nil {
		fmt.Fprintf(&b, "Work in %s on branch %s.\n", s.Lease.Path, s.Lease.Branch)
	}
	if testCommand != "" {
		fmt.Fprintf(&b, "Run the tests with `%s` before closing the unit.\n", testCommand)
	}
	b.WriteString("Commit your changes, then close the unit:\n")
	fmt.Fprintf(&b, "  ralph unit close --session %s %s\n", s.ID, unit.ID)
	if s.Validation.Enabled() {
		b.WriteString("Closing runs an independent review of the diff against the acceptance criteria.\n")
	}
	b.WriteString("If you cannot complete it, report the failure instead:\n")
	fmt.Fprintf(&b, "  ralph unit fail --session %s %s --summary \"<what went wrong>\"\n\n", s.ID, unit.ID)
	fmt.Fprintf(&b, "Only when every unit in %s is closed, end your final message with this line on its own:\n%s\n",
		s.GroupRef, signalLine(promise.Done))
	return b.String()
}

func wrapUpDirective(s *session.Session) string {
	var b strings.Builder
	header(&b, s)
	fmt.Fprintf(&b, "Every unit in %s is closed.\n", s.GroupRef)
	b.WriteString("Check that the work is committed and the tests pass, then end your final message with this line on its own:\n")
	b.WriteString(signalLine(promise.Done))
	b.WriteString("\n")
	return b.String()
}

func oneLine(s string) string {
	return clip(strings.Join(strings.Fields(s), " "), 303)
}

func pullRequestTitle(s *session.Session) string {
	return "ralph: " + clip(oneLine(s.Task), 72)
}

// clip shortens s to at most n runes, marking the cut with "...".
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}

func pullRequestBody(s *session.Session) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(s.Task))
	b.WriteString("\n\n")
	if s.GroupRef != "" {
		fmt.Fprintf(&b, "Work units: %s\n", s.GroupRef)
	}
	fmt.Fprintf(&b, "Iterations: %d/%d (tier %s)\n", s.Iteration, s.MaxIterations, s.Tier)
	if s.Mode == session.Paused && s.PauseReason != "" {
		fmt.Fprintf(&b, "Paused: %s\n", s.PauseReason)
	}
	if len(s.ModifiedPaths) > 0 {
		b.WriteString("\nReported changes:\n")
		for _, p := range s.ModifiedPaths {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	return b.String()
}
