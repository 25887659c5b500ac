// Package promise parses completion signals and edit evidence from a
// worker's final message.
//
// A completion signal is a line consisting solely of <promise>TOKEN</promise>.
// Mentions inside prose, unknown tokens, and messages carrying two different
// tokens all yield no signal.
package promise

import (
	"bufio"
	"regexp"
	"sort"
	"strings"
)

// Token is a completion signal.
type Token string

const (
	PlanReady Token = "PLAN_READY"
	Done      Token = "DONE"
)

var known = map[Token]struct{}{
	PlanReady: {},
	Done:      {},
}

var linePattern = regexp.MustCompile(`^<promise>\s*([A-Z_]+)\s*</promise>$`)

// Parse returns the single completion token in output, if any.
func Parse(output string) (Token, bool) {
	var found Token
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		m := linePattern.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}
		tok := Token(m[1])
		if _, ok := known[tok]; !ok {
			return "", false
		}
		if found != "" && found != tok {
			return "", false
		}
		found = tok
	}
	return found, found != ""
}

// Evidence is what the worker reported doing.
type Evidence struct {
	ModifiedPaths []string
	CommitMade    bool
}

var (
	editMarker   = regexp.MustCompile(`^(?:Edited|Wrote|Created|Modified):\s+(\S+)`)
	commitMarker = regexp.MustCompile(`^\[[^\]\s]+ (?:\(root-commit\) )?[0-9a-f]{7,40}\]`)
)

// ParseEvidence extracts edited paths from tool markers ("Edited: path") and
// detects git commit summaries ("[branch abc1234] message").
func ParseEvidence(output string) Evidence {
	paths := make(map[string]struct{})
	var ev Evidence
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if m := editMarker.FindStringSubmatch(line); m != nil {
			paths[m[1]] = struct{}{}
			continue
		}
		if commitMarker.MatchString(line) {
			ev.CommitMade = true
		}
	}
	for p := range paths {
		ev.ModifiedPaths = append(ev.ModifiedPaths, p)
	}
	sort.Strings(ev.ModifiedPaths)
	return ev
}
