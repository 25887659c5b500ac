package promise

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   Token
		ok     bool
	}{
		{"done", "All units closed.\n<promise>DONE</promise>\n", Done, true},
		{"plan ready", "<promise>PLAN_READY</promise>", PlanReady, true},
		{"surrounding whitespace", "  <promise> DONE </promise>  ", Done, true},
		{"repeated same token", "<promise>DONE</promise>\n<promise>DONE</promise>", Done, true},
		{"inline mention", "I will print <promise>DONE</promise> when finished", "", false},
		{"prose only", "The work is done.", "", false},
		{"lowercase", "<promise>done</promise>", "", false},
		{"unknown token", "<promise>FINISHED</promise>", "", false},
		{"conflicting tokens", "<promise>PLAN_READY</promise>\n<promise>DONE</promise>", "", false},
		{"unclosed", "<promise>DONE", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.output)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEvidence(t *testing.T) {
	out := `Working on bd-42.
Edited: internal/retry/retry.go
Wrote: internal/retry/retry_test.go
Edited: internal/retry/retry.go
[ralph/bd-7 3f2a9c1] Add retry with backoff
 2 files changed, 40 insertions(+)
`
	ev := ParseEvidence(out)
	assert.Equal(t, []string{"internal/retry/retry.go", "internal/retry/retry_test.go"}, ev.ModifiedPaths)
	assert.True(t, ev.CommitMade)
}

func TestParseEvidence_None(t *testing.T) {
	ev := ParseEvidence("I looked around but changed nothing.\n[see notes] for details")
	assert.Empty(t, ev.ModifiedPaths)
	assert.False(t, ev.CommitMade)
}

func TestParseEvidence_RootCommit(t *testing.T) {
	ev := ParseEvidence("[main (root-commit) 1a2b3c4] initial")
	assert.True(t, ev.CommitMade)
}
