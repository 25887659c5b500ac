package complexity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		desc string
		want Tier
	}{
		{"Fix typo in README", Trivial},
		{"update comment on parser", Trivial},
		{"rename variable foo to bar", Trivial},
		{"fix whitespace in main.go", Trivial},
		{"Add docstring to handler", Trivial},
		{"Add toggle for dark mode", Simple},
		{"add flag for verbose output", Simple},
		{"bump version to 1.2.0", Simple},
		{"remove unused import", Simple},
		{"update dependency list", Simple},
		{"Add user dashboard with charts", Standard},
		{"Implement retry for HTTP client", Standard},
		{"", Standard},
		{"Implement OAuth login", Critical},
		{"Add payment processing", Critical},
		{"database migration for users table", Critical},
		{"store API key in vault", Critical},
		{"prevent XSS in comments", Critical},
		{"sanitize user input", Critical},
		{"add access control to admin routes", Critical},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.desc))
		})
	}
}

func TestClassify_CriticalWinsOverTrivial(t *testing.T) {
	assert.Equal(t, Critical, Classify("fix typo in auth token check"))
	assert.Equal(t, Critical, Classify("rename password field"))
	assert.Equal(t, Critical, Classify("add toggle for session timeout"))
}

func TestClassify_TrivialWinsOverSimple(t *testing.T) {
	assert.Equal(t, Trivial, Classify("rename toggle helper"))
}

func TestResolve(t *testing.T) {
	assert.Equal(t, Trivial, Resolve("implement payment webhooks", Trivial))
	assert.Equal(t, Critical, Resolve("fix typo", Critical))
	assert.Equal(t, Critical, Resolve("implement payment webhooks", ""))
	assert.Equal(t, Trivial, Resolve("fix typo", Tier("bogus")))
}

func TestParseTier(t *testing.T) {
	for _, tier := range Tiers {
		got, err := ParseTier(string(tier))
		require.NoError(t, err)
		assert.Equal(t, tier, got)
	}

	got, err := ParseTier(" Critical ")
	require.NoError(t, err)
	assert.Equal(t, Critical, got)

	_, err = ParseTier("epic")
	assert.Error(t, err)
}
