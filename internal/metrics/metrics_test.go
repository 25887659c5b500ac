package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.Decision("continue", "unit_ready")
	m.Decision("continue", "unit_ready")
	m.Decision("halt", "budget_exhausted")
	m.Trip("failure")
	m.LeaseEvent("acquire")
	m.Review("rejected")
	m.Attempt("rejection")
	m.Iteration("building", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("continue", "unit_ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("halt", "budget_exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TripsTotal.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LeaseEventsTotal.WithLabelValues("acquire")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReviewsTotal.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("rejection")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Iterations))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Decision("halt", "x")
		m.Iteration("planning", 1)
		m.Attempt("failure")
		m.Trip("failure")
		m.LeaseEvent("release")
		m.Review("approved")
	})
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := New()
	m.LeaseEvent("release")

	path := filepath.Join(t.TempDir(), "ralph.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `ralph_lease_events_total{event="release"} 1`)
}

func TestDefault_Singleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
