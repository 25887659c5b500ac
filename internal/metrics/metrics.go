// Package metrics holds the prometheus counters ralph maintains across
// controller decisions, circuit breaker events, leases and reviews.
//
// A hook invocation is a short-lived process, so counters are exported by
// writing a node-exporter textfile rather than serving /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Metrics holds ralph's prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Controller
	DecisionsTotal *prometheus.CounterVec
	Iterations     *prometheus.HistogramVec

	// Circuit breaker
	AttemptsTotal *prometheus.CounterVec
	TripsTotal    *prometheus.CounterVec

	// Leases
	LeaseEventsTotal *prometheus.CounterVec

	// Validation gate
	ReviewsTotal *prometheus.CounterVec
}

// New creates metrics registered on a fresh registry.
//
// Metrics:
//   - ralph_decisions_total{action,reason} - controller decisions
//   - ralph_iterations{mode} - iteration count at each continue decision
//   - ralph_attempts_total{kind} - recorded failures and rejections
//   - ralph_breaker_trips_total{kind} - units blocked by the circuit breaker
//   - ralph_lease_events_total{event} - acquire, release, conflict, force_release
//   - ralph_reviews_total{verdict} - validation gate verdicts
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ralph_decisions_total",
				Help: "Total number of controller decisions",
			},
			[]string{"action", "reason"},
		),
		Iterations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ralph_iterations",
				Help:    "Iteration count observed at each continue decision",
				Buckets: []float64{1, 2, 3, 5, 8, 10, 20, 40},
			},
			[]string{"mode"},
		),
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ralph_attempts_total",
				Help: "Total number of recorded work unit attempts",
			},
			[]string{"kind"}, // "failure" or "rejection"
		),
		TripsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ralph_breaker_trips_total",
				Help: "Total number of work units blocked by the circuit breaker",
			},
			[]string{"kind"},
		),
		LeaseEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ralph_lease_events_total",
				Help: "Total number of lease lifecycle events",
			},
			[]string{"event"},
		),
		ReviewsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ralph_reviews_total",
				Help: "Total number of validation gate verdicts",
			},
			[]string{"verdict"},
		),
	}
}

// Default returns the process-wide metrics, created once.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes all metrics to path in the text exposition format.
// The write is atomic.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// The helpers below are nil-safe so components may run without metrics.

func (m *Metrics) Decision(action, reason string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(action, reason).Inc()
}

func (m *Metrics) Iteration(mode string, n int) {
	if m == nil {
		return
	}
	m.Iterations.WithLabelValues(mode).Observe(float64(n))
}

func (m *Metrics) Attempt(kind string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Trip(kind string) {
	if m == nil {
		return
	}
	m.TripsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) LeaseEvent(event string) {
	if m == nil {
		return
	}
	m.LeaseEventsTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) Review(verdict string) {
	if m == nil {
		return
	}
	m.ReviewsTotal.WithLabelValues(verdict).Inc()
}
