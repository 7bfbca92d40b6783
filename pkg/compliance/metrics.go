package compliance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/margin"
)

// Metrics holds the orchestrator's prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	// runs counts finished runs by final status
	runs *prometheus.CounterVec
	// tests counts executed and skipped test cases by suite and verdict
	tests *prometheus.CounterVec
	// testDuration tracks per-test wall time
	testDuration *prometheus.HistogramVec
	// sweepPoints counts margin points by pass/fail/timeout
	sweepPoints *prometheus.CounterVec
	// activeRuns is the number of runs in flight
	activeRuns prometheus.Gauge
}

// NewMetrics registers the collectors with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics
// handler, or a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pcieval_runs_total",
			Help: "Total compliance runs by final status",
		}, []string{"status"}),
		tests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pcieval_tests_total",
			Help: "Total test cases by suite and verdict",
		}, []string{"suite", "verdict"}),
		testDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pcieval_test_duration_seconds",
			Help:    "Test case duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4m
		}, []string{"suite"}),
		sweepPoints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pcieval_sweep_points_total",
			Help: "Total margin sweep points by result",
		}, []string{"result"}),
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Name: "pcieval_active_runs",
			Help: "Compliance runs currently executing",
		}),
	}
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) runFinished(status RunStatus) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runs.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) observeCase(tc TestCase) {
	if m == nil {
		return
	}
	m.tests.WithLabelValues(string(tc.Suite), string(tc.Verdict)).Inc()
	if tc.Verdict != VerdictSkip {
		m.testDuration.WithLabelValues(string(tc.Suite)).Observe(float64(tc.DurationMs) / 1000)
	}
}

func (m *Metrics) observePoint(p margin.Point, errorLimit int) {
	if m == nil {
		return
	}
	result := "pass"
	switch {
	case p.TimedOut:
		result = "timeout"
	case p.Errors > errorLimit:
		result = "fail"
	}
	m.sweepPoints.WithLabelValues(result).Inc()
}
