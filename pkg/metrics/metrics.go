package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EnsemblesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "joshua_ensembles_active",
			Help: "Number of ensembles currently in the active index",
		},
	)

	EnsemblesSanity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "joshua_ensembles_sanity",
			Help: "Number of ensembles currently in the sanity index",
		},
	)

	RunsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joshua_runs_started_total",
			Help: "Total number of runs claimed, by ensemble",
		},
		[]string{"ensemble_id"},
	)

	RunsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joshua_runs_ended_total",
			Help: "Total number of runs that completed, by ensemble and outcome",
		},
		[]string{"ensemble_id", "outcome"},
	)

	ClaimStealsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "joshua_claim_steals_total",
			Help: "Total number of runs reclaimed from a dead agent's stale heartbeat",
		},
	)

	ResultSpillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "joshua_result_spills_total",
			Help: "Total number of results whose output was spilled to a blob key",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "joshua_pool_tick_duration_seconds",
			Help:    "Time taken for a pool manager tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	AgentsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "joshua_agents_running",
			Help: "Number of worker goroutines currently running",
		},
	)

	AgentFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "joshua_agent_failures_total",
			Help: "Total number of agent-fatal failures logged under /failures",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EnsemblesActive,
		EnsemblesSanity,
		RunsStartedTotal,
		RunsEndedTotal,
		ClaimStealsTotal,
		ResultSpillsTotal,
		ReconciliationDuration,
		AgentsRunning,
		AgentFailuresTotal,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
