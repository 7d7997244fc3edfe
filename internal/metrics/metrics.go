// Package metrics holds the Prometheus instrumentation for the outbox daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Enqueued counts messages handed to the outbox, by message type.
	Enqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wppsync_outbox_enqueued_total",
		Help: "Total number of messages enqueued for offline delivery",
	}, []string{"type"})

	// Pending is the current number of pending or failed entries.
	Pending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wppsync_outbox_pending",
		Help: "Current number of pending or failed outbox entries",
	})

	// SendAttempts counts Send API invocations by result (success, failure,
	// deferred when nothing was sent).
	SendAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wppsync_send_attempts_total",
		Help: "Total number of Send API attempts",
	}, []string{"result"})

	// SendLatency measures Send API latency.
	SendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wppsync_send_latency_seconds",
		Help:    "Send API latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// StoreErrors counts store I/O errors hit while draining.
	StoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wppsync_store_errors_total",
		Help: "Total number of store errors encountered during drains",
	})

	// Drains counts drain invocations by outcome (idle, error, skipped).
	Drains = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wppsync_drains_total",
		Help: "Total number of drain invocations",
	}, []string{"outcome"})

	// DrainDuration measures full drain pass duration.
	DrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wppsync_drain_duration_seconds",
		Help:    "Drain pass duration in seconds",
		Buckets: []float64{.01, .1, .5, 1, 5, 15, 30, 60, 120, 300},
	})

	// BackoffSeconds accumulates time spent sleeping between failed items.
	BackoffSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wppsync_backoff_seconds_total",
		Help: "Total seconds spent in per-item backoff",
	})

	// Reachable is 1 while the connectivity observer reports reachable.
	Reachable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wppsync_network_reachable",
		Help: "Whether the network is currently reachable (1) or not (0)",
	})

	// JobRuns counts scheduled job executions by job and result.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wppsync_scheduler_job_runs_total",
		Help: "Total number of scheduled job runs",
	}, []string{"job", "result"})

	// BreakerState reports the Send API circuit breaker state
	// (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wppsync_send_breaker_state",
		Help: "Send API circuit breaker state (0 closed, 1 half-open, 2 open)",
	})
)

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Bool converts a boolean to a gauge value.
func Bool(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
