// Package observability holds the gateway's prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BackendTotalLoad tracks the derived total_load per backend.
	BackendTotalLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "genforge_backend_total_load",
		Help: "Current total_load (queue_running + queue_pending + in_flight) per backend",
	}, []string{"backend"})

	// BackendInFlight tracks this gateway's view of dispatched-but-
	// unobserved jobs per backend.
	BackendInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "genforge_backend_in_flight",
		Help: "Jobs dispatched by this gateway to a backend and not yet observed complete",
	}, []string{"backend"})

	// BackendAvailable tracks availability (1/0) per backend.
	BackendAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "genforge_backend_available",
		Help: "1 if the backend is currently considered available, 0 otherwise",
	}, []string{"backend"})

	// ProbeOutcomes counts probe results per backend.
	ProbeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genforge_probe_outcomes_total",
		Help: "Health probe outcomes per backend",
	}, []string{"backend", "outcome"}) // outcome: success, failure

	// ProbeDuration tracks probe round-trip latency.
	ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "genforge_probe_duration_seconds",
		Help:    "Health probe round-trip latency",
		Buckets: prometheus.DefBuckets,
	})

	// SelectorDecisions counts selector outcomes.
	SelectorDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genforge_selector_decisions_total",
		Help: "Selector decisions by outcome",
	}, []string{"outcome"}) // outcome: selected, fallback, empty

	// JobsDispatched counts dispatched jobs per backend.
	JobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genforge_jobs_dispatched_total",
		Help: "Jobs dispatched to a backend",
	}, []string{"backend", "mode"}) // mode: image, video, preload

	// JobDuration tracks end-to-end job execution time.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "genforge_job_duration_seconds",
		Help:    "Job execution time from submit to completion/timeout",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"backend", "outcome"}) // outcome: completed, timed_out, failed

	// RewriteOutcomes counts Workflow Rewriter outcomes.
	RewriteOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genforge_rewrite_outcomes_total",
		Help: "Workflow rewrite outcomes",
	}, []string{"mode", "outcome"}) // outcome: preferred, fallback, no_target

	// PreloadResults counts preload fan-out results per backend.
	PreloadResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genforge_preload_results_total",
		Help: "Preload fan-out results per backend",
	}, []string{"backend", "ok"}) // ok: true, false

	// IdempotencyHits counts idempotency cache hits/misses.
	IdempotencyHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genforge_idempotency_cache_total",
		Help: "Idempotency cache lookups for process() by result",
	}, []string{"result"}) // result: hit, miss, error
)
