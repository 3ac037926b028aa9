// Package metrics registers the Prometheus metrics used by the relay.
// Import this package (via blank import) from the server entry point to
// register all metrics before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal counts fallback attempts labelled by provider and
	// outcome ("success", "soft_failure", "hard_failure").
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airelay_attempts_total",
			Help: "Total provider attempts by outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// RequestDuration observes end-to-end request latency in seconds,
	// labelled by the provider that served the final response (or "none"
	// when every candidate failed).
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airelay_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	// ExhaustedTotal counts requests for which every candidate failed.
	ExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airelay_exhausted_total",
			Help: "Total requests that exhausted every configured provider.",
		},
	)

	// StreamTimeouts counts streaming reads that exceeded the watchdog.
	StreamTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airelay_stream_timeouts_total",
			Help: "Total stream reads aborted by the watchdog timeout.",
		},
		[]string{"provider"},
	)

	// DroppedChunks counts stream fragments dropped because the client
	// transport signalled backpressure.
	DroppedChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airelay_dropped_chunks_total",
			Help: "Total stream fragments dropped under transport backpressure.",
		},
		[]string{"provider"},
	)

	// SoftFailures counts provider responses whose content matched a
	// refusal or apology pattern.
	SoftFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airelay_soft_failures_total",
			Help: "Total responses flagged as soft failures.",
		},
		[]string{"provider"},
	)

	// RateLimitRejections counts requests rejected at admission, labelled
	// by the exceeded bucket name.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airelay_rate_limit_rejections_total",
			Help: "Total requests rejected by admission control.",
		},
		[]string{"bucket"},
	)

	// RegistryCacheHits and RegistryCacheMisses track provider snapshot
	// cache effectiveness.
	RegistryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airelay_registry_cache_hits_total",
			Help: "Total provider snapshot reads served from cache.",
		},
	)
	RegistryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airelay_registry_cache_misses_total",
			Help: "Total provider snapshot reads that required a store fetch.",
		},
	)

	// UsageIncrements counts successful usage counter writes.
	UsageIncrements = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airelay_usage_increments_total",
			Help: "Total per-tenant usage increments recorded.",
		},
	)

	// CircuitBreakerState tracks per-provider breaker state as a gauge:
	// 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "airelay_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed 1=open 2=half_open).",
		},
		[]string{"provider"},
	)
)
