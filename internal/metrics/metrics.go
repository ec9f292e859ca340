// Package metrics registers the Prometheus collectors used by the
// gateway. Collectors are registered on the default registry at init,
// so any import path that reaches this package makes them visible to
// the /metrics handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request-level counters and histograms.
var (
	// RequestsTotal counts completed data-plane requests labelled by
	// provider, model, and outcome ("success", "error", "cached").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_requests_total",
			Help: "Total number of requests processed by the gateway.",
		},
		[]string{"provider", "model", "status"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conduit_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	// TokensInput counts total prompt tokens sent to providers.
	TokensInput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_tokens_input_total",
			Help: "Total prompt tokens sent to providers.",
		},
		[]string{"provider", "model"},
	)

	// TokensOutput counts total completion tokens received from providers.
	TokensOutput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_tokens_output_total",
			Help: "Total completion tokens received from providers.",
		},
		[]string{"provider", "model"},
	)

	// ProviderErrors counts failures broken down by provider and error
	// kind from the gateway taxonomy.
	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_provider_errors_total",
			Help: "Total provider errors by taxonomy kind.",
		},
		[]string{"provider", "kind"},
	)
)

// Routing and billing state.
var (
	// UnhealthyMappings tracks how many mappings the router currently
	// excludes for failing health.
	UnhealthyMappings = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conduit_unhealthy_mappings",
			Help: "Model mappings currently excluded by router health tracking.",
		},
	)

	// FallbackAttempts counts retries the router performed on an
	// alternative mapping.
	FallbackAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_fallback_attempts_total",
			Help: "Router fallback attempts by strategy.",
		},
		[]string{"strategy"},
	)

	// BillingFlushes counts flusher runs by trigger and outcome.
	BillingFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_billing_flushes_total",
			Help: "Billing flushes by reason and status.",
		},
		[]string{"reason", "status"},
	)

	// PendingCharges gauges the accumulator size between flushes.
	PendingCharges = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conduit_billing_pending_charges",
			Help: "Charges waiting in the billing accumulator.",
		},
	)

	// CacheHits counts response cache lookups by result.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_cache_lookups_total",
			Help: "Response cache lookups by result (hit, miss).",
		},
		[]string{"result"},
	)
)
