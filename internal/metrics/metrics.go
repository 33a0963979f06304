// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

// Package metrics provides Prometheus instrumentation for the gateway.
//
// Metrics are registered on the default registry via promauto and exposed
// at /metrics by the ops server. Counters use the api prefix as the first
// label so multi-provider deployments can be broken out per stream
// namespace.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Job Pipeline Metrics
	JobsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_jobs_consumed_total",
			Help: "Total number of jobs read from request streams",
		},
		[]string{"api"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_jobs_processed_total",
			Help: "Total number of jobs that reached a terminal outcome",
		},
		[]string{"api", "outcome"}, // "success", "error", "duplicate", "skipped"
	)

	JobErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_job_errors_total",
			Help: "Total number of error responses by code",
		},
		[]string{"api", "code"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_job_duration_seconds",
			Help:    "End-to-end job processing duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"api"},
	)

	JobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_jobs_in_flight",
			Help: "Current number of jobs being processed",
		},
		[]string{"api"},
	)

	// Deduplication Metrics
	DuplicatesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_duplicates_skipped_total",
			Help: "Total number of jobs skipped by deduplication",
		},
		[]string{"api", "layer"}, // "processed", "lock", "dlq"
	)

	// Rate Limit Metrics
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejections_total",
			Help: "Total number of jobs rejected by the rate limiter",
		},
		[]string{"api", "window"},
	)

	// Upstream Metrics
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_requests_total",
			Help: "Total number of upstream fetch attempts",
		},
		[]string{"api", "result"}, // "success", "empty", "error", "circuit_open"
	)

	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_upstream_duration_seconds",
			Help:    "Upstream fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"api"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"api"},
	)

	// Cache Metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"api", "cache_type"}, // "response", "post"
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"api", "cache_type"},
	)

	// DLQ Metrics
	DLQEntriesAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dlq_entries_added_total",
			Help: "Total number of jobs moved to the DLQ",
		},
		[]string{"api"},
	)

	DLQRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dlq_retry_attempts_total",
			Help: "Total number of DLQ retry attempts",
		},
		[]string{"api"},
	)

	DLQRetrySuccesses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dlq_retry_successes_total",
			Help: "Total number of DLQ entries successfully re-enqueued",
		},
		[]string{"api"},
	)

	DLQDeadEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dlq_dead_entries_total",
			Help: "Total number of entries promoted to the dead queue",
		},
		[]string{"api"},
	)

	// Lock Metrics
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_lock_acquisitions_total",
			Help: "Total number of query lock acquisitions",
		},
		[]string{"api", "result"}, // "acquired", "contended"
	)

	// Response Publishing Metrics
	ResponsesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_responses_published_total",
			Help: "Total number of responses appended to response streams",
		},
		[]string{"api", "type"}, // "success", "error"
	)

	// Pending Recovery Metrics
	PendingReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_pending_reclaimed_total",
			Help: "Total number of stale pending entries reclaimed via XAUTOCLAIM",
		},
		[]string{"api"},
	)
)

// RecordJob records a terminal job outcome with its duration.
func RecordJob(api, outcome string, duration time.Duration) {
	JobsProcessed.WithLabelValues(api, outcome).Inc()
	JobDuration.WithLabelValues(api).Observe(duration.Seconds())
}

// RecordError records an error response by code.
func RecordError(api, code string) {
	JobErrors.WithLabelValues(api, code).Inc()
}

// RecordUpstream records one upstream fetch attempt.
func RecordUpstream(api, result string, duration time.Duration) {
	UpstreamRequests.WithLabelValues(api, result).Inc()
	UpstreamDuration.WithLabelValues(api).Observe(duration.Seconds())
}

// SetBreakerState maps a gobreaker state name onto the state gauge.
func SetBreakerState(api, state string) {
	var value float64
	switch state {
	case "open":
		value = 1
	case "half-open":
		value = 2
	}
	CircuitBreakerState.WithLabelValues(api).Set(value)
}
