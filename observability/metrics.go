// Package observability wires tankapi into Prometheus and OpenTelemetry,
// following the promauto CounterVec/HistogramVec convention and the
// OTLP/gRPC tracer setup used throughout the rest of this codebase's
// ancestry.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tankapi_sessions_total",
			Help: "Total number of sessions, labeled by final outcome.",
		},
		[]string{"outcome"},
	)

	sessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tankapi_session_duration_seconds",
			Help:    "Wall-clock duration of a session from admission to terminal status.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"outcome"},
	)

	stageExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tankapi_stage_executions_total",
			Help: "Total stage executions, labeled by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tankapi_stage_duration_seconds",
			Help:    "Duration of a single stage action.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tankapi_http_requests_total",
			Help: "Total HTTP requests, labeled by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tankapi_http_request_duration_seconds",
			Help:    "Duration of HTTP requests, labeled by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordSessionOutcome records a terminal session outcome and its duration.
func RecordSessionOutcome(outcome string, duration time.Duration) {
	sessionExecutions.WithLabelValues(outcome).Inc()
	sessionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordStageExecution records one stage's outcome and duration.
func RecordStageExecution(stageName, outcome string, duration time.Duration) {
	stageExecutions.WithLabelValues(stageName, outcome).Inc()
	stageDuration.WithLabelValues(stageName).Observe(duration.Seconds())
}

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	statusLabel := statusLabelFor(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func statusLabelFor(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
