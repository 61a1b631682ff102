// Package observability exposes Prometheus metrics and HTTP probe
// endpoints for the session subsystem.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Engine operation metrics
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowsmith_operations_total",
			Help: "Total number of engine operations by outcome",
		},
		[]string{"operation", "status"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowsmith_operation_duration_seconds",
			Help:    "Engine operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Session metrics
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowsmith_sessions_active",
			Help: "Number of live sessions in the store",
		},
	)

	sessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowsmith_sessions_expired_total",
			Help: "Total number of sessions evicted on expiry",
		},
	)

	// External collaborator metrics
	externalCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowsmith_external_calls_total",
			Help: "Total number of external collaborator calls",
		},
		[]string{"collaborator", "status"},
	)

	rateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowsmith_rate_limit_denied_total",
			Help: "Total number of operations denied by the per-session rate limit",
		},
	)

	checkpointsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowsmith_checkpoints_created_total",
			Help: "Total number of checkpoints captured",
		},
	)

	rollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowsmith_rollbacks_total",
			Help: "Total number of rollback attempts by outcome",
		},
		[]string{"status"},
	)

	initOnce sync.Once
)

// InitMetrics registers all metrics with the default Prometheus registry.
// Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			operationsTotal,
			operationDuration,
			sessionsActive,
			sessionsExpiredTotal,
			externalCallsTotal,
			rateLimitDeniedTotal,
			checkpointsCreatedTotal,
			rollbacksTotal,
		)
	})
}

// RecordOperation records one engine operation outcome and its duration.
func RecordOperation(operation, status string, duration time.Duration) {
	operationsTotal.WithLabelValues(operation, status).Inc()
	operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetActiveSessions updates the live-session gauge.
func SetActiveSessions(n int) {
	sessionsActive.Set(float64(n))
}

// RecordSessionExpired counts an expiry eviction.
func RecordSessionExpired() {
	sessionsExpiredTotal.Inc()
}

// RecordExternalCall records one call to an external collaborator.
func RecordExternalCall(collaborator, status string) {
	externalCallsTotal.WithLabelValues(collaborator, status).Inc()
}

// RecordRateLimitDenied counts a rate-limit denial.
func RecordRateLimitDenied() {
	rateLimitDeniedTotal.Inc()
}

// RecordCheckpointCreated counts a captured checkpoint.
func RecordCheckpointCreated() {
	checkpointsCreatedTotal.Inc()
}

// RecordRollback records a rollback attempt outcome.
func RecordRollback(status string) {
	rollbacksTotal.WithLabelValues(status).Inc()
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
