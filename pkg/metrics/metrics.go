package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records password authentication attempts by kind (login|revalidate) and result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionkeeper_auth_attempts_total",
			Help: "Total number of password authentication attempts",
		},
		[]string{"kind", "result"},
	)

	// AutologinEvents counts persistent-login outcomes (issued|restored|replay|ignored|revoked).
	AutologinEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionkeeper_autologin_events_total",
			Help: "Persistent login token lifecycle events",
		},
		[]string{"event"},
	)

	// ForcedLogouts counts sessions torn down by integrity or revalidation checks.
	ForcedLogouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionkeeper_forced_logouts_total",
			Help: "Sessions torn down by the authenticator",
		},
		[]string{"reason"},
	)

	ThrottleBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionkeeper_throttle_blocks_total",
			Help: "Accounts hard-blocked after repeated failed logins",
		},
	)

	// SessionGCDeleted counts expired session rows removed by the deferred collector.
	SessionGCDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionkeeper_session_gc_deleted_total",
			Help: "Expired session rows deleted by garbage collection",
		},
	)

	// SessionLockWait measures how long a request waited for its session lock.
	SessionLockWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionkeeper_session_lock_wait_seconds",
			Help:    "Time spent acquiring the per-session lock",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 50},
		},
		[]string{"mode"},
	)

	// StorageErrors counts fatal storage failures by operation.
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionkeeper_storage_errors_total",
			Help: "Fatal storage errors surfaced by the session store",
		},
		[]string{"op"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionkeeper_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// RateLimitRejections counts requests refused by the login rate limiter.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionkeeper_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"route"},
	)

	// MaintenanceRuns counts scheduled sweep executions by job and result.
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionkeeper_maintenance_runs_total",
			Help: "Scheduled maintenance job executions",
		},
		[]string{"job", "result"},
	)
)
