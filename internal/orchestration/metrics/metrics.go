package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RetryAttempts tracks failed executor attempts per fault category.
	// Operation ids are caller-chosen and unbounded, so they never become
	// labels.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_retry_attempts_total",
			Help: "Total number of failed retry executor attempts",
		},
		[]string{"category"},
	)

	// RetryExhausted tracks operations that failed after all attempts
	RetryExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_retry_exhausted_total",
			Help: "Total number of operations that exhausted their retry budget",
		},
	)

	// BackoffSleeps tracks how often the executor waited out a backoff delay
	BackoffSleeps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_retry_backoff_sleeps_total",
			Help: "Total number of backoff delays slept before a retry",
		},
	)

	// SelectionsTotal tracks instances handed out by the load balancer
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_instance_selections_total",
			Help: "Total number of instance selections per balancing policy",
		},
		[]string{"policy"},
	)

	// WorkflowsTotal tracks wizard workflow outcomes per type
	WorkflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_workflows_total",
			Help: "Total number of wizard workflows by outcome",
		},
		[]string{"wizard_type", "status"},
	)

	// WorkflowDuration tracks end-to-end wizard workflow latency
	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_workflow_duration_seconds",
			Help:    "Wizard workflow duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"wizard_type"},
	)

	// HealthChecksTotal tracks probe outcomes per instance
	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_health_checks_total",
			Help: "Total number of instance health probes",
		},
		[]string{"instance", "outcome"},
	)

	// HealthCheckLatency tracks probe round-trip time
	HealthCheckLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_health_check_latency_seconds",
			Help:    "Instance health probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"instance"},
	)

	// InstancesByState tracks how many registered instances sit in each status
	InstancesByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_instances",
			Help: "Number of registered instances per lifecycle status",
		},
		[]string{"status"},
	)

	// InstanceActiveWorkflows tracks in-flight workflows per instance
	InstanceActiveWorkflows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_instance_active_workflows",
			Help: "Workflows currently executing on an instance",
		},
		[]string{"instance"},
	)

	// SessionsSaved tracks wizard session snapshot writes
	SessionsSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_sessions_saved_total",
			Help: "Total number of wizard session snapshots written",
		},
		[]string{"wizard_type"},
	)

	// SessionsLoaded tracks successful live-session reads
	SessionsLoaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_sessions_loaded_total",
			Help: "Total number of valid wizard sessions read back",
		},
	)

	// SessionsExpired tracks sessions removed by cleanup or lazy eviction
	SessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_sessions_expired_total",
			Help: "Total number of expired wizard sessions evicted",
		},
	)

	// DBConnectionPoolUsage tracks connection pool utilization percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_db_connection_pool_usage",
			Help: "Database connection pool usage percentage",
		},
	)
)
