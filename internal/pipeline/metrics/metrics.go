package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HandlerAttempts tracks handler invocations by outcome (success, retryable, permanent)
	HandlerAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpcworker_handler_attempts_total",
			Help: "Total number of handler invocations",
		},
		[]string{"outcome"},
	)

	// HandlerLatency tracks a single handler invocation's duration
	HandlerLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rpcworker_handler_latency_seconds",
			Help:    "Handler invocation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RetriesExhausted counts messages handed to recovery
	RetriesExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpcworker_retries_exhausted_total",
			Help: "Total number of messages handed to recovery",
		},
		[]string{"reason"},
	)

	// Recoveries counts the single recovery action taken per exhausted message
	Recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpcworker_recoveries_total",
			Help: "Total number of recovery actions by action",
		},
		[]string{"action"},
	)

	// ReplyFailures counts replies the broker refused
	ReplyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rpcworker_reply_failures_total",
			Help: "Total number of failed RPC replies",
		},
	)

	// RecoveryErrors counts fallback recoverers that failed
	RecoveryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpcworker_recovery_errors_total",
			Help: "Total number of failed fallback recoveries",
		},
		[]string{"action"},
	)

	// MessagesConsumed tracks deliveries per queue
	MessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpcworker_messages_consumed_total",
			Help: "Total number of consumed deliveries",
		},
		[]string{"queue"},
	)

	// DeadLettersPending tracks archived dead letters awaiting replay
	DeadLettersPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rpcworker_dead_letters_pending",
			Help: "Number of archived dead letters awaiting replay",
		},
	)

	// DBConnectionPoolUsage tracks archive connection pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rpcworker_db_connection_pool_usage_percent",
			Help: "Percentage of open database connections",
		},
	)
)
