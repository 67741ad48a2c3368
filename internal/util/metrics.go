package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_received_total",
		Help: "Total number of inbound webhook requests",
	}, []string{"provider"})

	WebhooksRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_rejected_total",
		Help: "Total number of rejected webhook requests",
	}, []string{"provider", "reason"})

	WebhooksDuplicateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_duplicate_total",
		Help: "Total number of replayed webhook deliveries short-circuited by the event log",
	}, []string{"provider"})

	WebhooksIgnoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_ignored_total",
		Help: "Total number of authenticated webhooks with unsupported topics",
	}, []string{"provider", "topic"})

	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliations_total",
		Help: "Total number of order reconciliation attempts",
	}, []string{"topic", "result"})

	ReconciliationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconciliation_latency_seconds",
		Help:    "Latency of order reconciliation handlers",
		Buckets: prometheus.DefBuckets,
	})

	QueueTasksScheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_tasks_scheduled_total",
		Help: "Total number of async tasks scheduled",
	}, []string{"type"})

	QueueScheduleFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_schedule_failed_total",
		Help: "Total number of best-effort schedule calls that could not reach the backing store",
	})

	QueueTaskRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_task_retries_total",
		Help: "Total number of task retries",
	}, []string{"type"})

	QueueTasksDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_tasks_dropped_total",
		Help: "Total number of tasks dropped after permanent failure",
	}, []string{"type", "reason"})

	QueueTaskLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queue_task_latency_seconds",
		Help:    "Latency of async task execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current depth of each immediate task queue",
	}, []string{"queue"})

	RateLimitAllowedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_allowed_total",
		Help: "Total number of requests allowed by the rate limiter",
	}, []string{"tier"})

	RateLimitDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_denied_total",
		Help: "Total number of requests denied by the rate limiter",
	}, []string{"tier"})

	RateLimitFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rate_limit_fallback_total",
		Help: "Total number of rate limit checks served by the in-memory fallback store",
	})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	CircuitBreakerRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_rejected_total",
		Help: "Total number of calls rejected while the breaker was open",
	}, []string{"name"})

	MarketingEventsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketing_events_sent_total",
		Help: "Total number of marketing events delivered to Klaviyo",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
