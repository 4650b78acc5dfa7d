package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksProcessed counts terminal task outcomes.
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_tasks_processed_total",
		Help: "Terminal task outcomes by task type and result",
	}, []string{"task_type", "outcome"}) // outcome: completed, dlq

	// TaskDuration tracks handler execution time end to end.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskforge_task_duration_seconds",
		Help:    "Handler execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
	}, []string{"task_type"})

	// TaskRetries counts retry scheduling decisions by error class.
	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_task_retries_total",
		Help: "Tasks scheduled for retry by error class",
	}, []string{"class"})

	// QueueDepth tracks the live depth of each queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskforge_queue_depth",
		Help: "Current number of task ids in each queue",
	}, []string{"queue"}) // primary, retry, scheduled, dlq

	// StateCount mirrors the persisted per-state counters.
	StateCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskforge_tasks_state_count",
		Help: "Number of task records per lifecycle state",
	}, []string{"state"})

	// TransitionConflicts counts CAS transitions that lost the race.
	TransitionConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_transition_conflicts_total",
		Help: "State transitions rejected because the observed state changed",
	}, []string{"from", "to"})

	// RateLimitWait tracks how long dispatchers waited for a token.
	RateLimitWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskforge_rate_limit_wait_seconds",
		Help:    "Time spent waiting to acquire rate-limit tokens",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	})

	// RateLimitTimeouts counts acquires abandoned at the wait ceiling.
	RateLimitTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskforge_rate_limit_timeouts_total",
		Help: "Token acquisitions that timed out",
	})

	// BreakerState reports the worker circuit breaker state.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskforge_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"worker_id"})

	// BreakerTransitions counts breaker state changes.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"worker_id", "to"})

	// ProviderReports counts success/failure reports against the provider.
	ProviderReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_provider_reports_total",
		Help: "Provider call outcomes reported by workers",
	}, []string{"kind"}) // success, rate_limited, credits_exhausted, ...

	// ProviderStateGauge reports the cached provider condition.
	ProviderStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskforge_provider_state",
		Help: "Cached provider state (1 = current state)",
	}, []string{"state"})

	// EventPublishFailures tracks failed event publish attempts (best-effort bus).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"event_type", "reason"})

	// EventsDropped counts events dropped on slow subscriber channels.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskforge_events_dropped_total",
		Help: "Bus events dropped because a local subscriber fell behind",
	})

	// ScheduledPromotions counts due tasks moved to the retry queue.
	ScheduledPromotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskforge_scheduled_promotions_total",
		Help: "Due scheduled tasks promoted into the retry queue",
	})

	// RedisLatency tracks store operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskforge_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency (coordination spine health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// StoreRetries counts transparent retries on connection-class errors.
	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskforge_store_retries_total",
		Help: "Store operations retried after connection-class errors",
	})

	// WorkersHealthy tracks the aggregated worker fleet status.
	WorkersHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskforge_workers",
		Help: "Worker count by liveness bucket",
	}, []string{"status"}) // healthy, stale, no_heartbeat

	// InFlight tracks tasks currently held by this worker's dispatchers.
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_inflight_tasks",
		Help: "Tasks currently executing on this worker",
	})

	// APIRequests counts ingress HTTP requests.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_api_requests_total",
		Help: "API requests by endpoint and status code",
	}, []string{"endpoint", "code"})

	// APIRateLimited tracks API requests rejected by the per-IP limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// WSClients tracks connected event-stream clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_ws_clients",
		Help: "Currently connected websocket event subscribers",
	})

	// ArchiveWrites counts terminal tasks copied into Postgres.
	ArchiveWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_archive_writes_total",
		Help: "Terminal task records archived to Postgres",
	}, []string{"result"}) // ok, error
)
