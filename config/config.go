package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Settings holds the full runtime configuration for both the worker and
// the API server. Values come from the environment with sane defaults so
// a bare `worker` against a local Redis just works.
type Settings struct {
	// Store connection
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	StoreMaxConns       int
	StoreBlockingConns  int
	StoreSocketTimeout  time.Duration
	StoreHealthInterval time.Duration

	// Optional Postgres archive of terminal tasks. Empty DSN disables it.
	PostgresDSN string

	// Worker identity and dispatch
	WorkerID       string
	Concurrency    int
	PopTimeout     time.Duration
	SoftLimit      time.Duration
	HardLimit      time.Duration
	TokenWait      time.Duration
	Grace          time.Duration
	MaxRetries     int
	MaxTaskAge     time.Duration
	RetryWarnDepth int64
	RetryCritDepth int64

	// Per-class retry schedules, seconds per attempt.
	RetrySchedules map[string][]int

	// Scheduled-set promotion
	SchedulerTick  time.Duration
	SchedulerBatch int

	// Heartbeats
	HeartbeatPeriod    time.Duration
	HeartbeatTTLFactor int

	// Upstream provider
	ProviderBaseURL          string
	ProviderAPIKey           string
	ProviderModel            string
	ProviderFresh            time.Duration
	ProviderStale            time.Duration
	ProviderCircuitThreshold int
	ProviderCircuitCooldown  time.Duration

	// Per-worker circuit breaker
	BreakerVolumeThreshold int
	BreakerFailureRatio    float64
	BreakerOpenDuration    time.Duration
	BreakerHalfOpenProbes  int

	// Shared token bucket defaults (persisted config wins once written)
	RateLimitRequests int
	RateLimitInterval string

	// API server
	APIAddr      string
	APIRateRPS   float64
	APIRateBurst int
	WSMaxClients int

	// Worker metrics endpoint
	MetricsAddr string
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() *Settings {
	return &Settings{
		RedisAddr:           "localhost:6379",
		RedisDB:             0,
		StoreMaxConns:       50,
		StoreBlockingConns:  10,
		StoreSocketTimeout:  10 * time.Second,
		StoreHealthInterval: 30 * time.Second,

		Concurrency:    4,
		PopTimeout:     5 * time.Second,
		SoftLimit:      600 * time.Second,
		HardLimit:      900 * time.Second,
		TokenWait:      30 * time.Second,
		Grace:          30 * time.Second,
		MaxRetries:     3,
		MaxTaskAge:     2 * time.Hour,
		RetryWarnDepth: 1000,
		RetryCritDepth: 5000,

		RetrySchedules: map[string][]int{
			"rate_limit":          {60, 120, 300, 600},
			"service_unavailable": {5, 10, 30, 60, 120},
			"credits":             {300, 600, 1800},
			"network":             {2, 5, 10, 30, 60},
			"default":             {5, 15, 60, 300},
		},

		SchedulerTick:  1 * time.Second,
		SchedulerBatch: 100,

		HeartbeatPeriod:    10 * time.Second,
		HeartbeatTTLFactor: 3,

		ProviderBaseURL:          "https://openrouter.ai/api/v1",
		ProviderModel:            "openai/gpt-4o-mini",
		ProviderFresh:            60 * time.Second,
		ProviderStale:            300 * time.Second,
		ProviderCircuitThreshold: 5,
		ProviderCircuitCooldown:  300 * time.Second,

		BreakerVolumeThreshold: 10,
		BreakerFailureRatio:    0.5,
		BreakerOpenDuration:    60 * time.Second,
		BreakerHalfOpenProbes:  3,

		RateLimitRequests: 230,
		RateLimitInterval: "10s",

		APIAddr:      ":8080",
		APIRateRPS:   50,
		APIRateBurst: 100,
		WSMaxClients: 256,

		MetricsAddr: ":9091",
	}
}

// Load builds Settings from defaults overlaid with the environment.
func Load() *Settings {
	s := DefaultSettings()

	envStr(&s.RedisAddr, "REDIS_ADDR")
	envStr(&s.RedisPassword, "REDIS_PASSWORD")
	envInt(&s.RedisDB, "REDIS_DB")
	envInt(&s.StoreMaxConns, "STORE_MAX_CONNS")
	envInt(&s.StoreBlockingConns, "STORE_BLOCKING_CONNS")
	envDur(&s.StoreSocketTimeout, "STORE_SOCKET_TIMEOUT")
	envDur(&s.StoreHealthInterval, "STORE_HEALTH_INTERVAL")

	envStr(&s.PostgresDSN, "POSTGRES_DSN")

	envStr(&s.WorkerID, "WORKER_ID")
	envInt(&s.Concurrency, "WORKER_CONCURRENCY")
	envDur(&s.PopTimeout, "POP_TIMEOUT")
	envDur(&s.SoftLimit, "SOFT_LIMIT")
	envDur(&s.HardLimit, "HARD_LIMIT")
	envDur(&s.TokenWait, "TOKEN_WAIT")
	envDur(&s.Grace, "SHUTDOWN_GRACE")
	envInt(&s.MaxRetries, "MAX_RETRIES")
	envDur(&s.MaxTaskAge, "MAX_TASK_AGE")
	envInt64(&s.RetryWarnDepth, "RETRY_WARN_DEPTH")
	envInt64(&s.RetryCritDepth, "RETRY_CRIT_DEPTH")

	for class := range s.RetrySchedules {
		envSchedule(s.RetrySchedules, class, "RETRY_SCHEDULE_"+strings.ToUpper(class))
	}

	envDur(&s.SchedulerTick, "SCHEDULER_TICK")
	envInt(&s.SchedulerBatch, "SCHEDULER_BATCH")

	envDur(&s.HeartbeatPeriod, "HEARTBEAT_PERIOD")
	envInt(&s.HeartbeatTTLFactor, "HEARTBEAT_TTL_FACTOR")

	envStr(&s.ProviderBaseURL, "PROVIDER_BASE_URL")
	envStr(&s.ProviderAPIKey, "PROVIDER_API_KEY")
	envStr(&s.ProviderModel, "PROVIDER_MODEL")
	envDur(&s.ProviderFresh, "PROVIDER_STATE_FRESH")
	envDur(&s.ProviderStale, "PROVIDER_STATE_STALE")
	envInt(&s.ProviderCircuitThreshold, "PROVIDER_CIRCUIT_THRESHOLD")
	envDur(&s.ProviderCircuitCooldown, "PROVIDER_CIRCUIT_COOLDOWN")

	envInt(&s.BreakerVolumeThreshold, "BREAKER_VOLUME_THRESHOLD")
	envFloat(&s.BreakerFailureRatio, "BREAKER_FAILURE_RATIO")
	envDur(&s.BreakerOpenDuration, "BREAKER_OPEN_DURATION")
	envInt(&s.BreakerHalfOpenProbes, "BREAKER_HALF_OPEN_PROBES")

	envInt(&s.RateLimitRequests, "RATE_LIMIT_REQUESTS")
	envStr(&s.RateLimitInterval, "RATE_LIMIT_INTERVAL")

	envStr(&s.APIAddr, "API_ADDR")
	envFloat(&s.APIRateRPS, "API_RATE_RPS")
	envInt(&s.APIRateBurst, "API_RATE_BURST")
	envInt(&s.WSMaxClients, "WS_MAX_CLIENTS")
	envStr(&s.MetricsAddr, "METRICS_ADDR")

	if s.WorkerID == "" {
		s.WorkerID = newWorkerID()
	}
	return s
}

// newWorkerID builds a host-scoped identity for heartbeat and breaker keys.
func newWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v", err)
		hostname = "unknown"
	}
	short := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("worker-%s-%s", hostname, short)
}

func envStr(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			*dst = n
		} else {
			log.Printf("config: ignoring %s=%q: %v", name, v, err)
		}
	}
}

func envInt64(dst *int64, name string) {
	if v := os.Getenv(name); v != "" {
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			*dst = n
		} else {
			log.Printf("config: ignoring %s=%q: %v", name, v, err)
		}
	}
}

func envFloat(dst *float64, name string) {
	if v := os.Getenv(name); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
			*dst = f
		} else {
			log.Printf("config: ignoring %s=%q: %v", name, v, err)
		}
	}
}

// envDur accepts Go duration strings ("30s") or bare seconds ("30").
func envDur(dst *time.Duration, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	log.Printf("config: ignoring %s=%q: not a duration", name, v)
}

// envSchedule parses comma-separated seconds, e.g. "2,5,10,30,60".
func envSchedule(dst map[string][]int, class, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	schedule := make([]int, 0, len(parts))
	for _, p := range parts {
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%d", &n); err != nil || n < 0 {
			log.Printf("config: ignoring %s=%q: bad entry %q", name, v, p)
			return
		}
		schedule = append(schedule, n)
	}
	if len(schedule) > 0 {
		dst[class] = schedule
	}
}
