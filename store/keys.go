package store

import (
	"fmt"
	"strings"
	"time"
)

// Key layout shared by every process. The names are load-bearing: workers,
// the API server and operator tooling all address the same keys.
const (
	KeyPrimaryQueue  = "tasks:pending:primary"
	KeyRetryQueue    = "tasks:pending:retry"
	KeyScheduledSet  = "tasks:scheduled"
	KeyDLQList       = "dlq:tasks"
	KeyRateLimitCfg  = "rate_limit:config"
	KeyRateLimitBkt  = "rate_limit:bucket"
	KeyProviderState = "provider:state"
	KeyProviderLock  = "provider:state:refresh_lock"
	KeySnapshotLock  = "lock:snapshot_publisher"

	ChannelQueueUpdates  = "queue-updates"
	ChannelWorkerControl = "worker:control"
)

// TaskKey returns the record hash key for a task id.
func TaskKey(id string) string {
	return "task:" + id
}

// DLQTaskKey returns the frozen copy written when a task enters the DLQ.
func DLQTaskKey(id string) string {
	return "dlq:task:" + id
}

// StateCounterKey returns the per-state counter key, lowercased state name.
func StateCounterKey(state string) string {
	return "metrics:tasks:state:" + strings.ToLower(state)
}

// HeartbeatKey returns the TTL'd liveness hash for a worker.
func HeartbeatKey(workerID string) string {
	return "worker:heartbeat:" + workerID
}

// HeartbeatPattern matches all worker heartbeat keys.
const HeartbeatPattern = "worker:heartbeat:*"

// ActiveTasksKey returns the set of task ids held by a worker.
func ActiveTasksKey(workerID string) string {
	return "worker:active_tasks:" + workerID
}

// BreakerKey returns the published circuit breaker hash for a worker.
func BreakerKey(workerID string) string {
	return "circuit_breaker:" + workerID
}

// ProviderMetricsKey returns the daily provider counter hash for a day.
func ProviderMetricsKey(day time.Time) string {
	return fmt.Sprintf("provider:metrics:%s", day.UTC().Format("2006-01-02"))
}

// TaskPattern matches all task record keys.
const TaskPattern = "task:*"
