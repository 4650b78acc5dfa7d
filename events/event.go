// Package events carries the broker's realtime event stream.
//
// Task lifecycle events are published by the store scripts at the
// moment of mutation so the embedded snapshot always matches the new
// state. This package adds the periodic queue snapshot, heartbeat and
// fatal events, plus the fan-out the API stream reads from. Delivery
// is best effort; operations never fail because an event was lost.
package events

// Event types on the queue-updates channel.
const (
	TypeTaskCreated      = "task_created"
	TypeTaskStateChanged = "task_state_changed"
	TypeQueueSnapshot    = "queue_snapshot"
	TypeHeartbeat        = "heartbeat"
	TypeFatal            = "fatal"
)

// Event is one message on the queue-updates channel. Timestamps are
// ISO-8601 in UTC.
type Event struct {
	Type        string                 `json:"type"`
	TaskID      string                 `json:"task_id,omitempty"`
	OldState    string                 `json:"old_state,omitempty"`
	NewState    string                 `json:"new_state,omitempty"`
	QueueDepths map[string]int64       `json:"queue_depths,omitempty"`
	StateCounts map[string]int64       `json:"state_counts,omitempty"`
	RetryRatio  float64                `json:"retry_ratio,omitempty"`
	WorkerID    string                 `json:"worker_id,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
	Timestamp   string                 `json:"timestamp"`
}
