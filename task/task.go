package task

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// State is the lifecycle state of a task.
type State string

const (
	StatePending   State = "PENDING"
	StateActive    State = "ACTIVE"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateScheduled State = "SCHEDULED"
	StateDLQ       State = "DLQ"
)

// States lists all lifecycle states in counter-key order.
var States = []State{StatePending, StateActive, StateCompleted, StateFailed, StateScheduled, StateDLQ}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateActive, StateCompleted, StateFailed, StateScheduled, StateDLQ:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are expected.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDLQ
}

// HistoryEntry is one state_history element. Every transition appends
// exactly one entry; timestamps are strictly monotone per task.
type HistoryEntry struct {
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent is one error_history element.
type ErrorEvent struct {
	Error      string    `json:"error"`
	ErrorType  string    `json:"error_type"`
	RetryCount int       `json:"retry_count"`
	Transition string    `json:"state_transition,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Task is the persistent per-task record, stored as the task:{id} hash.
// Payload and Result are opaque at this layer.
type Task struct {
	ID         string
	Type       string
	Payload    string
	State      State
	RetryCount int
	MaxRetries int
	LastError  string
	ErrorType  string
	WorkerID   string
	Result     string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	FailedAt    time.Time
	ScheduledAt time.Time
	DLQAt       time.Time
	RetryAfter  time.Time

	StateHistory []HistoryEntry
	ErrorHistory []ErrorEvent
}

// Age returns how long the task has existed at now.
func (t *Task) Age(now time.Time) time.Duration {
	if t.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(t.CreatedAt)
}

// timeLayout is RFC3339 with nanoseconds, always UTC, for hash fields.
const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FromHash decodes a task record hash. Unknown fields are ignored so old
// records survive schema growth.
func FromHash(fields map[string]string) (*Task, error) {
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	id := fields["task_id"]
	if id == "" {
		return nil, fmt.Errorf("task hash missing task_id")
	}

	t := &Task{
		ID:        id,
		Type:      fields["task_type"],
		Payload:   fields["payload"],
		State:     State(fields["state"]),
		LastError: fields["last_error"],
		ErrorType: fields["error_type"],
		WorkerID:  fields["worker_id"],
		Result:    fields["result"],

		CreatedAt:   parseTime(fields["created_at"]),
		UpdatedAt:   parseTime(fields["updated_at"]),
		StartedAt:   parseTime(fields["started_at"]),
		CompletedAt: parseTime(fields["completed_at"]),
		FailedAt:    parseTime(fields["failed_at"]),
		ScheduledAt: parseTime(fields["scheduled_at"]),
		DLQAt:       parseTime(fields["dlq_at"]),
		RetryAfter:  parseTime(fields["retry_after"]),
	}

	if v := fields["retry_count"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("task %s: bad retry_count %q", id, v)
		}
		t.RetryCount = n
	}
	if v := fields["max_retries"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("task %s: bad max_retries %q", id, v)
		}
		t.MaxRetries = n
	}

	if v := fields["state_history"]; v != "" {
		if err := json.Unmarshal([]byte(v), &t.StateHistory); err != nil {
			return nil, fmt.Errorf("task %s: bad state_history: %w", id, err)
		}
	}
	if v := fields["error_history"]; v != "" {
		if err := json.Unmarshal([]byte(v), &t.ErrorHistory); err != nil {
			return nil, fmt.Errorf("task %s: bad error_history: %w", id, err)
		}
	}
	return t, nil
}
