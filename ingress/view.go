package ingress

import (
	"encoding/json"
	"time"

	"github.com/itskum47/taskforge/task"
)

// TaskView is the wire shape of a task record. Payload and Result stay
// raw JSON so the broker never re-encodes handler data.
type TaskView struct {
	ID           string              `json:"task_id"`
	Type         string              `json:"task_type"`
	Payload      json.RawMessage     `json:"payload,omitempty"`
	State        string              `json:"state"`
	RetryCount   int                 `json:"retry_count"`
	MaxRetries   int                 `json:"max_retries"`
	LastError    string              `json:"last_error,omitempty"`
	ErrorType    string              `json:"error_type,omitempty"`
	WorkerID     string              `json:"worker_id,omitempty"`
	Result       json.RawMessage     `json:"result,omitempty"`
	CreatedAt    string              `json:"created_at,omitempty"`
	UpdatedAt    string              `json:"updated_at,omitempty"`
	StartedAt    string              `json:"started_at,omitempty"`
	CompletedAt  string              `json:"completed_at,omitempty"`
	FailedAt     string              `json:"failed_at,omitempty"`
	ScheduledAt  string              `json:"scheduled_at,omitempty"`
	DLQAt        string              `json:"dlq_at,omitempty"`
	RetryAfter   string              `json:"retry_after,omitempty"`
	AgeSeconds   float64             `json:"age_seconds"`
	StateHistory []task.HistoryEntry `json:"state_history,omitempty"`
	ErrorHistory []task.ErrorEvent   `json:"error_history,omitempty"`
}

// NewTaskView converts a record for the API. Non-JSON payloads (legacy
// or hand-written records) are quoted so the view always serializes.
func NewTaskView(t *task.Task, now time.Time) *TaskView {
	return &TaskView{
		ID:           t.ID,
		Type:         t.Type,
		Payload:      rawJSON(t.Payload),
		State:        string(t.State),
		RetryCount:   t.RetryCount,
		MaxRetries:   t.MaxRetries,
		LastError:    t.LastError,
		ErrorType:    t.ErrorType,
		WorkerID:     t.WorkerID,
		Result:       rawJSON(t.Result),
		CreatedAt:    viewTime(t.CreatedAt),
		UpdatedAt:    viewTime(t.UpdatedAt),
		StartedAt:    viewTime(t.StartedAt),
		CompletedAt:  viewTime(t.CompletedAt),
		FailedAt:     viewTime(t.FailedAt),
		ScheduledAt:  viewTime(t.ScheduledAt),
		DLQAt:        viewTime(t.DLQAt),
		RetryAfter:   viewTime(t.RetryAfter),
		AgeSeconds:   t.Age(now).Seconds(),
		StateHistory: t.StateHistory,
		ErrorHistory: t.ErrorHistory,
	}
}

func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return json.RawMessage(quoted)
}

func viewTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
