package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/itskum47/taskforge/observability"
	"github.com/itskum47/taskforge/store"
)

// Backend is the slice of the Redis store the task manager needs.
// *store.Store satisfies it; tests swap in a fake.
type Backend interface {
	RunScript(ctx context.Context, sc *store.Script, keys []string, args ...interface{}) (interface{}, error)
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	PopBlockingRight(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error)
	ListLen(ctx context.Context, key string) (int64, error)
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZSetCard(ctx context.Context, key string) (int64, error)
	ZSetRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error)
	ZSetRemove(ctx context.Context, key string, members ...interface{}) error
	CounterGet(ctx context.Context, key string) (int64, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

// QueueOp is one queue mutation executed inside the transition script.
type QueueOp struct {
	Op     string  `json:"op"`
	Score  float64 `json:"score,omitempty"`
	Worker string  `json:"worker,omitempty"`
}

const (
	opPushRetry     = "push_retry"
	opPushDLQ       = "push_dlq"
	opZAddScheduled = "zadd_scheduled"
	opZRemScheduled = "zrem_scheduled"
	opRemDLQ        = "rem_dlq"
	opCopyDLQ       = "copy_dlq"
	opDelDLQCopy    = "del_dlq_copy"
	opSAddActive    = "sadd_active"
	opSRemActive    = "srem_active"
)

// Manager owns the task lifecycle. Every state change goes through a
// Lua script so the record, the queues, the counters and the published
// event can never disagree.
type Manager struct {
	backend   Backend
	warnDepth int64
	critDepth int64
	channel   string

	now func() time.Time
}

func NewManager(backend Backend, warnDepth, critDepth int64) *Manager {
	return &Manager{
		backend:   backend,
		warnDepth: warnDepth,
		critDepth: critDepth,
		channel:   store.ChannelQueueUpdates,
		now:       time.Now,
	}
}

// taskKeys is the fixed 12-key layout shared by the lifecycle scripts.
func taskKeys(id string) []string {
	return []string{
		store.TaskKey(id),
		store.KeyPrimaryQueue,
		store.KeyRetryQueue,
		store.KeyScheduledSet,
		store.KeyDLQList,
		store.DLQTaskKey(id),
		store.StateCounterKey(string(StatePending)),
		store.StateCounterKey(string(StateActive)),
		store.StateCounterKey(string(StateCompleted)),
		store.StateCounterKey(string(StateFailed)),
		store.StateCounterKey(string(StateScheduled)),
		store.StateCounterKey(string(StateDLQ)),
	}
}

func decodeScriptResult(res interface{}) (bool, string, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) == 0 {
		return false, "", fmt.Errorf("unexpected script reply %T", res)
	}
	code, ok := vals[0].(int64)
	if !ok {
		return false, "", fmt.Errorf("unexpected script status %T", vals[0])
	}
	if code == 1 {
		return true, "", nil
	}
	reason := ""
	if len(vals) > 1 {
		if s, ok := vals[1].(string); ok {
			reason = s
		}
	}
	return false, reason, nil
}

// Create writes a new PENDING record and enqueues it on the primary
// queue. Returns ErrAlreadyExists when the id is taken.
func (m *Manager) Create(ctx context.Context, id, taskType, payload string, maxRetries int) (*Task, error) {
	now := m.now().UTC()
	res, err := m.backend.RunScript(ctx, createScript, taskKeys(id),
		id, taskType, payload, maxRetries, formatTime(now), m.channel, m.warnDepth, m.critDepth)
	if err != nil {
		return nil, fmt.Errorf("create task %s: %w", id, err)
	}
	ok, reason, err := decodeScriptResult(res)
	if err != nil {
		return nil, fmt.Errorf("create task %s: %w", id, err)
	}
	if !ok {
		if reason == "exists" {
			return nil, fmt.Errorf("task %s: %w", id, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("create task %s: rejected (%s)", id, reason)
	}
	return &Task{
		ID:           id,
		Type:         taskType,
		Payload:      payload,
		State:        StatePending,
		MaxRetries:   maxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
		StateHistory: []HistoryEntry{{State: StatePending, Timestamp: now}},
	}, nil
}

// Get loads a task record. Returns ErrNotFound when there is none.
func (m *Manager) Get(ctx context.Context, id string) (*Task, error) {
	data, err := m.backend.HashGetAll(ctx, store.TaskKey(id))
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	t, err := FromHash(data)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// apply runs the CAS transition script. On a CAS miss it returns a
// *ConflictError carrying the observed state.
func (m *Manager) apply(ctx context.Context, id string, from, to State, patch map[string]string, ops []QueueOp) error {
	if patch == nil {
		patch = map[string]string{}
	}
	if ops == nil {
		ops = []QueueOp{}
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("transition %s: %w", id, err)
	}
	opsJSON, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("transition %s: %w", id, err)
	}
	res, err := m.backend.RunScript(ctx, transitionScript, taskKeys(id),
		id, string(from), string(to), formatTime(m.now().UTC()),
		string(patchJSON), string(opsJSON), m.channel, m.warnDepth, m.critDepth)
	if err != nil {
		return fmt.Errorf("transition %s %s->%s: %w", id, from, to, err)
	}
	ok, reason, err := decodeScriptResult(res)
	if err != nil {
		return fmt.Errorf("transition %s %s->%s: %w", id, from, to, err)
	}
	if !ok {
		if reason == "missing" {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		observability.TransitionConflicts.WithLabelValues(string(from), string(to)).Inc()
		return &ConflictError{ID: id, Expected: from, Observed: State(reason)}
	}
	return nil
}

// Activate claims a popped task for a worker. A conflict means another
// worker won the claim and the caller should drop the id.
func (m *Manager) Activate(ctx context.Context, id, workerID string) error {
	patch := map[string]string{
		"worker_id":  workerID,
		"started_at": formatTime(m.now().UTC()),
	}
	ops := []QueueOp{{Op: opSAddActive, Worker: workerID}}
	return m.apply(ctx, id, StatePending, StateActive, patch, ops)
}

// Complete finishes a task with its result.
func (m *Manager) Complete(ctx context.Context, id, workerID, result string) error {
	patch := map[string]string{
		"result":       result,
		"completed_at": formatTime(m.now().UTC()),
	}
	ops := []QueueOp{{Op: opSRemActive, Worker: workerID}}
	return m.apply(ctx, id, StateActive, StateCompleted, patch, ops)
}

// Fail marks an active task FAILED with the error that stopped it.
func (m *Manager) Fail(ctx context.Context, id, workerID, errMsg, errType string) error {
	patch := map[string]string{
		"last_error": errMsg,
		"error_type": errType,
		"failed_at":  formatTime(m.now().UTC()),
	}
	ops := []QueueOp{{Op: opSRemActive, Worker: workerID}}
	return m.apply(ctx, id, StateActive, StateFailed, patch, ops)
}

// ScheduleRetry moves a failed task to the scheduled set with its next
// attempt count and due time.
func (m *Manager) ScheduleRetry(ctx context.Context, id string, retryCount int, due time.Time) error {
	patch := map[string]string{
		"retry_count":  strconv.Itoa(retryCount),
		"retry_after":  formatTime(due.UTC()),
		"scheduled_at": formatTime(m.now().UTC()),
	}
	ops := []QueueOp{{Op: opZAddScheduled, Score: float64(due.Unix())}}
	return m.apply(ctx, id, StateFailed, StateScheduled, patch, ops)
}

// MoveToDLQ parks a failed task on the dead letter queue and snapshots
// the record under its DLQ key.
func (m *Manager) MoveToDLQ(ctx context.Context, id string) error {
	patch := map[string]string{"dlq_at": formatTime(m.now().UTC())}
	ops := []QueueOp{{Op: opCopyDLQ}, {Op: opPushDLQ}}
	return m.apply(ctx, id, StateFailed, StateDLQ, patch, ops)
}

// RequeueFromBreaker defers an active task without touching its retry
// count. Used when the worker's circuit is open and the task was never
// attempted.
func (m *Manager) RequeueFromBreaker(ctx context.Context, id, workerID string, due time.Time) error {
	patch := map[string]string{
		"retry_after":  formatTime(due.UTC()),
		"scheduled_at": formatTime(m.now().UTC()),
	}
	ops := []QueueOp{
		{Op: opSRemActive, Worker: workerID},
		{Op: opZAddScheduled, Score: float64(due.Unix())},
	}
	return m.apply(ctx, id, StateActive, StateScheduled, patch, ops)
}

// PromoteScheduled moves a due scheduled task onto the retry queue.
// Conflicts are normal when several workers promote the same batch.
func (m *Manager) PromoteScheduled(ctx context.Context, id string) error {
	ops := []QueueOp{{Op: opZRemScheduled}, {Op: opPushRetry}}
	return m.apply(ctx, id, StateScheduled, StatePending, nil, ops)
}

// ManualRetry requeues a FAILED or DLQ task with a fresh retry budget.
func (m *Manager) ManualRetry(ctx context.Context, id string) error {
	patch := map[string]string{"retry_count": "0"}
	err := m.apply(ctx, id, StateFailed, StatePending, patch, []QueueOp{{Op: opPushRetry}})
	var conflict *ConflictError
	if errors.As(err, &conflict) && conflict.Observed == StateDLQ {
		ops := []QueueOp{{Op: opRemDLQ}, {Op: opDelDLQCopy}, {Op: opPushRetry}}
		return m.apply(ctx, id, StateDLQ, StatePending, patch, ops)
	}
	return err
}

// RecordError appends to the task's bounded error history.
func (m *Manager) RecordError(ctx context.Context, id string, ev ErrorEvent) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = m.now().UTC()
	}
	res, err := m.backend.RunScript(ctx, recordErrorScript, []string{store.TaskKey(id)},
		ev.ErrorType, ev.Error, ev.RetryCount, ev.Transition, formatTime(ts))
	if err != nil {
		return fmt.Errorf("record error %s: %w", id, err)
	}
	ok, _, err := decodeScriptResult(res)
	if err != nil {
		return fmt.Errorf("record error %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// Delete removes the record, its queue memberships, its DLQ copy and
// its counter contribution in one step.
func (m *Manager) Delete(ctx context.Context, id string) error {
	res, err := m.backend.RunScript(ctx, deleteScript, taskKeys(id),
		id, formatTime(m.now().UTC()), m.channel, m.warnDepth, m.critDepth)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	ok, reason, err := decodeScriptResult(res)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if !ok && reason == "missing" {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// DequeueNext blocks for up to timeout on both pending queues.
// preferRetry decides which queue Redis serves first when both hold
// work. Returns ("", false, nil) when the wait times out.
func (m *Manager) DequeueNext(ctx context.Context, preferRetry bool, timeout time.Duration) (string, bool, error) {
	keys := []string{store.KeyPrimaryQueue, store.KeyRetryQueue}
	if preferRetry {
		keys = []string{store.KeyRetryQueue, store.KeyPrimaryQueue}
	}
	key, id, err := m.backend.PopBlockingRight(ctx, timeout, keys...)
	if err != nil {
		return "", false, fmt.Errorf("dequeue: %w", err)
	}
	if id == "" {
		return "", false, nil
	}
	return id, key == store.KeyRetryQueue, nil
}

// QueueDepths reads the four queue lengths.
func (m *Manager) QueueDepths(ctx context.Context) (map[string]int64, error) {
	depths := make(map[string]int64, 4)
	var err error
	if depths["primary"], err = m.backend.ListLen(ctx, store.KeyPrimaryQueue); err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	if depths["retry"], err = m.backend.ListLen(ctx, store.KeyRetryQueue); err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	if depths["scheduled"], err = m.backend.ZSetCard(ctx, store.KeyScheduledSet); err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	if depths["dlq"], err = m.backend.ListLen(ctx, store.KeyDLQList); err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	return depths, nil
}

// StateCounts reads the per-state counters.
func (m *Manager) StateCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(States))
	for _, st := range States {
		n, err := m.backend.CounterGet(ctx, store.StateCounterKey(string(st)))
		if err != nil {
			return nil, fmt.Errorf("state counts: %w", err)
		}
		counts[string(st)] = n
	}
	return counts, nil
}

// AdaptiveRetryRatio maps the retry queue depth to the share of pops
// that should favor the retry queue.
func (m *Manager) AdaptiveRetryRatio(retryDepth int64) float64 {
	switch {
	case retryDepth >= m.critDepth:
		return 0.10
	case retryDepth >= m.warnDepth:
		return 0.20
	default:
		return 0.30
	}
}

// RetryRatio reads the live retry depth and returns the current ratio.
func (m *Manager) RetryRatio(ctx context.Context) (float64, error) {
	depth, err := m.backend.ListLen(ctx, store.KeyRetryQueue)
	if err != nil {
		return 0, fmt.Errorf("retry ratio: %w", err)
	}
	return m.AdaptiveRetryRatio(depth), nil
}

// RequeueOrphaned scans for PENDING records missing from every queue
// and pushes them onto the retry queue. Returns how many were requeued.
func (m *Manager) RequeueOrphaned(ctx context.Context) (int, error) {
	keys, err := m.backend.ScanKeys(ctx, store.TaskPattern)
	if err != nil {
		return 0, fmt.Errorf("requeue orphaned: %w", err)
	}
	requeued := 0
	for _, key := range keys {
		id := strings.TrimPrefix(key, "task:")
		res, err := m.backend.RunScript(ctx, requeueOrphanScript, []string{
			store.TaskKey(id),
			store.KeyPrimaryQueue,
			store.KeyRetryQueue,
			store.KeyScheduledSet,
			store.KeyDLQList,
		}, id)
		if err != nil {
			return requeued, fmt.Errorf("requeue orphaned %s: %w", id, err)
		}
		if ok, _, err := decodeScriptResult(res); err == nil && ok {
			requeued++
		}
	}
	return requeued, nil
}

// ListOptions filters and pages List results.
type ListOptions struct {
	State  State
	Type   string
	Limit  int
	Offset int
	// Ascending orders by created_at oldest first; the default is
	// newest first. Ties break on id either way.
	Ascending bool
}

// List scans all task records, filters, and returns one page ordered
// by created_at. The second return is the filtered total.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]*Task, int, error) {
	keys, err := m.backend.ScanKeys(ctx, store.TaskPattern)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]*Task, 0, len(keys))
	for _, key := range keys {
		t, err := m.Get(ctx, strings.TrimPrefix(key, "task:"))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, 0, err
		}
		if opts.State != "" && t.State != opts.State {
			continue
		}
		if opts.Type != "" && t.Type != opts.Type {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		if opts.Ascending {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	total := len(tasks)
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if opts.Offset >= total {
		return []*Task{}, total, nil
	}
	end := opts.Offset + limit
	if end > total {
		end = total
	}
	return tasks[opts.Offset:end], total, nil
}

// DLQList returns the newest entries on the dead letter queue. When the
// live record is gone it falls back to the DLQ snapshot copy.
func (m *Manager) DLQList(ctx context.Context, limit int64) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := m.backend.ListRange(ctx, store.KeyDLQList, 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("dlq list: %w", err)
	}
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := m.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			data, herr := m.backend.HashGetAll(ctx, store.DLQTaskKey(id))
			if herr != nil || len(data) == 0 {
				continue
			}
			if t, herr = FromHash(data); herr != nil {
				continue
			}
			err = nil
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// DueScheduled returns up to batch scheduled ids due at or before now,
// ordered by due time.
func (m *Manager) DueScheduled(ctx context.Context, now time.Time, batch int64) ([]string, error) {
	ids, err := m.backend.ZSetRangeByScore(ctx, store.KeyScheduledSet, float64(now.Unix()), batch)
	if err != nil {
		return nil, fmt.Errorf("due scheduled: %w", err)
	}
	return ids, nil
}

// RemoveScheduled drops an id from the scheduled set without a state
// change. Used to clear entries whose record moved on.
func (m *Manager) RemoveScheduled(ctx context.Context, id string) error {
	if err := m.backend.ZSetRemove(ctx, store.KeyScheduledSet, id); err != nil {
		return fmt.Errorf("remove scheduled %s: %w", id, err)
	}
	return nil
}
