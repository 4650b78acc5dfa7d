package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/itskum47/taskforge/store"
)

type scriptCall struct {
	script *store.Script
	keys   []string
	args   []interface{}
}

// fakeBackend records script invocations and serves canned replies.
type fakeBackend struct {
	calls     []scriptCall
	results   []interface{}
	scriptErr error

	hashes   map[string]map[string]string
	lists    map[string][]string
	zcard    int64
	due      []string
	removed  []string
	counters map[string]int64
	scanned  []string

	popServedKey string
	popValue     string
	popKeys      []string
}

func (f *fakeBackend) RunScript(_ context.Context, sc *store.Script, keys []string, args ...interface{}) (interface{}, error) {
	f.calls = append(f.calls, scriptCall{script: sc, keys: keys, args: args})
	if f.scriptErr != nil {
		return nil, f.scriptErr
	}
	if len(f.results) == 0 {
		return []interface{}{int64(1)}, nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res, nil
}

func (f *fakeBackend) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	return f.hashes[key], nil
}

func (f *fakeBackend) PopBlockingRight(_ context.Context, _ time.Duration, keys ...string) (string, string, error) {
	f.popKeys = keys
	return f.popServedKey, f.popValue, nil
}

func (f *fakeBackend) ListLen(_ context.Context, key string) (int64, error) {
	return int64(len(f.lists[key])), nil
}

func (f *fakeBackend) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	items := f.lists[key]
	if stop < 0 || stop >= int64(len(items)) {
		stop = int64(len(items)) - 1
	}
	if start > stop {
		return nil, nil
	}
	return items[start : stop+1], nil
}

func (f *fakeBackend) ZSetCard(_ context.Context, _ string) (int64, error) {
	return f.zcard, nil
}

func (f *fakeBackend) ZSetRangeByScore(_ context.Context, _ string, _ float64, _ int64) ([]string, error) {
	return f.due, nil
}

func (f *fakeBackend) ZSetRemove(_ context.Context, _ string, members ...interface{}) error {
	for _, m := range members {
		f.removed = append(f.removed, m.(string))
	}
	return nil
}

func (f *fakeBackend) CounterGet(_ context.Context, key string) (int64, error) {
	return f.counters[key], nil
}

func (f *fakeBackend) ScanKeys(_ context.Context, _ string) ([]string, error) {
	return f.scanned, nil
}

var testNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newTestManager(f *fakeBackend) *Manager {
	m := NewManager(f, 1000, 5000)
	m.now = func() time.Time { return testNow }
	return m
}

func decodeCall(t *testing.T, call scriptCall) (map[string]string, []QueueOp) {
	t.Helper()
	var patch map[string]string
	if err := json.Unmarshal([]byte(call.args[4].(string)), &patch); err != nil {
		t.Fatalf("patch json: %v", err)
	}
	var ops []QueueOp
	if err := json.Unmarshal([]byte(call.args[5].(string)), &ops); err != nil {
		t.Fatalf("ops json: %v", err)
	}
	return patch, ops
}

func TestCreate(t *testing.T) {
	f := &fakeBackend{}
	m := newTestManager(f)

	created, err := m.Create(context.Background(), "t-1", "echo", `{"msg":"hi"}`, 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.State != StatePending || created.MaxRetries != 3 {
		t.Errorf("created = %+v", created)
	}
	if len(created.StateHistory) != 1 || created.StateHistory[0].State != StatePending {
		t.Errorf("state_history = %+v", created.StateHistory)
	}
	if len(f.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(f.calls))
	}
	call := f.calls[0]
	if call.script != createScript {
		t.Error("wrong script invoked")
	}
	if len(call.keys) != 12 || call.keys[0] != "task:t-1" {
		t.Errorf("keys = %v", call.keys)
	}
	if call.args[0] != "t-1" || call.args[1] != "echo" || call.args[3] != 3 {
		t.Errorf("args = %v", call.args)
	}
}

func TestCreateAlreadyExists(t *testing.T) {
	f := &fakeBackend{results: []interface{}{[]interface{}{int64(0), "exists"}}}
	m := newTestManager(f)

	if _, err := m.Create(context.Background(), "t-1", "echo", "{}", 3); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestGet(t *testing.T) {
	f := &fakeBackend{hashes: map[string]map[string]string{
		"task:t-1": {"task_id": "t-1", "task_type": "echo", "state": "ACTIVE"},
	}}
	m := newTestManager(f)

	got, err := m.Get(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StateActive {
		t.Errorf("state = %s", got.State)
	}
	if _, err := m.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestActivate(t *testing.T) {
	f := &fakeBackend{}
	m := newTestManager(f)

	if err := m.Activate(context.Background(), "t-1", "worker-a"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	call := f.calls[0]
	if call.script != transitionScript {
		t.Error("wrong script invoked")
	}
	if call.args[1] != "PENDING" || call.args[2] != "ACTIVE" {
		t.Errorf("states = %v -> %v", call.args[1], call.args[2])
	}
	patch, ops := decodeCall(t, call)
	if patch["worker_id"] != "worker-a" || patch["started_at"] == "" {
		t.Errorf("patch = %v", patch)
	}
	if len(ops) != 1 || ops[0].Op != "sadd_active" || ops[0].Worker != "worker-a" {
		t.Errorf("ops = %v", ops)
	}
}

func TestActivateConflict(t *testing.T) {
	f := &fakeBackend{results: []interface{}{[]interface{}{int64(0), "ACTIVE"}}}
	m := newTestManager(f)

	err := m.Activate(context.Background(), "t-1", "worker-a")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if conflict.Expected != StatePending || conflict.Observed != StateActive {
		t.Errorf("conflict = %+v", conflict)
	}
	if !errors.Is(err, ErrConflict) {
		t.Error("conflict should match ErrConflict")
	}
}

func TestActivateMissing(t *testing.T) {
	f := &fakeBackend{results: []interface{}{[]interface{}{int64(0), "missing"}}}
	m := newTestManager(f)

	if err := m.Activate(context.Background(), "t-1", "worker-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestComplete(t *testing.T) {
	f := &fakeBackend{}
	m := newTestManager(f)

	if err := m.Complete(context.Background(), "t-1", "worker-a", `{"ok":true}`); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	call := f.calls[0]
	if call.args[1] != "ACTIVE" || call.args[2] != "COMPLETED" {
		t.Errorf("states = %v -> %v", call.args[1], call.args[2])
	}
	patch, ops := decodeCall(t, call)
	if patch["result"] != `{"ok":true}` || patch["completed_at"] == "" {
		t.Errorf("patch = %v", patch)
	}
	if len(ops) != 1 || ops[0].Op != "srem_active" {
		t.Errorf("ops = %v", ops)
	}
}

func TestScheduleRetry(t *testing.T) {
	f := &fakeBackend{}
	m := newTestManager(f)
	due := testNow.Add(2 * time.Minute)

	if err := m.ScheduleRetry(context.Background(), "t-1", 3, due); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}
	call := f.calls[0]
	if call.args[1] != "FAILED" || call.args[2] != "SCHEDULED" {
		t.Errorf("states = %v -> %v", call.args[1], call.args[2])
	}
	patch, ops := decodeCall(t, call)
	if patch["retry_count"] != "3" || patch["retry_after"] != formatTime(due) {
		t.Errorf("patch = %v", patch)
	}
	if len(ops) != 1 || ops[0].Op != "zadd_scheduled" || ops[0].Score != float64(due.Unix()) {
		t.Errorf("ops = %v", ops)
	}
}

func TestMoveToDLQ(t *testing.T) {
	f := &fakeBackend{}
	m := newTestManager(f)

	if err := m.MoveToDLQ(context.Background(), "t-1"); err != nil {
		t.Fatalf("MoveToDLQ: %v", err)
	}
	call := f.calls[0]
	if call.args[1] != "FAILED" || call.args[2] != "DLQ" {
		t.Errorf("states = %v -> %v", call.args[1], call.args[2])
	}
	patch, ops := decodeCall(t, call)
	if patch["dlq_at"] == "" {
		t.Errorf("patch = %v", patch)
	}
	if len(ops) != 2 || ops[0].Op != "copy_dlq" || ops[1].Op != "push_dlq" {
		t.Errorf("ops = %v", ops)
	}
}

func TestRequeueFromBreaker(t *testing.T) {
	f := &fakeBackend{}
	m := newTestManager(f)
	due := testNow.Add(5 * time.Second)

	if err := m.RequeueFromBreaker(context.Background(), "t-1", "worker-a", due); err != nil {
		t.Fatalf("RequeueFromBreaker: %v", err)
	}
	call := f.calls[0]
	if call.args[1] != "ACTIVE" || call.args[2] != "SCHEDULED" {
		t.Errorf("states = %v -> %v", call.args[1], call.args[2])
	}
	patch, ops := decodeCall(t, call)
	if _, ok := patch["retry_count"]; ok {
		t.Error("breaker requeue must not touch retry_count")
	}
	if len(ops) != 2 || ops[0].Op != "srem_active" || ops[1].Op != "zadd_scheduled" {
		t.Errorf("ops = %v", ops)
	}
}

func TestPromoteScheduled(t *testing.T) {
	f := &fakeBackend{}
	m := newTestManager(f)

	if err := m.PromoteScheduled(context.Background(), "t-1"); err != nil {
		t.Fatalf("PromoteScheduled: %v", err)
	}
	call := f.calls[0]
	if call.args[1] != "SCHEDULED" || call.args[2] != "PENDING" {
		t.Errorf("states = %v -> %v", call.args[1], call.args[2])
	}
	_, ops := decodeCall(t, call)
	if len(ops) != 2 || ops[0].Op != "zrem_scheduled" || ops[1].Op != "push_retry" {
		t.Errorf("ops = %v", ops)
	}
}

func TestManualRetryFailed(t *testing.T) {
	f := &fakeBackend{}
	m := newTestManager(f)

	if err := m.ManualRetry(context.Background(), "t-1"); err != nil {
		t.Fatalf("ManualRetry: %v", err)
	}
	if len(f.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(f.calls))
	}
	call := f.calls[0]
	if call.args[1] != "FAILED" || call.args[2] != "PENDING" {
		t.Errorf("states = %v -> %v", call.args[1], call.args[2])
	}
	patch, ops := decodeCall(t, call)
	if patch["retry_count"] != "0" {
		t.Errorf("patch = %v", patch)
	}
	if len(ops) != 1 || ops[0].Op != "push_retry" {
		t.Errorf("ops = %v", ops)
	}
}

func TestManualRetryFromDLQ(t *testing.T) {
	f := &fakeBackend{results: []interface{}{
		[]interface{}{int64(0), "DLQ"},
		[]interface{}{int64(1)},
	}}
	m := newTestManager(f)

	if err := m.ManualRetry(context.Background(), "t-9"); err != nil {
		t.Fatalf("ManualRetry: %v", err)
	}
	if len(f.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(f.calls))
	}
	second := f.calls[1]
	if second.args[1] != "DLQ" || second.args[2] != "PENDING" {
		t.Errorf("states = %v -> %v", second.args[1], second.args[2])
	}
	patch, ops := decodeCall(t, second)
	if patch["retry_count"] != "0" {
		t.Errorf("patch = %v", patch)
	}
	if len(ops) != 3 || ops[0].Op != "rem_dlq" || ops[1].Op != "del_dlq_copy" || ops[2].Op != "push_retry" {
		t.Errorf("ops = %v", ops)
	}
}

func TestManualRetryConflictPassthrough(t *testing.T) {
	f := &fakeBackend{results: []interface{}{[]interface{}{int64(0), "ACTIVE"}}}
	m := newTestManager(f)

	err := m.ManualRetry(context.Background(), "t-1")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if len(f.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(f.calls))
	}
}

func TestRecordError(t *testing.T) {
	f := &fakeBackend{}
	m := newTestManager(f)

	ev := ErrorEvent{Error: "boom", ErrorType: "Transient/Network", RetryCount: 2, Transition: "ACTIVE->FAILED"}
	if err := m.RecordError(context.Background(), "t-1", ev); err != nil {
		t.Fatalf("RecordError: %v", err)
	}
	call := f.calls[0]
	if call.script != recordErrorScript {
		t.Error("wrong script invoked")
	}
	if len(call.keys) != 1 || call.keys[0] != "task:t-1" {
		t.Errorf("keys = %v", call.keys)
	}
	if call.args[0] != "Transient/Network" || call.args[1] != "boom" || call.args[2] != 2 {
		t.Errorf("args = %v", call.args)
	}
}

func TestRecordErrorMissing(t *testing.T) {
	f := &fakeBackend{results: []interface{}{[]interface{}{int64(0)}}}
	m := newTestManager(f)

	ev := ErrorEvent{Error: "boom", ErrorType: "Internal"}
	if err := m.RecordError(context.Background(), "t-1", ev); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	f := &fakeBackend{}
	m := newTestManager(f)

	if err := m.Delete(context.Background(), "t-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if f.calls[0].script != deleteScript {
		t.Error("wrong script invoked")
	}

	f.results = []interface{}{[]interface{}{int64(0), "missing"}}
	if err := m.Delete(context.Background(), "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDequeueNextOrder(t *testing.T) {
	f := &fakeBackend{popServedKey: store.KeyRetryQueue, popValue: "t-3"}
	m := newTestManager(f)

	id, fromRetry, err := m.DequeueNext(context.Background(), true, time.Second)
	if err != nil || id != "t-3" || !fromRetry {
		t.Fatalf("got (%q, %v, %v)", id, fromRetry, err)
	}
	if f.popKeys[0] != store.KeyRetryQueue || f.popKeys[1] != store.KeyPrimaryQueue {
		t.Errorf("retry-first order = %v", f.popKeys)
	}

	f.popServedKey = store.KeyPrimaryQueue
	if _, fromRetry, _ = m.DequeueNext(context.Background(), false, time.Second); fromRetry {
		t.Error("primary pop reported as retry")
	}
	if f.popKeys[0] != store.KeyPrimaryQueue || f.popKeys[1] != store.KeyRetryQueue {
		t.Errorf("primary-first order = %v", f.popKeys)
	}
}

func TestDequeueNextTimeout(t *testing.T) {
	f := &fakeBackend{}
	m := newTestManager(f)

	id, fromRetry, err := m.DequeueNext(context.Background(), false, time.Second)
	if err != nil || id != "" || fromRetry {
		t.Fatalf("got (%q, %v, %v), want empty timeout result", id, fromRetry, err)
	}
}

func TestQueueDepths(t *testing.T) {
	f := &fakeBackend{
		lists: map[string][]string{
			store.KeyPrimaryQueue: {"a", "b"},
			store.KeyRetryQueue:   {"c"},
			store.KeyDLQList:      {},
		},
		zcard: 4,
	}
	m := newTestManager(f)

	depths, err := m.QueueDepths(context.Background())
	if err != nil {
		t.Fatalf("QueueDepths: %v", err)
	}
	if depths["primary"] != 2 || depths["retry"] != 1 || depths["scheduled"] != 4 || depths["dlq"] != 0 {
		t.Errorf("depths = %v", depths)
	}
}

func TestStateCounts(t *testing.T) {
	f := &fakeBackend{counters: map[string]int64{
		store.StateCounterKey("PENDING"):   7,
		store.StateCounterKey("COMPLETED"): 42,
	}}
	m := newTestManager(f)

	counts, err := m.StateCounts(context.Background())
	if err != nil {
		t.Fatalf("StateCounts: %v", err)
	}
	if counts["PENDING"] != 7 || counts["COMPLETED"] != 42 || counts["DLQ"] != 0 {
		t.Errorf("counts = %v", counts)
	}
	if len(counts) != len(States) {
		t.Errorf("counts has %d entries, want %d", len(counts), len(States))
	}
}

func TestAdaptiveRetryRatio(t *testing.T) {
	m := newTestManager(&fakeBackend{})
	cases := []struct {
		depth int64
		want  float64
	}{
		{0, 0.30},
		{999, 0.30},
		{1000, 0.20},
		{4999, 0.20},
		{5000, 0.10},
		{50000, 0.10},
	}
	for _, tc := range cases {
		if got := m.AdaptiveRetryRatio(tc.depth); got != tc.want {
			t.Errorf("ratio(%d) = %v, want %v", tc.depth, got, tc.want)
		}
	}
}

func TestRequeueOrphaned(t *testing.T) {
	f := &fakeBackend{
		scanned: []string{"task:a", "task:b"},
		results: []interface{}{
			[]interface{}{int64(1)},
			[]interface{}{int64(0)},
		},
	}
	m := newTestManager(f)

	n, err := m.RequeueOrphaned(context.Background())
	if err != nil {
		t.Fatalf("RequeueOrphaned: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued = %d, want 1", n)
	}
	first := f.calls[0]
	if first.script != requeueOrphanScript {
		t.Error("wrong script invoked")
	}
	if len(first.keys) != 5 || first.keys[0] != "task:a" {
		t.Errorf("keys = %v", first.keys)
	}
	if first.args[0] != "a" {
		t.Errorf("args = %v", first.args)
	}
}

func TestList(t *testing.T) {
	mk := func(id, typ, state string, created time.Time) map[string]string {
		return map[string]string{
			"task_id":    id,
			"task_type":  typ,
			"state":      state,
			"created_at": formatTime(created),
		}
	}
	f := &fakeBackend{
		scanned: []string{"task:a", "task:b", "task:c"},
		hashes: map[string]map[string]string{
			"task:a": mk("a", "echo", "COMPLETED", testNow.Add(-3*time.Minute)),
			"task:b": mk("b", "summarize", "PENDING", testNow.Add(-2*time.Minute)),
			"task:c": mk("c", "echo", "PENDING", testNow.Add(-1*time.Minute)),
		},
	}
	m := newTestManager(f)

	all, total, err := m.List(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(all) != 3 {
		t.Fatalf("total = %d, page = %d", total, len(all))
	}
	if all[0].ID != "c" || all[1].ID != "b" || all[2].ID != "a" {
		t.Errorf("order = %s %s %s, want newest first", all[0].ID, all[1].ID, all[2].ID)
	}

	pending, total, err := m.List(context.Background(), ListOptions{State: StatePending})
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if total != 2 || len(pending) != 2 {
		t.Errorf("pending total = %d, page = %d", total, len(pending))
	}

	echoOnly, _, err := m.List(context.Background(), ListOptions{Type: "echo"})
	if err != nil {
		t.Fatalf("List by type: %v", err)
	}
	if len(echoOnly) != 2 {
		t.Errorf("echo tasks = %d, want 2", len(echoOnly))
	}

	page, total, err := m.List(context.Background(), ListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List paged: %v", err)
	}
	if total != 3 || len(page) != 1 || page[0].ID != "b" {
		t.Errorf("page = %+v, total = %d", page, total)
	}

	empty, total, err := m.List(context.Background(), ListOptions{Offset: 10})
	if err != nil {
		t.Fatalf("List past end: %v", err)
	}
	if total != 3 || len(empty) != 0 {
		t.Errorf("past-end page = %d items", len(empty))
	}

	oldest, _, err := m.List(context.Background(), ListOptions{Ascending: true})
	if err != nil {
		t.Fatalf("List ascending: %v", err)
	}
	if oldest[0].ID != "a" || oldest[1].ID != "b" || oldest[2].ID != "c" {
		t.Errorf("order = %s %s %s, want oldest first", oldest[0].ID, oldest[1].ID, oldest[2].ID)
	}
}

func TestDLQListFallback(t *testing.T) {
	f := &fakeBackend{
		lists: map[string][]string{store.KeyDLQList: {"gone", "live"}},
		hashes: map[string]map[string]string{
			"task:live":     {"task_id": "live", "state": "DLQ"},
			"dlq:task:gone": {"task_id": "gone", "state": "DLQ"},
		},
	}
	m := newTestManager(f)

	tasks, err := m.DLQList(context.Background(), 10)
	if err != nil {
		t.Fatalf("DLQList: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	if tasks[0].ID != "gone" || tasks[1].ID != "live" {
		t.Errorf("ids = %s %s", tasks[0].ID, tasks[1].ID)
	}
}

func TestDueScheduled(t *testing.T) {
	f := &fakeBackend{due: []string{"t-1", "t-2"}}
	m := newTestManager(f)

	ids, err := m.DueScheduled(context.Background(), testNow, 100)
	if err != nil {
		t.Fatalf("DueScheduled: %v", err)
	}
	if len(ids) != 2 || ids[0] != "t-1" {
		t.Errorf("ids = %v", ids)
	}

	if err := m.RemoveScheduled(context.Background(), "t-1"); err != nil {
		t.Fatalf("RemoveScheduled: %v", err)
	}
	if len(f.removed) != 1 || f.removed[0] != "t-1" {
		t.Errorf("removed = %v", f.removed)
	}
}

func TestApplyBackendError(t *testing.T) {
	f := &fakeBackend{scriptErr: errors.New("connection reset")}
	m := newTestManager(f)

	if err := m.Activate(context.Background(), "t-1", "worker-a"); err == nil {
		t.Fatal("expected backend error to propagate")
	}
}
