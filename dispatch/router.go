// Package dispatch runs the worker's consumption pipeline: queue
// selection, activation, breaker and rate-limit gating, handler
// invocation and failure routing.
package dispatch

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"net"
	"time"

	"github.com/itskum47/taskforge/handler"
	"github.com/itskum47/taskforge/observability"
	"github.com/itskum47/taskforge/ratelimit"
	"github.com/itskum47/taskforge/task"
)

// Tasks is the lifecycle surface the dispatcher and router drive.
// *task.Manager satisfies it.
type Tasks interface {
	RetryRatio(ctx context.Context) (float64, error)
	DequeueNext(ctx context.Context, preferRetry bool, timeout time.Duration) (string, bool, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	Activate(ctx context.Context, id, workerID string) error
	Complete(ctx context.Context, id, workerID, result string) error
	Fail(ctx context.Context, id, workerID, errMsg, errType string) error
	ScheduleRetry(ctx context.Context, id string, retryCount int, due time.Time) error
	MoveToDLQ(ctx context.Context, id string) error
	RequeueFromBreaker(ctx context.Context, id, workerID string, due time.Time) error
	RecordError(ctx context.Context, id string, ev task.ErrorEvent) error
}

// Routing decisions, also used as log vocabulary.
const (
	DecisionRetry   = "retry"
	DecisionDLQ     = "dlq"
	DecisionRequeue = "requeue"
)

// Classify maps any handler failure to a typed error. Typed handler
// errors pass through; sentinels and net errors get their table class;
// everything else is Transient/Default.
func Classify(err error) *handler.Error {
	if err == nil {
		return nil
	}
	var herr *handler.Error
	if errors.As(err, &herr) {
		return herr
	}
	if errors.Is(err, ratelimit.ErrAcquireTimeout) {
		return handler.NewTransient(handler.ClassRateLimit, "no rate limit token before the wait ceiling")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return handler.NewTransient(handler.ClassTimeout, "deadline exceeded: "+err.Error())
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return handler.NewTransient(handler.ClassNetwork, nerr.Error())
	}
	return handler.NewTransient(handler.ClassDefault, err.Error())
}

// RouterConfig carries the backoff schedules and DLQ cutoffs.
type RouterConfig struct {
	// Schedules maps schedule names to per-attempt delays in seconds.
	Schedules map[string][]int
	// MaxTaskAge stops retries for tasks older than this. Zero disables
	// the age cutoff.
	MaxTaskAge time.Duration
	// RequeueDelay is the scheduled delay for circuit-open requeues.
	RequeueDelay time.Duration
}

func defaultSchedules() map[string][]int {
	return map[string][]int{
		"rate_limit":          {60, 120, 300, 600},
		"service_unavailable": {5, 10, 30, 60, 120},
		"credits":             {300, 600, 1800},
		"network":             {2, 5, 10, 30, 60},
		"default":             {5, 15, 60, 300},
	}
}

func (c *RouterConfig) applyDefaults() {
	if c.Schedules == nil {
		c.Schedules = defaultSchedules()
	}
	if c.MaxTaskAge == 0 {
		c.MaxTaskAge = 2 * time.Hour
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = 5 * time.Second
	}
}

// Router turns handler failures into retry schedules or DLQ moves.
type Router struct {
	tasks  Tasks
	cfg    RouterConfig
	now    func() time.Time
	jitter func() float64
}

func NewRouter(tasks Tasks, cfg RouterConfig) *Router {
	cfg.applyDefaults()
	return &Router{
		tasks: tasks,
		cfg:   cfg,
		now:   time.Now,
		jitter: func() float64 {
			return rand.Float64() * 0.1
		},
	}
}

func scheduleKey(class handler.Class) string {
	switch class {
	case handler.ClassRateLimit:
		return "rate_limit"
	case handler.ClassServiceUnavailable:
		return "service_unavailable"
	case handler.ClassCredits:
		return "credits"
	case handler.ClassNetwork:
		return "network"
	default:
		return "default"
	}
}

// Backoff returns the delay before retry attempt k (0-indexed). Past
// the end of a schedule the last entry repeats.
func (r *Router) Backoff(class handler.Class, attempt int) time.Duration {
	schedule := r.cfg.Schedules[scheduleKey(class)]
	if len(schedule) == 0 {
		schedule = defaultSchedules()["default"]
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(schedule) {
		attempt = len(schedule) - 1
	}
	base := float64(schedule[attempt])
	return time.Duration(base * (1 + r.jitter()) * float64(time.Second))
}

// Route records the failure and moves the ACTIVE task to its next
// state. Circuit-open failures requeue without consuming an attempt;
// everything else goes through FAILED and then either the scheduled
// set or the DLQ.
func (r *Router) Route(ctx context.Context, t *task.Task, workerID string, cause error) (string, error) {
	herr := Classify(cause)

	if herr.Class == handler.ClassCircuitOpen {
		due := r.now().Add(r.cfg.RequeueDelay)
		if err := r.tasks.RequeueFromBreaker(ctx, t.ID, workerID, due); err != nil {
			return "", err
		}
		r.record(ctx, t, herr, "ACTIVE->SCHEDULED")
		return DecisionRequeue, nil
	}

	if err := r.tasks.Fail(ctx, t.ID, workerID, herr.Error(), string(herr.Class)); err != nil {
		return "", err
	}

	now := r.now()
	exhausted := t.RetryCount >= t.MaxRetries
	tooOld := r.cfg.MaxTaskAge > 0 && t.Age(now) >= r.cfg.MaxTaskAge
	if !herr.Class.Transient() || exhausted || tooOld {
		r.record(ctx, t, herr, "FAILED->DLQ")
		if err := r.tasks.MoveToDLQ(ctx, t.ID); err != nil {
			return "", err
		}
		observability.TasksProcessed.WithLabelValues(t.Type, "dlq").Inc()
		return DecisionDLQ, nil
	}

	delay := r.Backoff(herr.Class, t.RetryCount)
	r.record(ctx, t, herr, "FAILED->SCHEDULED")
	if err := r.tasks.ScheduleRetry(ctx, t.ID, t.RetryCount+1, now.Add(delay)); err != nil {
		return "", err
	}
	observability.TaskRetries.WithLabelValues(string(herr.Class)).Inc()
	return DecisionRetry, nil
}

// record appends to the error history. RetryCount is the attempt that
// failed, before any increment.
func (r *Router) record(ctx context.Context, t *task.Task, herr *handler.Error, transition string) {
	ev := task.ErrorEvent{
		Error:      herr.Error(),
		ErrorType:  string(herr.Class),
		RetryCount: t.RetryCount,
		Transition: transition,
		Timestamp:  r.now(),
	}
	if err := r.tasks.RecordError(ctx, t.ID, ev); err != nil {
		log.Printf("Error history write failed for task %s: %v", t.ID, err)
	}
}
