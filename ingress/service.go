// Package ingress is the transport-neutral operation surface the API
// server exposes. Every operation returns either a result or a
// structured Error with a stable code.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/taskforge/dispatch"
	"github.com/itskum47/taskforge/handler"
	"github.com/itskum47/taskforge/ratelimit"
	"github.com/itskum47/taskforge/store"
	"github.com/itskum47/taskforge/task"
)

const maxTaskIDLen = 128

// Tasks is the lifecycle surface ingress drives. *task.Manager
// satisfies it.
type Tasks interface {
	Create(ctx context.Context, id, taskType, payload string, maxRetries int) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts task.ListOptions) ([]*task.Task, int, error)
	ManualRetry(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	RequeueOrphaned(ctx context.Context) (int, error)
	QueueDepths(ctx context.Context) (map[string]int64, error)
	StateCounts(ctx context.Context) (map[string]int64, error)
	RetryRatio(ctx context.Context) (float64, error)
	DLQList(ctx context.Context, limit int64) ([]*task.Task, error)
}

// LimiterStatus reads the shared token bucket for queue status views.
type LimiterStatus interface {
	Status(ctx context.Context) (ratelimit.Status, error)
}

// Bus publishes operator control broadcasts.
type Bus interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// Service implements the ingress contract over the task manager.
type Service struct {
	tasks             Tasks
	registry          *handler.Registry
	limiter           LimiterStatus
	bus               Bus
	defaultMaxRetries int
	now               func() time.Time
}

func NewService(tasks Tasks, registry *handler.Registry, limiter LimiterStatus, bus Bus, defaultMaxRetries int) *Service {
	if defaultMaxRetries < 0 {
		defaultMaxRetries = 3
	}
	return &Service{
		tasks:             tasks,
		registry:          registry,
		limiter:           limiter,
		bus:               bus,
		defaultMaxRetries: defaultMaxRetries,
		now:               time.Now,
	}
}

// SubmitRequest is the task submission wire shape. ID is optional;
// supplying one makes the submit idempotent for that id.
type SubmitRequest struct {
	ID         string          `json:"task_id,omitempty"`
	Type       string          `json:"task_type"`
	Payload    json.RawMessage `json:"payload"`
	MaxRetries *int            `json:"max_retries,omitempty"`
}

// Submit validates, registers and enqueues a new task.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*TaskView, error) {
	taskType := strings.TrimSpace(req.Type)
	if taskType == "" {
		return nil, NewError(CodeValidation, "task_type is required")
	}
	if err := s.registry.CheckDependencies(taskType); err != nil {
		return nil, dependencyError(taskType, err)
	}

	if len(req.Payload) == 0 {
		return nil, NewError(CodeValidation, "payload is required")
	}
	if !json.Valid(req.Payload) {
		return nil, NewError(CodeValidation, "payload must be valid JSON")
	}

	maxRetries := s.defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 || maxRetries > 100 {
		return nil, NewError(CodeValidation, "max_retries must be between 0 and 100")
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	} else if len(id) > maxTaskIDLen {
		return nil, NewError(CodeValidation, "task_id must be at most %d characters", maxTaskIDLen)
	}

	t, err := s.tasks.Create(ctx, id, taskType, string(req.Payload), maxRetries)
	if err != nil {
		return nil, wrap(err)
	}
	log.Printf("Task %s submitted (%s, max_retries %d)", t.ID, t.Type, t.MaxRetries)
	return NewTaskView(t, s.now()), nil
}

func dependencyError(taskType string, err error) *Error {
	var herr *handler.Error
	if errors.As(err, &herr) && herr.Subtype == "unsupported_type" {
		return NewError(CodeValidation, "unknown task_type %q", taskType)
	}
	return NewError(CodeDependencyMissing, "task_type %q unavailable: %v", taskType, err)
}

func (s *Service) Get(ctx context.Context, id string) (*TaskView, error) {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, wrap(err)
	}
	return NewTaskView(t, s.now()), nil
}

// ListRequest filters and pages the task listing. State is
// case-insensitive. Sort accepts "created_at_desc" (the default) and
// "created_at_asc".
type ListRequest struct {
	State  string
	Type   string
	Limit  int
	Offset int
	Sort   string
}

type ListResult struct {
	Tasks  []*TaskView `json:"tasks"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

func (s *Service) List(ctx context.Context, req ListRequest) (*ListResult, error) {
	opts := task.ListOptions{
		Type:   req.Type,
		Limit:  req.Limit,
		Offset: req.Offset,
	}
	if req.State != "" {
		state := task.State(strings.ToUpper(req.State))
		if !state.Valid() {
			return nil, NewError(CodeValidation, "unknown state %q", req.State)
		}
		opts.State = state
	}
	if req.Limit < 0 || req.Offset < 0 {
		return nil, NewError(CodeValidation, "limit and offset must not be negative")
	}
	switch req.Sort {
	case "", "created_at_desc":
	case "created_at_asc":
		opts.Ascending = true
	default:
		return nil, NewError(CodeValidation, "unknown sort %q", req.Sort)
	}

	tasks, total, err := s.tasks.List(ctx, opts)
	if err != nil {
		return nil, wrap(err)
	}

	now := s.now()
	views := make([]*TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, NewTaskView(t, now))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	return &ListResult{Tasks: views, Total: total, Limit: limit, Offset: opts.Offset}, nil
}

// Retry replays a FAILED or DLQ task from scratch. A task already back
// in PENDING is treated as replayed, so double submission of the same
// retry is harmless.
func (s *Service) Retry(ctx context.Context, id string) (*TaskView, error) {
	if err := s.tasks.ManualRetry(ctx, id); err != nil {
		var conflict *task.ConflictError
		if errors.As(err, &conflict) && conflict.Observed == task.StatePending {
			log.Printf("Task %s retry: already pending, no-op", id)
		} else {
			return nil, wrap(err)
		}
	} else {
		log.Printf("Task %s manually retried", id)
	}
	return s.Get(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.tasks.Delete(ctx, id); err != nil {
		return wrap(err)
	}
	log.Printf("Task %s deleted", id)
	return nil
}

// RequeueOrphaned returns PENDING records missing from every queue to
// the retry queue. Run after unclean worker restarts.
func (s *Service) RequeueOrphaned(ctx context.Context) (int, error) {
	n, err := s.tasks.RequeueOrphaned(ctx)
	if err != nil {
		return 0, wrap(err)
	}
	if n > 0 {
		log.Printf("Requeued %d orphaned tasks", n)
	}
	return n, nil
}

// QueueStatus is the combined live view of queues, states and the
// shared rate limit.
type QueueStatus struct {
	QueueDepths map[string]int64  `json:"queue_depths"`
	StateCounts map[string]int64  `json:"state_counts"`
	RetryRatio  float64           `json:"retry_ratio"`
	RateLimit   *ratelimit.Status `json:"rate_limit,omitempty"`
}

func (s *Service) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	depths, err := s.tasks.QueueDepths(ctx)
	if err != nil {
		return nil, wrap(err)
	}
	counts, err := s.tasks.StateCounts(ctx)
	if err != nil {
		return nil, wrap(err)
	}
	ratio, err := s.tasks.RetryRatio(ctx)
	if err != nil {
		return nil, wrap(err)
	}

	status := &QueueStatus{QueueDepths: depths, StateCounts: counts, RetryRatio: ratio}
	if s.limiter != nil {
		if rl, err := s.limiter.Status(ctx); err == nil {
			status.RateLimit = &rl
		} else {
			log.Printf("Rate limit status read failed: %v", err)
		}
	}
	return status, nil
}

func (s *Service) DLQList(ctx context.Context, limit int) ([]*TaskView, error) {
	if limit < 0 {
		return nil, NewError(CodeValidation, "limit must not be negative")
	}
	tasks, err := s.tasks.DLQList(ctx, int64(limit))
	if err != nil {
		return nil, wrap(err)
	}
	now := s.now()
	views := make([]*TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, NewTaskView(t, now))
	}
	return views, nil
}

// ResetAllCircuits broadcasts a force-close to every worker breaker.
func (s *Service) ResetAllCircuits(ctx context.Context) error {
	return s.control(ctx, dispatch.ControlMessage{Action: dispatch.ActionResetBreakers})
}

// OpenAllCircuits broadcasts a force-open, pausing provider calls
// fleet-wide.
func (s *Service) OpenAllCircuits(ctx context.Context) error {
	return s.control(ctx, dispatch.ControlMessage{Action: dispatch.ActionOpenBreakers})
}

// UpdateRateLimit broadcasts a new shared token bucket config.
func (s *Service) UpdateRateLimit(ctx context.Context, maxRequests, windowSecs int) error {
	if maxRequests <= 0 || windowSecs <= 0 {
		return NewError(CodeValidation, "max_requests and window_seconds must be positive")
	}
	return s.control(ctx, dispatch.ControlMessage{
		Action:        dispatch.ActionUpdateRateLimit,
		MaxRequests:   maxRequests,
		WindowSeconds: windowSecs,
	})
}

func (s *Service) control(ctx context.Context, msg dispatch.ControlMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return wrap(err)
	}
	if err := s.bus.Publish(ctx, store.ChannelWorkerControl, payload); err != nil {
		return wrap(err)
	}
	log.Printf("Control broadcast: %s", msg.Action)
	return nil
}
