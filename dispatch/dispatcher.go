package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itskum47/taskforge/handler"
	"github.com/itskum47/taskforge/observability"
	"github.com/itskum47/taskforge/task"
)

// TokenSource hands out shared rate-limit tokens.
type TokenSource interface {
	Acquire(ctx context.Context, timeout time.Duration) error
}

// Config carries the dispatcher's per-worker knobs.
type Config struct {
	WorkerID    string
	Concurrency int
	PopTimeout  time.Duration
	SoftLimit   time.Duration
	HardLimit   time.Duration
	// TokenWait caps how long a task waits for its rate-limit token.
	TokenWait time.Duration
	// Grace is how long in-flight handlers get to finish after
	// shutdown begins before their contexts are cancelled.
	Grace time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = 5 * time.Second
	}
	if c.SoftLimit <= 0 {
		c.SoftLimit = 600 * time.Second
	}
	if c.HardLimit <= c.SoftLimit {
		c.HardLimit = c.SoftLimit + 300*time.Second
	}
	if c.TokenWait <= 0 {
		c.TokenWait = 30 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
}

// Dispatcher pops task ids, runs handlers and routes the outcomes.
// One Dispatcher runs Concurrency independent loops.
type Dispatcher struct {
	tasks    Tasks
	registry *handler.Registry
	router   *Router
	breaker  CallBreaker
	limiter  TokenSource
	gate     handler.ProviderGate
	cfg      Config

	inFlight atomic.Int64
	now      func() time.Time
	draw     func() float64
}

func NewDispatcher(tasks Tasks, registry *handler.Registry, router *Router, breaker CallBreaker, limiter TokenSource, gate handler.ProviderGate, cfg Config) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		tasks:    tasks,
		registry: registry,
		router:   router,
		breaker:  breaker,
		limiter:  limiter,
		gate:     gate,
		cfg:      cfg,
		now:      time.Now,
		draw:     rand.Float64,
	}
}

// InFlight reports how many tasks this worker currently holds. The
// heartbeat writer reads it.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

// Run starts the dispatch loops and blocks until they all drain after
// ctx is cancelled. New pops stop immediately; in-flight handlers get
// Grace to finish before their contexts are cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("Dispatcher started (worker %s, concurrency %d)", d.cfg.WorkerID, d.cfg.Concurrency)

	// Task execution runs on its own context so shutdown can drain.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(d.cfg.Grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			log.Printf("Shutdown grace %v elapsed, cancelling in-flight tasks", d.cfg.Grace)
			cancelWork()
		case <-workCtx.Done():
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d.loop(ctx, workCtx, n)
		}(i)
	}
	wg.Wait()
	log.Printf("Dispatcher stopped (worker %s)", d.cfg.WorkerID)
}

func (d *Dispatcher) loop(ctx, workCtx context.Context, n int) {
	for ctx.Err() == nil {
		ratio, err := d.tasks.RetryRatio(ctx)
		if err != nil {
			ratio = 0.30
		}
		preferRetry := d.draw() < ratio

		id, fromRetry, err := d.tasks.DequeueNext(ctx, preferRetry, d.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Dispatch loop %d: dequeue failed: %v", n, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if id == "" {
			continue
		}
		d.execute(workCtx, id, fromRetry)
	}
}

// execute runs one task end to end. Conflicts on activation mean
// another worker holds the task; the id is simply dropped.
func (d *Dispatcher) execute(ctx context.Context, id string, fromRetry bool) {
	t, err := d.tasks.Get(ctx, id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			log.Printf("Task %s: record missing after pop, dropping", id)
			return
		}
		log.Printf("Task %s: read failed: %v", id, err)
		return
	}

	if err := d.tasks.Activate(ctx, id, d.cfg.WorkerID); err != nil {
		if errors.Is(err, task.ErrConflict) || errors.Is(err, task.ErrNotFound) {
			return
		}
		log.Printf("Task %s: activation failed: %v", id, err)
		return
	}

	d.inFlight.Add(1)
	observability.InFlight.Inc()
	defer func() {
		d.inFlight.Add(-1)
		observability.InFlight.Dec()
	}()

	if !d.breaker.Allow() {
		due := d.now().Add(d.router.cfg.RequeueDelay)
		if err := d.tasks.RequeueFromBreaker(ctx, id, d.cfg.WorkerID, due); err != nil {
			log.Printf("Task %s: breaker requeue failed: %v", id, err)
		}
		return
	}

	// One shared token per task, charged before the handler runs. A
	// timed-out acquire is routed like any other transient failure.
	if err := d.limiter.Acquire(ctx, d.cfg.TokenWait); err != nil {
		herr := Classify(err)
		decision, rerr := d.router.Route(ctx, t, d.cfg.WorkerID, herr)
		if rerr != nil {
			log.Printf("Task %s: routing failed after %s: %v", id, herr.Class, rerr)
			return
		}
		log.Printf("Task %s held at rate limit (%s) -> %s", id, t.Type, decision)
		return
	}

	queue := "primary"
	if fromRetry {
		queue = "retry"
	}
	log.Printf("Task %s started (%s, attempt %d, from %s)", id, t.Type, t.RetryCount, queue)

	start := d.now()
	result, herr := d.invoke(ctx, t)
	elapsed := d.now().Sub(start)
	observability.TaskDuration.WithLabelValues(t.Type).Observe(elapsed.Seconds())

	if herr == nil {
		if err := d.tasks.Complete(ctx, id, d.cfg.WorkerID, result); err != nil {
			log.Printf("Task %s: completion failed: %v", id, err)
			return
		}
		observability.TasksProcessed.WithLabelValues(t.Type, "completed").Inc()
		log.Printf("Task %s completed (%s, %.2fs)", id, t.Type, elapsed.Seconds())
		return
	}

	decision, err := d.router.Route(ctx, t, d.cfg.WorkerID, herr)
	if err != nil {
		log.Printf("Task %s: routing failed after %s: %v", id, herr.Class, err)
		return
	}
	log.Printf("Task %s failed (%s): %s -> %s", id, t.Type, herr.Class, decision)
}

// invoke runs the handler under the soft deadline. The soft limit
// cancels the handler context; the hard limit abandons a handler that
// ignores cancellation and classifies the task as timed out.
func (d *Dispatcher) invoke(parent context.Context, t *task.Task) (string, *handler.Error) {
	h, ok := d.registry.Get(t.Type)
	if !ok {
		return "", handler.NewPermanent("unsupported_type", "no handler registered for type "+t.Type)
	}

	softCtx, cancel := context.WithTimeout(parent, d.cfg.SoftLimit)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: handler.NewInternal(fmt.Sprintf("handler panic: %v", r), nil)}
			}
		}()
		res, err := h.Handle(&handler.Context{
			Context:  softCtx,
			Task:     t,
			WorkerID: d.cfg.WorkerID,
			Gate:     d.gate,
		})
		done <- outcome{result: res, err: err}
	}()

	hard := time.NewTimer(d.cfg.HardLimit)
	defer hard.Stop()
	select {
	case out := <-done:
		if out.err != nil {
			return "", Classify(out.err)
		}
		return out.result, nil
	case <-hard.C:
		cancel()
		log.Printf("Task %s abandoned at hard limit %v", t.ID, d.cfg.HardLimit)
		return "", handler.NewTransient(handler.ClassTimeout,
			fmt.Sprintf("handler exceeded hard limit %v", d.cfg.HardLimit))
	}
}
