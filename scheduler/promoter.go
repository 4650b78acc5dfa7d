// Package scheduler sweeps the scheduled set and promotes due tasks
// back onto the retry queue. Every worker runs a promoter; the CAS
// transition makes concurrent sweeps safe.
package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/itskum47/taskforge/observability"
	"github.com/itskum47/taskforge/task"
)

// Tasks is the slice of the task manager the promoter needs.
type Tasks interface {
	DueScheduled(ctx context.Context, now time.Time, batch int64) ([]string, error)
	PromoteScheduled(ctx context.Context, id string) error
	RemoveScheduled(ctx context.Context, id string) error
}

// Promoter periodically moves due scheduled tasks to the retry queue.
type Promoter struct {
	tasks Tasks
	tick  time.Duration
	batch int64

	now func() time.Time
}

func NewPromoter(tasks Tasks, tick time.Duration, batch int) *Promoter {
	if tick <= 0 {
		tick = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Promoter{
		tasks: tasks,
		tick:  tick,
		batch: int64(batch),
		now:   time.Now,
	}
}

// Run sweeps until the context is cancelled.
func (p *Promoter) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	log.Printf("Scheduler started (tick %v, batch %d)", p.tick, p.batch)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Scheduler stopped")
			return
		case <-ticker.C:
			if n, err := p.PromoteDue(ctx); err != nil {
				log.Printf("Scheduler sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("Scheduler promoted %d due tasks", n)
			}
		}
	}
}

// PromoteDue runs one sweep and returns how many tasks were promoted.
// Promotion conflicts are normal when several workers sweep at once;
// the loser drops the id because the winner's transition already moved
// the queue memberships.
func (p *Promoter) PromoteDue(ctx context.Context) (int, error) {
	ids, err := p.tasks.DueScheduled(ctx, p.now(), p.batch)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return promoted, ctx.Err()
		}
		err := p.tasks.PromoteScheduled(ctx, id)
		switch {
		case err == nil:
			promoted++
			observability.ScheduledPromotions.Inc()
		case errors.Is(err, task.ErrConflict):
			// Lost the race; nothing to clean up.
		case errors.Is(err, task.ErrNotFound):
			// Record is gone but the set entry survived (expired key).
			if rerr := p.tasks.RemoveScheduled(ctx, id); rerr != nil {
				log.Printf("Scheduler cleanup for %s: %v", id, rerr)
			}
		default:
			return promoted, err
		}
	}
	return promoted, nil
}
