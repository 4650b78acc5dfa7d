package archive

import (
	"context"
	"errors"
	"log"

	"github.com/itskum47/taskforge/events"
	"github.com/itskum47/taskforge/observability"
	"github.com/itskum47/taskforge/task"
)

// Source loads the live record for an archived id. *task.Manager
// satisfies it.
type Source interface {
	Get(ctx context.Context, id string) (*task.Task, error)
}

// Sink persists a terminal record. *Store satisfies it.
type Sink interface {
	Record(ctx context.Context, t *task.Task) error
}

// Consumer watches the event stream and archives tasks as they reach a
// terminal state. Archive failures are logged and dropped; the broker
// never waits on Postgres.
type Consumer struct {
	source Source
	sink   Sink
}

func NewConsumer(source Source, sink Sink) *Consumer {
	return &Consumer{source: source, sink: sink}
}

// Run consumes bus events until ctx ends or the channel closes.
func (c *Consumer) Run(ctx context.Context, ch <-chan events.Event) {
	log.Printf("Archive consumer started")
	for {
		select {
		case <-ctx.Done():
			log.Printf("Archive consumer stopped")
			return
		case ev, ok := <-ch:
			if !ok {
				log.Printf("Archive consumer stopped (stream closed)")
				return
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, ev events.Event) {
	if ev.Type != events.TypeTaskStateChanged || ev.TaskID == "" {
		return
	}
	state := task.State(ev.NewState)
	if !state.Terminal() {
		return
	}

	t, err := c.source.Get(ctx, ev.TaskID)
	if err != nil {
		// Deleted between the event and the read; nothing to archive.
		if errors.Is(err, task.ErrNotFound) {
			return
		}
		log.Printf("Archive: read %s failed: %v", ev.TaskID, err)
		observability.ArchiveWrites.WithLabelValues("error").Inc()
		return
	}
	// The record may have moved on (manual retry) since the event was
	// published; archive only what is still terminal.
	if !t.State.Terminal() {
		return
	}

	if err := c.sink.Record(ctx, t); err != nil {
		log.Printf("Archive: write %s failed: %v", t.ID, err)
		observability.ArchiveWrites.WithLabelValues("error").Inc()
		return
	}
	observability.ArchiveWrites.WithLabelValues("ok").Inc()
}
