package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/itskum47/taskforge/observability"
	"github.com/itskum47/taskforge/store"
)

// Bus is the publish side of the store.
type Bus interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// Publisher sends events to the queue-updates channel. Failures are
// counted and logged, never returned: callers must not block or fail
// on the event path.
type Publisher struct {
	bus     Bus
	channel string
	now     func() time.Time
}

func NewPublisher(bus Bus) *Publisher {
	return &Publisher{
		bus:     bus,
		channel: store.ChannelQueueUpdates,
		now:     time.Now,
	}
}

func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = p.now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		observability.EventPublishFailures.WithLabelValues(ev.Type, "marshal").Inc()
		log.Printf("Event marshal (%s): %v", ev.Type, err)
		return
	}
	if err := p.bus.Publish(ctx, p.channel, data); err != nil {
		observability.EventPublishFailures.WithLabelValues(ev.Type, "publish").Inc()
		log.Printf("Event publish (%s): %v", ev.Type, err)
	}
}

// Heartbeat announces a live worker along with its current load.
func (p *Publisher) Heartbeat(ctx context.Context, workerID string, detail map[string]interface{}) {
	p.Publish(ctx, Event{Type: TypeHeartbeat, WorkerID: workerID, Detail: detail})
}

// Fatal reports an unrecoverable worker error before the process exits.
func (p *Publisher) Fatal(ctx context.Context, workerID, message string) {
	p.Publish(ctx, Event{Type: TypeFatal, WorkerID: workerID, Message: message})
}
