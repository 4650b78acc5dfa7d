package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/taskforge/observability"
	"github.com/itskum47/taskforge/store"
)

// Stream is the subscribe side of the store.
type Stream interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Subscriber pumps the queue-updates channel into the history buffer
// and fans events out to registered clients. A slow client loses
// events instead of stalling the pump.
type Subscriber struct {
	stream  Stream
	channel string
	history *History

	mu      sync.Mutex
	clients map[chan Event]struct{}
}

func NewSubscriber(stream Stream, history *History) *Subscriber {
	return &Subscriber{
		stream:  stream,
		channel: store.ChannelQueueUpdates,
		history: history,
		clients: make(map[chan Event]struct{}),
	}
}

// Subscribe registers a client. The returned cancel removes the client
// and closes its channel; it is safe to call more than once.
func (s *Subscriber) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.clients[ch]; ok {
			delete(s.clients, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (s *Subscriber) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Run blocks pumping messages until ctx ends. The client library
// handles reconnects on the underlying subscription.
func (s *Subscriber) Run(ctx context.Context) {
	pubsub := s.stream.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	log.Printf("Event subscriber attached to %s", s.channel)
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			log.Printf("Event subscriber stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				log.Printf("Event subscription closed")
				return
			}
			s.dispatch(msg.Payload)
		}
	}
}

func (s *Subscriber) dispatch(payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		log.Printf("Event decode: %v", err)
		return
	}
	if s.history != nil {
		s.history.Add(ev)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- ev:
		default:
			observability.EventsDropped.Inc()
		}
	}
}
