package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/itskum47/taskforge/store"
)

type fakeBus struct {
	channel  string
	payloads [][]byte
	err      error
}

func (f *fakeBus) Publish(_ context.Context, channel string, payload interface{}) error {
	f.channel = channel
	f.payloads = append(f.payloads, payload.([]byte))
	return f.err
}

func (f *fakeBus) last(t *testing.T) Event {
	t.Helper()
	if len(f.payloads) == 0 {
		t.Fatal("no event published")
	}
	var ev Event
	if err := json.Unmarshal(f.payloads[len(f.payloads)-1], &ev); err != nil {
		t.Fatalf("decode published event: %v", err)
	}
	return ev
}

func testPublisher() (*Publisher, *fakeBus) {
	bus := &fakeBus{}
	p := NewPublisher(bus)
	p.now = func() time.Time {
		return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	}
	return p, bus
}

func TestPublisherFillsTimestamp(t *testing.T) {
	p, bus := testPublisher()

	p.Publish(context.Background(), Event{Type: TypeTaskCreated, TaskID: "t-1"})

	if bus.channel != store.ChannelQueueUpdates {
		t.Errorf("expected channel %s, got %s", store.ChannelQueueUpdates, bus.channel)
	}
	ev := bus.last(t)
	if ev.Timestamp != "2026-03-14T10:00:00Z" {
		t.Errorf("expected generated timestamp, got %q", ev.Timestamp)
	}
	if ev.TaskID != "t-1" {
		t.Errorf("expected task t-1, got %s", ev.TaskID)
	}
}

func TestPublisherKeepsTimestamp(t *testing.T) {
	p, bus := testPublisher()

	p.Publish(context.Background(), Event{Type: TypeQueueSnapshot, Timestamp: "2026-01-01T00:00:00Z"})

	if ev := bus.last(t); ev.Timestamp != "2026-01-01T00:00:00Z" {
		t.Errorf("timestamp was overwritten: %q", ev.Timestamp)
	}
}

func TestPublisherHeartbeatAndFatal(t *testing.T) {
	p, bus := testPublisher()

	p.Heartbeat(context.Background(), "worker-1", map[string]interface{}{"in_flight": 2})
	ev := bus.last(t)
	if ev.Type != TypeHeartbeat || ev.WorkerID != "worker-1" {
		t.Errorf("unexpected heartbeat event: %+v", ev)
	}
	if ev.Detail["in_flight"] != float64(2) {
		t.Errorf("expected in_flight detail, got %v", ev.Detail)
	}

	p.Fatal(context.Background(), "worker-1", "redis unreachable")
	ev = bus.last(t)
	if ev.Type != TypeFatal || ev.Message != "redis unreachable" {
		t.Errorf("unexpected fatal event: %+v", ev)
	}
}

func TestPublisherSwallowsBusErrors(t *testing.T) {
	p, bus := testPublisher()
	bus.err = errors.New("connection refused")

	p.Publish(context.Background(), Event{Type: TypeHeartbeat})

	if len(bus.payloads) != 1 {
		t.Fatalf("expected the publish attempt to happen, got %d", len(bus.payloads))
	}
}
