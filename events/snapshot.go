package events

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/taskforge/observability"
)

// SnapshotSource provides the queue view the snapshot is built from.
type SnapshotSource interface {
	QueueDepths(ctx context.Context) (map[string]int64, error)
	StateCounts(ctx context.Context) (map[string]int64, error)
	RetryRatio(ctx context.Context) (float64, error)
}

// Snapshotter publishes a periodic queue_snapshot so dashboards stay
// current even when no tasks are moving. Only the leader publishes;
// every node still refreshes its own gauges.
type Snapshotter struct {
	source   SnapshotSource
	pub      *Publisher
	leader   *Leader
	interval time.Duration
}

func NewSnapshotter(source SnapshotSource, pub *Publisher, leader *Leader, interval time.Duration) *Snapshotter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Snapshotter{source: source, pub: pub, leader: leader, interval: interval}
}

func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("Snapshot publisher started (interval %v)", s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("Snapshot publisher stopped")
			return
		case <-ticker.C:
			if err := s.PublishOnce(ctx); err != nil {
				log.Printf("Queue snapshot failed: %v", err)
			}
		}
	}
}

// PublishOnce reads the queue view, updates local gauges and, when
// this node leads, publishes one snapshot event.
func (s *Snapshotter) PublishOnce(ctx context.Context) error {
	depths, err := s.source.QueueDepths(ctx)
	if err != nil {
		return err
	}
	counts, err := s.source.StateCounts(ctx)
	if err != nil {
		return err
	}
	ratio, err := s.source.RetryRatio(ctx)
	if err != nil {
		return err
	}

	for queue, n := range depths {
		observability.QueueDepth.WithLabelValues(queue).Set(float64(n))
	}
	for state, n := range counts {
		observability.StateCount.WithLabelValues(state).Set(float64(n))
	}

	if s.leader != nil && !s.leader.IsLeader() {
		return nil
	}
	s.pub.Publish(ctx, Event{
		Type:        TypeQueueSnapshot,
		QueueDepths: depths,
		StateCounts: counts,
		RetryRatio:  ratio,
	})
	return nil
}
