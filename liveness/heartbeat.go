// Package liveness tracks the worker fleet through TTL'd Redis
// heartbeats. Workers beat every period; a record that outlives its
// TTL (ttl_factor periods, default 3) without a refresh expires on its
// own, so a crashed worker disappears from the fleet view without any
// cleanup pass.
package liveness

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/itskum47/taskforge/store"
)

// Backend is the store surface the heartbeat writer and monitor use.
type Backend interface {
	HashSet(ctx context.Context, key string, fields map[string]interface{}) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Heartbeat periodically writes this worker's liveness record. Load and
// breaker state come from callbacks so the writer stays decoupled from
// the dispatcher.
type Heartbeat struct {
	backend      Backend
	workerID     string
	hostname     string
	pid          int
	period       time.Duration
	ttl          time.Duration
	inFlight     func() int
	breakerState func() string
	now          func() time.Time
}

func NewHeartbeat(backend Backend, workerID string, period time.Duration, ttlFactor int, inFlight func() int, breakerState func() string) *Heartbeat {
	if period <= 0 {
		period = 10 * time.Second
	}
	if ttlFactor <= 0 {
		ttlFactor = 3
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Heartbeat{
		backend:      backend,
		workerID:     workerID,
		hostname:     hostname,
		pid:          os.Getpid(),
		period:       period,
		ttl:          time.Duration(ttlFactor) * period,
		inFlight:     inFlight,
		breakerState: breakerState,
		now:          time.Now,
	}
}

// Beat writes one heartbeat record with a TTL of ttl_factor periods.
func (h *Heartbeat) Beat(ctx context.Context) error {
	key := store.HeartbeatKey(h.workerID)
	fields := map[string]interface{}{
		"worker_id":      h.workerID,
		"pid":            h.pid,
		"hostname":       h.hostname,
		"in_flight":      h.inFlight(),
		"breaker_state":  h.breakerState(),
		"last_heartbeat": h.now().UTC().Format(time.RFC3339Nano),
	}
	if err := h.backend.HashSet(ctx, key, fields); err != nil {
		return err
	}
	return h.backend.Expire(ctx, key, h.ttl)
}

// Run beats immediately and then on every period tick until ctx ends.
func (h *Heartbeat) Run(ctx context.Context) {
	log.Printf("Heartbeat started (worker %s, period %v)", h.workerID, h.period)
	if err := h.Beat(ctx); err != nil {
		log.Printf("Heartbeat write failed: %v", err)
	}

	ticker := time.NewTicker(h.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("Heartbeat stopped (worker %s)", h.workerID)
			return
		case <-ticker.C:
			if err := h.Beat(ctx); err != nil {
				log.Printf("Heartbeat write failed: %v", err)
			}
		}
	}
}
