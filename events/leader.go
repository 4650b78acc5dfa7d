package events

import (
	"context"
	"log"
	"sync"
	"time"
)

// Lease is the lock surface the leader runs on.
type Lease interface {
	AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, ownerID string) error
}

// Leader gates singleton loops on a renewable Redis lease. Exactly one
// node holds the lease at a time; the rest keep trying and take over
// when it expires.
type Leader struct {
	lease  Lease
	key    string
	nodeID string
	ttl    time.Duration

	mu      sync.RWMutex
	leading bool
}

func NewLeader(lease Lease, key, nodeID string, ttl time.Duration) *Leader {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Leader{lease: lease, key: key, nodeID: nodeID, ttl: ttl}
}

func (l *Leader) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leading
}

func (l *Leader) setLeading(v bool) {
	l.mu.Lock()
	l.leading = v
	l.mu.Unlock()
}

// Run maintains the lease until ctx ends, renewing at a third of the
// TTL so a missed tick does not drop it. The lease is released on the
// way out.
func (l *Leader) Run(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	defer l.release()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Leader) tick(ctx context.Context) {
	if l.IsLeader() {
		renewed, err := l.lease.RenewLock(ctx, l.key, l.nodeID, l.ttl)
		if err != nil {
			// A failed renew may mean the lease already expired;
			// stand down until it is reacquired.
			log.Printf("Leader renew failed (node %s): %v", l.nodeID, err)
			l.setLeading(false)
			return
		}
		if !renewed {
			log.Printf("Leader lease lost (node %s)", l.nodeID)
			l.setLeading(false)
		}
		return
	}

	acquired, err := l.lease.AcquireLock(ctx, l.key, l.nodeID, l.ttl)
	if err != nil {
		log.Printf("Leader acquire failed (node %s): %v", l.nodeID, err)
		return
	}
	if acquired {
		log.Printf("Leader lease acquired (node %s)", l.nodeID)
		l.setLeading(true)
	}
}

func (l *Leader) release() {
	if !l.IsLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.lease.ReleaseLock(ctx, l.key, l.nodeID); err != nil {
		log.Printf("Leader release failed (node %s): %v", l.nodeID, err)
	}
	l.setLeading(false)
}
