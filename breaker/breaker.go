// Package breaker implements the per-worker circuit breaker that gates
// provider calls.
package breaker

import (
	"sync"
	"time"

	"github.com/itskum47/taskforge/observability"
)

// State represents the state of the circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation
	HalfOpen              // Testing recovery
	Open                  // Rejecting provider calls
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker. Zero fields fall back to defaults.
type Config struct {
	WindowSize   int           // Outcomes considered before the ratio applies
	FailureRatio float64       // Failure share that trips the circuit
	OpenFor      time.Duration // Time before half-open
	ProbeLimit   int           // Successes needed to close from half-open
}

// Snapshot is a point-in-time view for heartbeats and status reads.
type Snapshot struct {
	State          string    `json:"state"`
	WindowCount    int       `json:"window_count"`
	FailureCount   int       `json:"failure_count"`
	OpenedAt       time.Time `json:"opened_at"`
	ProbeSuccesses int       `json:"probe_successes"`
}

type stateChange struct {
	from, to State
}

// Breaker tracks recent provider outcomes for one worker. All state is
// local to the worker; the Redis mirror is written by the owner through
// the change callback.
type Breaker struct {
	workerID string
	mu       sync.Mutex

	windowSize   int
	failureRatio float64
	openFor      time.Duration
	probeLimit   int

	state          State
	window         []bool // true = failure, newest last
	openedAt       time.Time
	probesInFlight int
	probeSuccesses int
	pending        []stateChange

	now      func() time.Time
	onChange func(from, to State)
}

// New creates a breaker for one worker. onChange fires after each state
// transition outside the breaker lock and may be nil.
func New(workerID string, cfg Config, onChange func(from, to State)) *Breaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 60 * time.Second
	}
	if cfg.ProbeLimit <= 0 {
		cfg.ProbeLimit = 3
	}
	observability.BreakerState.WithLabelValues(workerID).Set(float64(Closed))
	return &Breaker{
		workerID:     workerID,
		windowSize:   cfg.WindowSize,
		failureRatio: cfg.FailureRatio,
		openFor:      cfg.OpenFor,
		probeLimit:   cfg.ProbeLimit,
		state:        Closed,
		now:          time.Now,
		onChange:     onChange,
	}
}

func (b *Breaker) setStateLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	observability.BreakerState.WithLabelValues(b.workerID).Set(float64(to))
	observability.BreakerTransitions.WithLabelValues(b.workerID, to.String()).Inc()
	b.pending = append(b.pending, stateChange{from: from, to: to})
}

func (b *Breaker) openLocked() {
	b.setStateLocked(Open)
	b.openedAt = b.now()
	b.window = nil
	b.probesInFlight = 0
	b.probeSuccesses = 0
}

func (b *Breaker) closeLocked() {
	b.setStateLocked(Closed)
	b.openedAt = time.Time{}
	b.window = nil
	b.probesInFlight = 0
	b.probeSuccesses = 0
}

func (b *Breaker) drainLocked() []stateChange {
	changes := b.pending
	b.pending = nil
	return changes
}

func (b *Breaker) emit(changes []stateChange) {
	if b.onChange == nil {
		return
	}
	for _, c := range changes {
		b.onChange(c.from, c.to)
	}
}

// Allow reports whether a provider call may start. An open circuit
// moves to half-open once the cooldown has elapsed; half-open admits a
// bounded number of probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	if b.state == Open && !b.now().Before(b.openedAt.Add(b.openFor)) {
		b.setStateLocked(HalfOpen)
		b.probesInFlight = 0
		b.probeSuccesses = 0
	}

	allowed := false
	switch b.state {
	case Closed:
		allowed = true
	case HalfOpen:
		if b.probesInFlight < b.probeLimit {
			b.probesInFlight++
			allowed = true
		}
	}
	changes := b.drainLocked()
	b.mu.Unlock()
	b.emit(changes)
	return allowed
}

// RecordSuccess feeds one successful provider outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	switch b.state {
	case Closed:
		b.recordLocked(false)
	case HalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.probeLimit {
			b.closeLocked()
		}
	}
	changes := b.drainLocked()
	b.mu.Unlock()
	b.emit(changes)
}

// RecordFailure feeds one failed provider outcome. Any failure during
// half-open reopens the circuit and restarts the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	switch b.state {
	case Closed:
		b.recordLocked(true)
	case HalfOpen:
		b.openLocked()
	}
	changes := b.drainLocked()
	b.mu.Unlock()
	b.emit(changes)
}

// recordLocked appends one outcome and trips the circuit when the full
// window's failure share reaches the ratio.
func (b *Breaker) recordLocked(failure bool) {
	b.window = append(b.window, failure)
	if len(b.window) > b.windowSize {
		b.window = b.window[1:]
	}
	if len(b.window) < b.windowSize {
		return
	}
	failures := 0
	for _, f := range b.window {
		if f {
			failures++
		}
	}
	if float64(failures)/float64(len(b.window)) >= b.failureRatio {
		b.openLocked()
	}
}

// ForceOpen opens the circuit immediately. Normal cooldown recovery
// still applies afterwards.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	if b.state != Open {
		b.openLocked()
	} else {
		b.openedAt = b.now()
	}
	changes := b.drainLocked()
	b.mu.Unlock()
	b.emit(changes)
}

// ForceClose closes the circuit and clears the outcome window.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	if b.state != Closed {
		b.closeLocked()
	}
	changes := b.drainLocked()
	b.mu.Unlock()
	b.emit(changes)
}

// GetState returns the current circuit state (thread-safe).
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current breaker view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	failures := 0
	for _, f := range b.window {
		if f {
			failures++
		}
	}
	return Snapshot{
		State:          b.state.String(),
		WindowCount:    len(b.window),
		FailureCount:   failures,
		OpenedAt:       b.openedAt,
		ProbeSuccesses: b.probeSuccesses,
	}
}
