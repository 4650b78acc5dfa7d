package events

import "sync"

// History keeps the most recent events in memory so the API can serve
// a backlog to clients that connect after the fact. Oldest entries are
// dropped once the buffer is full.
type History struct {
	mu  sync.Mutex
	buf []Event
	max int
}

func NewHistory(max int) *History {
	if max <= 0 {
		max = 256
	}
	return &History{max: max}
}

func (h *History) Add(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = append(h.buf, ev)
	if len(h.buf) > h.max {
		h.buf = h.buf[len(h.buf)-h.max:]
	}
}

// Recent returns up to n events, oldest first. n <= 0 returns
// everything retained.
func (h *History) Recent(n int) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.buf) {
		n = len(h.buf)
	}
	out := make([]Event, n)
	copy(out, h.buf[len(h.buf)-n:])
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buf)
}
