package liveness

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/itskum47/taskforge/observability"
	"github.com/itskum47/taskforge/store"
)

// Per-worker liveness buckets.
const (
	StatusHealthy     = "healthy"
	StatusStale       = "stale"
	StatusNoHeartbeat = "no_heartbeat"
)

// Fleet-level rollups.
const (
	OverallHealthy  = "healthy"
	OverallDegraded = "degraded"
	OverallCritical = "critical"
)

type WorkerStatus struct {
	WorkerID      string  `json:"worker_id"`
	Status        string  `json:"status"`
	LastHeartbeat string  `json:"last_heartbeat,omitempty"`
	AgeSeconds    float64 `json:"age_seconds"`
	InFlight      int     `json:"in_flight"`
	BreakerState  string  `json:"breaker_state,omitempty"`
	Hostname      string  `json:"hostname,omitempty"`
	PID           int     `json:"pid,omitempty"`
}

type FleetStatus struct {
	OverallStatus string         `json:"overall_status"`
	Workers       []WorkerStatus `json:"workers"`
}

// Monitor aggregates heartbeat records into a fleet view. The period
// and ttl factor must match what the workers beat with, otherwise the
// age buckets drift.
type Monitor struct {
	backend    Backend
	period     time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

func NewMonitor(backend Backend, period time.Duration, ttlFactor int) *Monitor {
	if period <= 0 {
		period = 10 * time.Second
	}
	if ttlFactor <= 0 {
		ttlFactor = 3
	}
	return &Monitor{
		backend:    backend,
		period:     period,
		staleAfter: time.Duration(ttlFactor) * period,
		now:        time.Now,
	}
}

// WorkerStatuses scans the heartbeat keys and buckets each worker by
// heartbeat age. Records normally expire before reaching no_heartbeat;
// the bucket still exists for clock skew and paused writers.
func (m *Monitor) WorkerStatuses(ctx context.Context) (*FleetStatus, error) {
	keys, err := m.backend.ScanKeys(ctx, store.HeartbeatPattern)
	if err != nil {
		return nil, err
	}

	now := m.now()
	counts := map[string]int{StatusHealthy: 0, StatusStale: 0, StatusNoHeartbeat: 0}
	workers := make([]WorkerStatus, 0, len(keys))
	for _, key := range keys {
		fields, err := m.backend.HashGetAll(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			// Expired between the scan and the read.
			continue
		}

		ws := WorkerStatus{
			WorkerID:      fields["worker_id"],
			LastHeartbeat: fields["last_heartbeat"],
			BreakerState:  fields["breaker_state"],
			Hostname:      fields["hostname"],
		}
		ws.InFlight, _ = strconv.Atoi(fields["in_flight"])
		ws.PID, _ = strconv.Atoi(fields["pid"])

		beat, perr := time.Parse(time.RFC3339Nano, fields["last_heartbeat"])
		if perr != nil {
			ws.Status = StatusNoHeartbeat
		} else {
			age := now.Sub(beat)
			ws.AgeSeconds = age.Seconds()
			switch {
			case age <= m.period:
				ws.Status = StatusHealthy
			case age <= m.staleAfter:
				ws.Status = StatusStale
			default:
				ws.Status = StatusNoHeartbeat
			}
		}
		counts[ws.Status]++
		workers = append(workers, ws)
	}

	sort.Slice(workers, func(i, j int) bool {
		return workers[i].WorkerID < workers[j].WorkerID
	})
	for status, n := range counts {
		observability.WorkersHealthy.WithLabelValues(status).Set(float64(n))
	}

	return &FleetStatus{
		OverallStatus: overall(counts, len(workers)),
		Workers:       workers,
	}, nil
}

func overall(counts map[string]int, total int) string {
	switch {
	case counts[StatusHealthy] == 0:
		return OverallCritical
	case counts[StatusHealthy] < total:
		return OverallDegraded
	default:
		return OverallHealthy
	}
}
