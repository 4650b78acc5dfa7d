package liveness

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeBackend struct {
	hashes  map[string]map[string]string
	expires map[string]time.Duration
	scanErr error
	setErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		hashes:  make(map[string]map[string]string),
		expires: make(map[string]time.Duration),
	}
}

func (f *fakeBackend) HashSet(_ context.Context, key string, fields map[string]interface{}) error {
	if f.setErr != nil {
		return f.setErr
	}
	h := f.hashes[key]
	if h == nil {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = fmt.Sprintf("%v", v)
	}
	return nil
}

func (f *fakeBackend) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.expires[key] = ttl
	return nil
}

func (f *fakeBackend) ScanKeys(_ context.Context, _ string) ([]string, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	keys := make([]string, 0, len(f.hashes))
	for k := range f.hashes {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *fakeBackend) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	h := f.hashes[key]
	if h == nil {
		return map[string]string{}, nil
	}
	return h, nil
}

var testNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func seedBeat(f *fakeBackend, workerID string, age time.Duration, inFlight string) {
	f.hashes["worker:heartbeat:"+workerID] = map[string]string{
		"worker_id":      workerID,
		"pid":            "4242",
		"hostname":       "host-a",
		"in_flight":      inFlight,
		"breaker_state":  "closed",
		"last_heartbeat": testNow.Add(-age).Format(time.RFC3339Nano),
	}
}

func TestBeatWritesRecordWithTTL(t *testing.T) {
	backend := newFakeBackend()
	h := NewHeartbeat(backend, "worker-1", 10*time.Second, 0,
		func() int { return 3 },
		func() string { return "half_open" })
	h.now = func() time.Time { return testNow }

	if err := h.Beat(context.Background()); err != nil {
		t.Fatalf("Beat failed: %v", err)
	}

	rec := backend.hashes["worker:heartbeat:worker-1"]
	if rec == nil {
		t.Fatal("heartbeat record not written")
	}
	if rec["worker_id"] != "worker-1" || rec["in_flight"] != "3" || rec["breaker_state"] != "half_open" {
		t.Errorf("unexpected record: %v", rec)
	}
	if rec["last_heartbeat"] != testNow.Format(time.RFC3339Nano) {
		t.Errorf("unexpected timestamp: %s", rec["last_heartbeat"])
	}
	if ttl := backend.expires["worker:heartbeat:worker-1"]; ttl != 30*time.Second {
		t.Errorf("expected TTL 30s, got %v", ttl)
	}
}

func TestBeatTTLFollowsFactor(t *testing.T) {
	backend := newFakeBackend()
	h := NewHeartbeat(backend, "worker-1", 10*time.Second, 5,
		func() int { return 0 },
		func() string { return "closed" })

	if err := h.Beat(context.Background()); err != nil {
		t.Fatalf("Beat failed: %v", err)
	}
	if ttl := backend.expires["worker:heartbeat:worker-1"]; ttl != 50*time.Second {
		t.Errorf("expected TTL 50s with factor 5, got %v", ttl)
	}
}

func TestBeatPropagatesWriteError(t *testing.T) {
	backend := newFakeBackend()
	backend.setErr = errors.New("connection refused")
	h := NewHeartbeat(backend, "worker-1", 10*time.Second, 3,
		func() int { return 0 },
		func() string { return "closed" })

	if err := h.Beat(context.Background()); err == nil {
		t.Fatal("expected write error")
	}
}

func TestWorkerStatusesBuckets(t *testing.T) {
	backend := newFakeBackend()
	seedBeat(backend, "w-healthy", 5*time.Second, "2")
	seedBeat(backend, "w-stale", 25*time.Second, "0")
	seedBeat(backend, "w-gone", 45*time.Second, "1")

	m := NewMonitor(backend, 10*time.Second, 3)
	m.now = func() time.Time { return testNow }

	fleet, err := m.WorkerStatuses(context.Background())
	if err != nil {
		t.Fatalf("WorkerStatuses failed: %v", err)
	}

	if fleet.OverallStatus != OverallDegraded {
		t.Errorf("expected degraded fleet, got %s", fleet.OverallStatus)
	}
	if len(fleet.Workers) != 3 {
		t.Fatalf("expected 3 workers, got %d", len(fleet.Workers))
	}

	byID := map[string]WorkerStatus{}
	for _, w := range fleet.Workers {
		byID[w.WorkerID] = w
	}
	if byID["w-healthy"].Status != StatusHealthy {
		t.Errorf("w-healthy: %s", byID["w-healthy"].Status)
	}
	if byID["w-stale"].Status != StatusStale {
		t.Errorf("w-stale: %s", byID["w-stale"].Status)
	}
	if byID["w-gone"].Status != StatusNoHeartbeat {
		t.Errorf("w-gone: %s", byID["w-gone"].Status)
	}
	if byID["w-healthy"].InFlight != 2 {
		t.Errorf("w-healthy in_flight = %d", byID["w-healthy"].InFlight)
	}
	if byID["w-stale"].AgeSeconds != 25 {
		t.Errorf("w-stale age = %v", byID["w-stale"].AgeSeconds)
	}

	// Sorted by worker id for stable API output.
	if fleet.Workers[0].WorkerID != "w-gone" || fleet.Workers[2].WorkerID != "w-stale" {
		t.Errorf("unexpected order: %v", fleet.Workers)
	}
}

func TestWorkerStatusesAllHealthy(t *testing.T) {
	backend := newFakeBackend()
	seedBeat(backend, "w-1", time.Second, "0")
	seedBeat(backend, "w-2", 9*time.Second, "1")

	m := NewMonitor(backend, 10*time.Second, 3)
	m.now = func() time.Time { return testNow }

	fleet, err := m.WorkerStatuses(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fleet.OverallStatus != OverallHealthy {
		t.Errorf("expected healthy, got %s", fleet.OverallStatus)
	}
}

func TestMonitorStaleBoundFollowsFactor(t *testing.T) {
	backend := newFakeBackend()
	seedBeat(backend, "w-1", 45*time.Second, "0")

	m := NewMonitor(backend, 10*time.Second, 5)
	m.now = func() time.Time { return testNow }

	fleet, err := m.WorkerStatuses(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fleet.Workers[0].Status != StatusStale {
		t.Errorf("45s age with factor 5 should be stale, got %s", fleet.Workers[0].Status)
	}
}

func TestWorkerStatusesEmptyFleet(t *testing.T) {
	m := NewMonitor(newFakeBackend(), 10*time.Second, 3)
	m.now = func() time.Time { return testNow }

	fleet, err := m.WorkerStatuses(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fleet.OverallStatus != OverallCritical {
		t.Errorf("expected critical with no workers, got %s", fleet.OverallStatus)
	}
	if len(fleet.Workers) != 0 {
		t.Errorf("expected no workers, got %d", len(fleet.Workers))
	}
}

func TestWorkerStatusesBadTimestamp(t *testing.T) {
	backend := newFakeBackend()
	backend.hashes["worker:heartbeat:w-bad"] = map[string]string{
		"worker_id":      "w-bad",
		"last_heartbeat": "not-a-time",
	}

	m := NewMonitor(backend, 10*time.Second, 3)
	m.now = func() time.Time { return testNow }

	fleet, err := m.WorkerStatuses(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fleet.Workers[0].Status != StatusNoHeartbeat {
		t.Errorf("expected no_heartbeat for bad timestamp, got %s", fleet.Workers[0].Status)
	}
}
