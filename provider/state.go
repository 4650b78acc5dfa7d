package provider

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/itskum47/taskforge/observability"
	"github.com/itskum47/taskforge/store"
)

// Backend is the slice of the Redis store the state manager needs.
type Backend interface {
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	HashSet(ctx context.Context, key string, fields map[string]interface{}) error
	HashIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, ownerID string) error
}

// Info is the shared provider health view.
type Info struct {
	State               string    `json:"state"`
	Freshness           string    `json:"freshness"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorKind       string    `json:"last_error_kind,omitempty"`
	CircuitOpenUntil    time.Time `json:"circuit_open_until"`
}

// Freshness labels derived from last_check age.
const (
	FreshnessFresh   = "fresh"
	FreshnessStale   = "stale"
	FreshnessExpired = "expired"
)

// Config tunes the state cache. Zero fields fall back to defaults.
type Config struct {
	FreshFor         time.Duration // Cached state served without qualification
	StaleFor         time.Duration // Cached state served but marked stale
	RefreshLockTTL   time.Duration // SET NX lease around the probe
	StateTTL         time.Duration // Expiry of the provider:state hash
	FailureThreshold int           // Consecutive failures that open the circuit
	CircuitOpenFor   time.Duration // How long the circuit stays open
	MetricsRetention time.Duration // Expiry of daily metrics hashes
}

func (c *Config) applyDefaults() {
	if c.FreshFor <= 0 {
		c.FreshFor = 60 * time.Second
	}
	if c.StaleFor <= 0 {
		c.StaleFor = 300 * time.Second
	}
	if c.RefreshLockTTL <= 0 {
		c.RefreshLockTTL = 10 * time.Second
	}
	if c.StateTTL <= 0 {
		c.StateTTL = 10 * time.Minute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.CircuitOpenFor <= 0 {
		c.CircuitOpenFor = 5 * time.Minute
	}
	if c.MetricsRetention <= 0 {
		c.MetricsRetention = 30 * 24 * time.Hour
	}
}

// StateManager reads and reports the shared provider health.
type StateManager struct {
	backend Backend
	checker Checker // nil on processes that only read
	ownerID string
	cfg     Config

	now func() time.Time
}

func NewStateManager(backend Backend, checker Checker, ownerID string, cfg Config) *StateManager {
	cfg.applyDefaults()
	return &StateManager{
		backend: backend,
		checker: checker,
		ownerID: ownerID,
		cfg:     cfg,
		now:     time.Now,
	}
}

const stateTimeLayout = time.RFC3339Nano

func formatStateTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(stateTimeLayout)
}

func parseStateTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(stateTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// readInfo loads and decodes the provider:state hash. A circuit whose
// open window has passed is reported as degraded.
func (m *StateManager) readInfo(ctx context.Context) (Info, bool, error) {
	data, err := m.backend.HashGetAll(ctx, store.KeyProviderState)
	if err != nil {
		return Info{}, false, fmt.Errorf("provider state read: %w", err)
	}
	if len(data) == 0 {
		return Info{State: StateUnknown, Freshness: FreshnessExpired}, false, nil
	}
	info := Info{
		State:            data["state"],
		LastCheck:        parseStateTime(data["last_check"]),
		LastError:        data["last_error"],
		LastErrorKind:    data["last_error_kind"],
		CircuitOpenUntil: parseStateTime(data["circuit_open_until"]),
	}
	if v := data["consecutive_failures"]; v != "" {
		info.ConsecutiveFailures, _ = strconv.Atoi(v)
	}
	if info.State == "" {
		info.State = StateUnknown
	}
	if info.State == StateCircuitOpen && !info.CircuitOpenUntil.IsZero() && !m.now().Before(info.CircuitOpenUntil) {
		info.State = StateDegraded
	}
	return info, true, nil
}

func (m *StateManager) freshness(info Info) string {
	age := m.now().Sub(info.LastCheck)
	switch {
	case age < m.cfg.FreshFor:
		return FreshnessFresh
	case age < m.cfg.StaleFor:
		return FreshnessStale
	default:
		return FreshnessExpired
	}
}

// GetState returns the shared provider view. Fresh and stale cache hits
// are served as-is; an expired or forced read probes the provider behind
// the shared refresh lock. When another worker holds the lock the cached
// value is returned unchanged.
func (m *StateManager) GetState(ctx context.Context, force bool) (Info, error) {
	info, exists, err := m.readInfo(ctx)
	if err != nil {
		return Info{}, err
	}
	if exists {
		info.Freshness = m.freshness(info)
		// An open circuit is authoritative until its deadline passes;
		// serve it even when the cache has aged out instead of probing
		// early. readInfo already downgrades a lapsed circuit.
		if !force && (info.State == StateCircuitOpen || info.Freshness != FreshnessExpired) {
			return info, nil
		}
	}
	if m.checker == nil {
		return info, nil
	}

	acquired, err := m.backend.AcquireLock(ctx, store.KeyProviderLock, m.ownerID, m.cfg.RefreshLockTTL)
	if err != nil {
		return Info{}, fmt.Errorf("provider refresh lock: %w", err)
	}
	if !acquired {
		return info, nil
	}
	defer func() {
		if err := m.backend.ReleaseLock(ctx, store.KeyProviderLock, m.ownerID); err != nil {
			log.Printf("provider refresh lock release: %v", err)
		}
	}()

	if err := m.checker.Check(ctx); err != nil {
		if rerr := m.ReportFailure(ctx, ClassifyError(err), err.Error()); rerr != nil {
			return Info{}, rerr
		}
	} else if err := m.ReportSuccess(ctx); err != nil {
		return Info{}, err
	}

	refreshed, _, err := m.readInfo(ctx)
	if err != nil {
		return Info{}, err
	}
	refreshed.Freshness = FreshnessFresh
	return refreshed, nil
}

// ReportSuccess records a successful provider call and resets the
// failure streak.
func (m *StateManager) ReportSuccess(ctx context.Context) error {
	now := m.now().UTC()
	fields := map[string]interface{}{
		"state":                StateHealthy,
		"consecutive_failures": 0,
		"last_check":           formatStateTime(now),
		"circuit_open_until":   "",
	}
	if err := m.backend.HashSet(ctx, store.KeyProviderState, fields); err != nil {
		return fmt.Errorf("provider report success: %w", err)
	}
	if err := m.backend.Expire(ctx, store.KeyProviderState, m.cfg.StateTTL); err != nil {
		return fmt.Errorf("provider report success: %w", err)
	}
	observability.ProviderReports.WithLabelValues("success").Inc()
	setStateGauge(StateHealthy)
	m.bumpDaily(ctx, "success")
	return nil
}

// ReportFailure records a failed provider call. The failure streak is
// advanced atomically; reaching the threshold opens the provider
// circuit for the configured window.
func (m *StateManager) ReportFailure(ctx context.Context, kind, message string) error {
	if kind == "" {
		kind = KindUnknown
	}
	streak, err := m.backend.HashIncrBy(ctx, store.KeyProviderState, "consecutive_failures", 1)
	if err != nil {
		return fmt.Errorf("provider report failure: %w", err)
	}
	now := m.now().UTC()
	state := StateDegraded
	fields := map[string]interface{}{
		"state":           state,
		"last_check":      formatStateTime(now),
		"last_error":      message,
		"last_error_kind": kind,
	}
	if int(streak) >= m.cfg.FailureThreshold {
		state = StateCircuitOpen
		fields["state"] = state
		fields["circuit_open_until"] = formatStateTime(now.Add(m.cfg.CircuitOpenFor))
	}
	if err := m.backend.HashSet(ctx, store.KeyProviderState, fields); err != nil {
		return fmt.Errorf("provider report failure: %w", err)
	}
	if err := m.backend.Expire(ctx, store.KeyProviderState, m.cfg.StateTTL); err != nil {
		return fmt.Errorf("provider report failure: %w", err)
	}
	observability.ProviderReports.WithLabelValues(kind).Inc()
	setStateGauge(state)
	m.bumpDaily(ctx, kind)
	return nil
}

func setStateGauge(state string) {
	for _, s := range []string{StateHealthy, StateDegraded, StateCircuitOpen, StateUnknown} {
		v := 0.0
		if s == state {
			v = 1
		}
		observability.ProviderStateGauge.WithLabelValues(s).Set(v)
	}
}

// bumpDaily advances today's per-kind counter. Metrics are best effort;
// failures are logged and swallowed.
func (m *StateManager) bumpDaily(ctx context.Context, field string) {
	key := store.ProviderMetricsKey(m.now().UTC())
	if _, err := m.backend.HashIncrBy(ctx, key, field, 1); err != nil {
		log.Printf("provider daily metrics: %v", err)
		return
	}
	if err := m.backend.Expire(ctx, key, m.cfg.MetricsRetention); err != nil {
		log.Printf("provider daily metrics expire: %v", err)
	}
}

// DailyMetrics returns the per-kind counts recorded for one day.
func (m *StateManager) DailyMetrics(ctx context.Context, day time.Time) (map[string]int64, error) {
	data, err := m.backend.HashGetAll(ctx, store.ProviderMetricsKey(day))
	if err != nil {
		return nil, fmt.Errorf("provider daily metrics: %w", err)
	}
	counts := make(map[string]int64, len(data))
	for field, v := range data {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		counts[field] = n
	}
	return counts, nil
}
