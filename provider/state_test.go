package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/itskum47/taskforge/store"
)

type fakeBackend struct {
	hashes   map[string]map[string]string
	expires  map[string]time.Duration
	lockBusy bool
	acquired int
	released int
}

func (f *fakeBackend) hash(key string) map[string]string {
	if f.hashes == nil {
		f.hashes = map[string]map[string]string{}
	}
	h := f.hashes[key]
	if h == nil {
		h = map[string]string{}
		f.hashes[key] = h
	}
	return h
}

func (f *fakeBackend) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	return f.hashes[key], nil
}

func (f *fakeBackend) HashSet(_ context.Context, key string, fields map[string]interface{}) error {
	h := f.hash(key)
	for k, v := range fields {
		h[k] = fmt.Sprintf("%v", v)
	}
	return nil
}

func (f *fakeBackend) HashIncrBy(_ context.Context, key, field string, incr int64) (int64, error) {
	h := f.hash(key)
	n, _ := strconv.ParseInt(h[field], 10, 64)
	n += incr
	h[field] = strconv.FormatInt(n, 10)
	return n, nil
}

func (f *fakeBackend) Expire(_ context.Context, key string, ttl time.Duration) error {
	if f.expires == nil {
		f.expires = map[string]time.Duration{}
	}
	f.expires[key] = ttl
	return nil
}

func (f *fakeBackend) AcquireLock(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	if f.lockBusy {
		return false, nil
	}
	f.acquired++
	return true, nil
}

func (f *fakeBackend) ReleaseLock(_ context.Context, _, _ string) error {
	f.released++
	return nil
}

type fakeChecker struct {
	err   error
	calls int
}

func (c *fakeChecker) Check(_ context.Context) error {
	c.calls++
	return c.err
}

var testNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newTestManager(f *fakeBackend, c Checker) *StateManager {
	m := NewStateManager(f, c, "worker-test", Config{})
	m.now = func() time.Time { return testNow }
	return m
}

func seedState(f *fakeBackend, state string, lastCheck time.Time, failures int) {
	h := f.hash(store.KeyProviderState)
	h["state"] = state
	h["last_check"] = formatStateTime(lastCheck)
	h["consecutive_failures"] = strconv.Itoa(failures)
}

func TestGetStateFresh(t *testing.T) {
	f := &fakeBackend{}
	seedState(f, StateHealthy, testNow.Add(-30*time.Second), 0)
	check := &fakeChecker{}
	m := newTestManager(f, check)

	info, err := m.GetState(context.Background(), false)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if info.State != StateHealthy || info.Freshness != FreshnessFresh {
		t.Errorf("info = %+v", info)
	}
	if check.calls != 0 {
		t.Errorf("fresh state must not probe, got %d calls", check.calls)
	}
}

func TestGetStateStale(t *testing.T) {
	f := &fakeBackend{}
	seedState(f, StateHealthy, testNow.Add(-2*time.Minute), 0)
	check := &fakeChecker{}
	m := newTestManager(f, check)

	info, err := m.GetState(context.Background(), false)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if info.Freshness != FreshnessStale {
		t.Errorf("freshness = %s, want stale", info.Freshness)
	}
	if check.calls != 0 {
		t.Errorf("stale state must not probe, got %d calls", check.calls)
	}
}

func TestGetStateExpiredProbes(t *testing.T) {
	f := &fakeBackend{}
	seedState(f, StateHealthy, testNow.Add(-400*time.Second), 0)
	check := &fakeChecker{}
	m := newTestManager(f, check)

	info, err := m.GetState(context.Background(), false)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if check.calls != 1 {
		t.Fatalf("probe calls = %d, want 1", check.calls)
	}
	if info.State != StateHealthy || info.Freshness != FreshnessFresh {
		t.Errorf("info = %+v", info)
	}
	if f.acquired != 1 || f.released != 1 {
		t.Errorf("lock acquired = %d, released = %d", f.acquired, f.released)
	}
}

func TestGetStateLockBusy(t *testing.T) {
	f := &fakeBackend{lockBusy: true}
	seedState(f, StateDegraded, testNow.Add(-400*time.Second), 2)
	check := &fakeChecker{}
	m := newTestManager(f, check)

	info, err := m.GetState(context.Background(), false)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if check.calls != 0 {
		t.Error("must not probe while another worker holds the refresh lock")
	}
	if info.State != StateDegraded || info.Freshness != FreshnessExpired {
		t.Errorf("info = %+v", info)
	}
}

func TestGetStateForceProbes(t *testing.T) {
	f := &fakeBackend{}
	seedState(f, StateHealthy, testNow.Add(-5*time.Second), 0)
	check := &fakeChecker{err: &CheckError{Kind: KindRateLimited, Message: "429"}}
	m := newTestManager(f, check)

	info, err := m.GetState(context.Background(), true)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if check.calls != 1 {
		t.Fatalf("probe calls = %d, want 1", check.calls)
	}
	if info.State != StateDegraded || info.LastErrorKind != KindRateLimited {
		t.Errorf("info = %+v", info)
	}
}

func TestGetStateNoRecordNoChecker(t *testing.T) {
	m := newTestManager(&fakeBackend{}, nil)

	info, err := m.GetState(context.Background(), false)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if info.State != StateUnknown {
		t.Errorf("state = %s, want unknown", info.State)
	}
}

func TestReportFailureOpensCircuit(t *testing.T) {
	f := &fakeBackend{}
	m := newTestManager(f, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := m.ReportFailure(ctx, KindServiceUnavailable, "upstream 503"); err != nil {
			t.Fatalf("ReportFailure: %v", err)
		}
	}
	info, _, err := m.readInfo(ctx)
	if err != nil {
		t.Fatalf("readInfo: %v", err)
	}
	if info.State != StateDegraded || info.ConsecutiveFailures != 4 {
		t.Fatalf("after 4 failures: %+v", info)
	}

	if err := m.ReportFailure(ctx, KindServiceUnavailable, "upstream 503"); err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	info, _, err = m.readInfo(ctx)
	if err != nil {
		t.Fatalf("readInfo: %v", err)
	}
	if info.State != StateCircuitOpen {
		t.Fatalf("after 5 failures: state = %s, want circuit_open", info.State)
	}
	if !info.CircuitOpenUntil.Equal(testNow.Add(5 * time.Minute)) {
		t.Errorf("circuit_open_until = %v", info.CircuitOpenUntil)
	}
	if f.expires[store.KeyProviderState] != 10*time.Minute {
		t.Errorf("state ttl = %v", f.expires[store.KeyProviderState])
	}

	day := f.hashes[store.ProviderMetricsKey(testNow)]
	if day[KindServiceUnavailable] != "5" {
		t.Errorf("daily metrics = %v", day)
	}
}

func TestReportSuccessResetsStreak(t *testing.T) {
	f := &fakeBackend{}
	m := newTestManager(f, nil)
	ctx := context.Background()

	m.ReportFailure(ctx, KindTimeout, "slow")
	m.ReportFailure(ctx, KindTimeout, "slow")
	if err := m.ReportSuccess(ctx); err != nil {
		t.Fatalf("ReportSuccess: %v", err)
	}

	info, _, err := m.readInfo(ctx)
	if err != nil {
		t.Fatalf("readInfo: %v", err)
	}
	if info.State != StateHealthy || info.ConsecutiveFailures != 0 {
		t.Errorf("info = %+v", info)
	}
	day := f.hashes[store.ProviderMetricsKey(testNow)]
	if day["success"] != "1" || day[KindTimeout] != "2" {
		t.Errorf("daily metrics = %v", day)
	}
}

func TestGetStateOpenCircuitServedWithoutProbe(t *testing.T) {
	f := &fakeBackend{}
	h := f.hash(store.KeyProviderState)
	h["state"] = StateCircuitOpen
	h["last_check"] = formatStateTime(testNow.Add(-400 * time.Second))
	h["consecutive_failures"] = "6"
	h["circuit_open_until"] = formatStateTime(testNow.Add(2 * time.Minute))
	check := &fakeChecker{}
	m := newTestManager(f, check)

	info, err := m.GetState(context.Background(), false)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if info.State != StateCircuitOpen {
		t.Errorf("state = %s, want circuit_open", info.State)
	}
	if info.Freshness != FreshnessExpired {
		t.Errorf("freshness = %s, want expired", info.Freshness)
	}
	if check.calls != 0 {
		t.Error("an open circuit must not be probed before its deadline")
	}
	if f.acquired != 0 {
		t.Errorf("refresh lock taken %d times", f.acquired)
	}
}

func TestCircuitOpenExpiresToDegraded(t *testing.T) {
	f := &fakeBackend{}
	h := f.hash(store.KeyProviderState)
	h["state"] = StateCircuitOpen
	h["last_check"] = formatStateTime(testNow.Add(-30 * time.Second))
	h["consecutive_failures"] = "6"
	h["circuit_open_until"] = formatStateTime(testNow.Add(-time.Second))
	m := newTestManager(f, nil)

	info, err := m.GetState(context.Background(), false)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if info.State != StateDegraded {
		t.Errorf("state = %s, want degraded once the open window passed", info.State)
	}
}

func TestDailyMetrics(t *testing.T) {
	f := &fakeBackend{}
	m := newTestManager(f, nil)
	ctx := context.Background()

	m.ReportFailure(ctx, KindNetworkError, "conn reset")
	m.ReportSuccess(ctx)

	counts, err := m.DailyMetrics(ctx, testNow)
	if err != nil {
		t.Fatalf("DailyMetrics: %v", err)
	}
	if counts[KindNetworkError] != 1 || counts["success"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]string{
		401: KindAPIKeyInvalid,
		403: KindAPIKeyInvalid,
		402: KindCreditsExhausted,
		429: KindRateLimited,
		500: KindServiceUnavailable,
		503: KindServiceUnavailable,
		418: KindUnknown,
	}
	for code, want := range cases {
		if got := ClassifyStatus(code); got != want {
			t.Errorf("ClassifyStatus(%d) = %s, want %s", code, got, want)
		}
	}
}

type fakeNetError struct{ timeout bool }

func (e fakeNetError) Error() string   { return "net failure" }
func (e fakeNetError) Timeout() bool   { return e.timeout }
func (e fakeNetError) Temporary() bool { return false }

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(&CheckError{Kind: KindCreditsExhausted}); got != KindCreditsExhausted {
		t.Errorf("CheckError kind = %s", got)
	}
	if got := ClassifyError(context.DeadlineExceeded); got != KindTimeout {
		t.Errorf("deadline = %s, want timeout", got)
	}
	if got := ClassifyError(fakeNetError{timeout: true}); got != KindTimeout {
		t.Errorf("net timeout = %s, want timeout", got)
	}
	if got := ClassifyError(fakeNetError{}); got != KindNetworkError {
		t.Errorf("net error = %s, want network_error", got)
	}
	if got := ClassifyError(errors.New("weird")); got != KindUnknown {
		t.Errorf("plain error = %s, want unknown", got)
	}
	if got := ClassifyError(nil); got != "" {
		t.Errorf("nil error = %q, want empty", got)
	}
}

func TestHTTPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Header.Get("Authorization") {
		case "Bearer sk-test":
			w.WriteHeader(http.StatusOK)
		case "Bearer sk-broke":
			w.WriteHeader(http.StatusPaymentRequired)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	if err := NewHTTPChecker(srv.URL, "sk-test").Check(context.Background()); err != nil {
		t.Fatalf("healthy check: %v", err)
	}

	err := NewHTTPChecker(srv.URL, "sk-broke").Check(context.Background())
	var ce *CheckError
	if !errors.As(err, &ce) || ce.Kind != KindCreditsExhausted || ce.StatusCode != 402 {
		t.Fatalf("err = %v, want credits_exhausted 402", err)
	}

	err = NewHTTPChecker(srv.URL, "").Check(context.Background())
	if !errors.As(err, &ce) || ce.Kind != KindAPIKeyInvalid {
		t.Fatalf("err = %v, want api_key_invalid", err)
	}
}
