// Package ratelimit implements the shared provider token bucket.
//
// Bucket state and configuration live in Redis so every worker draws
// from the same budget. Refill and take run inside one Lua script; two
// workers can never both spend the last token.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/itskum47/taskforge/observability"
	"github.com/itskum47/taskforge/store"
)

// ErrAcquireTimeout is returned when no token became available within
// the caller's budget.
var ErrAcquireTimeout = errors.New("rate limit acquire timed out")

// Backend is the slice of the Redis store the limiter needs.
type Backend interface {
	RunScript(ctx context.Context, sc *store.Script, keys []string, args ...interface{}) (interface{}, error)
	Delete(ctx context.Context, keys ...string) error
}

// acquireScript refills the bucket from elapsed time, then takes one
// token if available. Config is created lazily from the defaults so the
// first worker to arrive seeds it.
//
// KEYS: 1 rate_limit:config, 2 rate_limit:bucket
// ARGV: 1 now_seconds, 2 requested, 3 default_max, 4 default_window
//
// Returns {granted, tokens, wait_seconds} with tokens and wait encoded
// as strings to keep their fractions.
var acquireScript = store.NewScript(`
local max_requests = tonumber(redis.call("HGET", KEYS[1], "max_requests"))
local window = tonumber(redis.call("HGET", KEYS[1], "window_seconds"))
if not max_requests or not window or window <= 0 then
    max_requests = tonumber(ARGV[3])
    window = tonumber(ARGV[4])
    redis.call("HSET", KEYS[1], "max_requests", max_requests, "window_seconds", window)
end
local rate = max_requests / window
local now = tonumber(ARGV[1])
local requested = tonumber(ARGV[2])

local tokens = tonumber(redis.call("HGET", KEYS[2], "tokens"))
local last = tonumber(redis.call("HGET", KEYS[2], "last_refill"))
if not tokens or not last then
    tokens = max_requests
    last = now
end
local elapsed = now - last
if elapsed > 0 then
    tokens = tokens + elapsed * rate
end
if tokens > max_requests then
    tokens = max_requests
end

local granted = 0
local wait = 0
if tokens >= requested then
    granted = 1
    tokens = tokens - requested
else
    wait = (requested - tokens) / rate
end
redis.call("HSET", KEYS[2], "tokens", tostring(tokens), "last_refill", tostring(now))
redis.call("EXPIRE", KEYS[2], 3600)
return {granted, tostring(tokens), tostring(wait)}
`)

// statusScript reports the refreshed token count without mutating the
// bucket.
//
// KEYS: 1 rate_limit:config, 2 rate_limit:bucket
// ARGV: 1 now_seconds, 2 default_max, 3 default_window
var statusScript = store.NewScript(`
local max_requests = tonumber(redis.call("HGET", KEYS[1], "max_requests"))
local window = tonumber(redis.call("HGET", KEYS[1], "window_seconds"))
if not max_requests or not window or window <= 0 then
    max_requests = tonumber(ARGV[2])
    window = tonumber(ARGV[3])
end
local tokens = tonumber(redis.call("HGET", KEYS[2], "tokens"))
local last = tonumber(redis.call("HGET", KEYS[2], "last_refill"))
if not tokens or not last then
    tokens = max_requests
    last = tonumber(ARGV[1])
end
local elapsed = tonumber(ARGV[1]) - last
if elapsed > 0 then
    tokens = tokens + elapsed * (max_requests / window)
end
if tokens > max_requests then
    tokens = max_requests
end
return {tostring(tokens), tostring(max_requests), tostring(window)}
`)

// updateConfigScript rewrites the config and clips stored tokens down
// to the new capacity so a shrink takes effect immediately.
//
// KEYS: 1 rate_limit:config, 2 rate_limit:bucket
// ARGV: 1 max_requests, 2 window_seconds
var updateConfigScript = store.NewScript(`
redis.call("HSET", KEYS[1], "max_requests", ARGV[1], "window_seconds", ARGV[2])
local tokens = tonumber(redis.call("HGET", KEYS[2], "tokens"))
if tokens and tokens > tonumber(ARGV[1]) then
    redis.call("HSET", KEYS[2], "tokens", ARGV[1])
end
return 1
`)

// Scripts returns the limiter scripts for preloading at startup.
func Scripts() []*store.Script {
	return []*store.Script{acquireScript, statusScript, updateConfigScript}
}

// Status is a point-in-time view of the bucket.
type Status struct {
	Tokens      float64 `json:"tokens"`
	MaxRequests int     `json:"max_requests"`
	WindowSecs  int     `json:"window_seconds"`
}

// Limiter hands out provider call tokens from the shared bucket.
type Limiter struct {
	backend       Backend
	defaultMax    int
	defaultWindow int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewLimiter(backend Backend, defaultMax, defaultWindow int) *Limiter {
	return &Limiter{
		backend:       backend,
		defaultMax:    defaultMax,
		defaultWindow: defaultWindow,
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func nowSeconds(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

func (l *Limiter) keys() []string {
	return []string{store.KeyRateLimitCfg, store.KeyRateLimitBkt}
}

func (l *Limiter) tryAcquire(ctx context.Context) (bool, time.Duration, error) {
	res, err := l.backend.RunScript(ctx, acquireScript, l.keys(),
		nowSeconds(l.now()), 1, l.defaultMax, l.defaultWindow)
	if err != nil {
		return false, 0, fmt.Errorf("rate limit acquire: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return false, 0, fmt.Errorf("rate limit acquire: unexpected reply %T", res)
	}
	granted, ok := vals[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("rate limit acquire: unexpected grant %T", vals[0])
	}
	if granted == 1 {
		return true, 0, nil
	}
	waitStr, _ := vals[2].(string)
	waitSecs, err := strconv.ParseFloat(waitStr, 64)
	if err != nil {
		return false, 0, fmt.Errorf("rate limit acquire: bad wait %q", waitStr)
	}
	return false, time.Duration(waitSecs * float64(time.Second)), nil
}

// Acquire blocks until a token is granted or the timeout passes.
// A timeout of zero or less makes a single attempt. Returns
// ErrAcquireTimeout when the budget ran out; the circuit for retries
// is decided by the caller.
func (l *Limiter) Acquire(ctx context.Context, timeout time.Duration) error {
	start := l.now()
	deadline := start.Add(timeout)
	for {
		granted, wait, err := l.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if granted {
			observability.RateLimitWait.Observe(l.now().Sub(start).Seconds())
			return nil
		}
		if timeout <= 0 {
			observability.RateLimitTimeouts.Inc()
			return ErrAcquireTimeout
		}
		remaining := deadline.Sub(l.now())
		if remaining <= 0 {
			observability.RateLimitTimeouts.Inc()
			return ErrAcquireTimeout
		}
		if wait > remaining {
			wait = remaining
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Status returns the refreshed bucket view without taking a token.
func (l *Limiter) Status(ctx context.Context) (Status, error) {
	res, err := l.backend.RunScript(ctx, statusScript, l.keys(),
		nowSeconds(l.now()), l.defaultMax, l.defaultWindow)
	if err != nil {
		return Status{}, fmt.Errorf("rate limit status: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Status{}, fmt.Errorf("rate limit status: unexpected reply %T", res)
	}
	var st Status
	if s, ok := vals[0].(string); ok {
		st.Tokens, _ = strconv.ParseFloat(s, 64)
	}
	if s, ok := vals[1].(string); ok {
		max, _ := strconv.ParseFloat(s, 64)
		st.MaxRequests = int(max)
	}
	if s, ok := vals[2].(string); ok {
		window, _ := strconv.ParseFloat(s, 64)
		st.WindowSecs = int(window)
	}
	return st, nil
}

// UpdateConfig replaces the shared limit. Stored tokens above the new
// capacity are clipped so the change applies at once.
func (l *Limiter) UpdateConfig(ctx context.Context, maxRequests, windowSecs int) error {
	if maxRequests <= 0 || windowSecs <= 0 {
		return fmt.Errorf("rate limit config: max_requests and window_seconds must be positive")
	}
	if _, err := l.backend.RunScript(ctx, updateConfigScript, l.keys(), maxRequests, windowSecs); err != nil {
		return fmt.Errorf("rate limit config: %w", err)
	}
	return nil
}

// Reset drops the bucket; the next acquire starts from a full bucket.
func (l *Limiter) Reset(ctx context.Context) error {
	if err := l.backend.Delete(ctx, store.KeyRateLimitBkt); err != nil {
		return fmt.Errorf("rate limit reset: %w", err)
	}
	return nil
}
