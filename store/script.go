package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/itskum47/taskforge/observability"
)

// Script is a server-side Lua script with its preloaded SHA. All multi-key
// mutations that must stay atomic run through one of these.
type Script struct {
	src string

	mu  sync.Mutex
	sha string
}

// NewScript wraps Lua source. The SHA is loaded lazily on first run or
// eagerly via Store.LoadScripts.
func NewScript(src string) *Script {
	return &Script{src: src}
}

func (sc *Script) shaValue() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sha
}

func (sc *Script) setSHA(sha string) {
	sc.mu.Lock()
	sc.sha = sha
	sc.mu.Unlock()
}

// LoadScripts preloads script SHAs so the source is not resent per call.
func (s *Store) LoadScripts(ctx context.Context, scripts ...*Script) error {
	for _, sc := range scripts {
		sha, err := s.std.ScriptLoad(ctx, sc.src).Result()
		if err != nil {
			return fmt.Errorf("script preload failed: %w", err)
		}
		sc.setSHA(sha)
	}
	return nil
}

// RunScript evaluates the script atomically. A NOSCRIPT reply (Redis
// restarted, script cache flushed) reloads the source and retries once.
func (s *Store) RunScript(ctx context.Context, sc *Script, keys []string, args ...interface{}) (interface{}, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	sha := sc.shaValue()
	if sha == "" {
		loaded, err := s.std.ScriptLoad(ctx, sc.src).Result()
		if err != nil {
			return nil, fmt.Errorf("script load failed: %w", err)
		}
		sc.setSHA(loaded)
		sha = loaded
	}

	res, err := s.std.EvalSha(ctx, sha, keys, args...).Result()
	if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
		loaded, lerr := s.std.ScriptLoad(ctx, sc.src).Result()
		if lerr != nil {
			return nil, fmt.Errorf("script reload failed: %w", lerr)
		}
		sc.setSHA(loaded)
		res, err = s.std.EvalSha(ctx, loaded, keys, args...).Result()
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}
