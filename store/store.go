package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/taskforge/observability"
)

// Config carries the connection policy for the three pools.
type Config struct {
	Addr     string
	Password string
	DB       int

	// MaxConns bounds the standard pool used for short operations and
	// scripts. BlockingConns bounds the dedicated pool for BRPOP and
	// pub/sub, which hold connections for seconds at a time.
	MaxConns      int
	BlockingConns int

	SocketTimeout  time.Duration
	HealthInterval time.Duration
}

// Store is the shared coordination backend. It wraps three go-redis
// clients: std for short commands and scripts, blocking for long pops and
// subscriptions, pipe for batched round-trips. go-redis retries
// connection-class errors with exponential backoff internally; logical
// replies (nil, script results) pass through untouched.
type Store struct {
	std      *redis.Client
	blocking *redis.Client
	pipe     *redis.Client

	healthInterval time.Duration
}

// New connects all three pools and verifies them with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 50
	}
	if cfg.BlockingConns <= 0 {
		cfg.BlockingConns = 10
	}
	if cfg.SocketTimeout <= 0 {
		cfg.SocketTimeout = 10 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}

	std := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.MaxConns,
		ReadTimeout:     cfg.SocketTimeout,
		WriteTimeout:    cfg.SocketTimeout,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	// Blocking commands compute their own read deadline from the pop
	// timeout, so this pool only needs headroom and keepalive.
	blocking := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.BlockingConns,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	pipe := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.MaxConns,
		ReadTimeout:     cfg.SocketTimeout,
		WriteTimeout:    cfg.SocketTimeout,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	s := &Store{std: std, blocking: blocking, pipe: pipe, healthInterval: cfg.HealthInterval}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for name, c := range map[string]*redis.Client{"standard": std, "blocking": blocking, "pipeline": pipe} {
		if err := c.Ping(pingCtx).Err(); err != nil {
			s.Close()
			return nil, fmt.Errorf("redis %s pool ping failed: %w", name, err)
		}
	}
	return s, nil
}

// Close releases all pools.
func (s *Store) Close() error {
	var first error
	for _, c := range []*redis.Client{s.std, s.blocking, s.pipe} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// HealthLoop pings each pool on the configured interval until ctx ends.
// go-redis retires broken connections on its own; this loop exists so an
// unreachable Redis shows up in the logs before operations start failing.
func (s *Store) HealthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := s.std.Ping(pingCtx).Err(); err != nil {
				log.Printf("[store] health ping failed: %v", err)
			}
			cancel()
		}
	}
}

func observe(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// --- Hashes ---

func (s *Store) HashSet(ctx context.Context, key string, fields map[string]interface{}) error {
	defer observe(time.Now())
	return s.std.HSet(ctx, key, fields).Err()
}

// HashGet returns "" for a missing key or field.
func (s *Store) HashGet(ctx context.Context, key, field string) (string, error) {
	defer observe(time.Now())
	val, err := s.std.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	defer observe(time.Now())
	return s.std.HGetAll(ctx, key).Result()
}

func (s *Store) HashIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	defer observe(time.Now())
	return s.std.HIncrBy(ctx, key, field, incr).Result()
}

// --- Lists (FIFO queues: LPUSH + BRPOP) ---

func (s *Store) ListPushLeft(ctx context.Context, key string, values ...interface{}) error {
	defer observe(time.Now())
	return s.std.LPush(ctx, key, values...).Err()
}

// PopBlockingRight pops from the first non-empty key, waiting up to
// timeout. A miss returns ("", "", nil). Cancelling ctx aborts the wait.
func (s *Store) PopBlockingRight(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	res, err := s.blocking.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	if len(res) != 2 {
		return "", "", fmt.Errorf("unexpected brpop reply of %d elements", len(res))
	}
	return res[0], res[1], nil
}

func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	defer observe(time.Now())
	return s.std.LLen(ctx, key).Result()
}

func (s *Store) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	defer observe(time.Now())
	return s.std.LRange(ctx, key, start, stop).Result()
}

func (s *Store) ListRemove(ctx context.Context, key, value string) error {
	defer observe(time.Now())
	return s.std.LRem(ctx, key, 0, value).Err()
}

// --- Ordered sets (time-indexed scheduling) ---

func (s *Store) ZSetAdd(ctx context.Context, key string, score float64, member string) error {
	defer observe(time.Now())
	return s.std.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZSetRangeByScore returns up to limit members with score <= max,
// lowest score first. Members with equal score come back in
// lexicographic order, which keeps promotion deterministic.
func (s *Store) ZSetRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error) {
	defer observe(time.Now())
	return s.std.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", max),
		Count: limit,
	}).Result()
}

func (s *Store) ZSetRemove(ctx context.Context, key string, members ...interface{}) error {
	defer observe(time.Now())
	return s.std.ZRem(ctx, key, members...).Err()
}

func (s *Store) ZSetCard(ctx context.Context, key string) (int64, error) {
	defer observe(time.Now())
	return s.std.ZCard(ctx, key).Result()
}

// --- Counters ---

func (s *Store) CounterIncr(ctx context.Context, key string, delta int64) (int64, error) {
	defer observe(time.Now())
	return s.std.IncrBy(ctx, key, delta).Result()
}

func (s *Store) CounterGet(ctx context.Context, key string) (int64, error) {
	defer observe(time.Now())
	val, err := s.std.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// --- Sets ---

func (s *Store) SetAdd(ctx context.Context, key string, members ...interface{}) error {
	defer observe(time.Now())
	return s.std.SAdd(ctx, key, members...).Err()
}

func (s *Store) SetRemove(ctx context.Context, key string, members ...interface{}) error {
	defer observe(time.Now())
	return s.std.SRem(ctx, key, members...).Err()
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	defer observe(time.Now())
	return s.std.SMembers(ctx, key).Result()
}

// --- Pub/Sub ---

func (s *Store) Publish(ctx context.Context, channel string, payload interface{}) error {
	defer observe(time.Now())
	return s.std.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a subscription on the blocking pool. The caller owns the
// returned PubSub and must Close it.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.blocking.Subscribe(ctx, channels...)
}

// --- Locks (SET NX EX with owner-checked release) ---

var releaseLockScript = NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`)

// AcquireLock takes a short-lived mutual-exclusion lock.
func (s *Store) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	defer observe(time.Now())
	return s.std.SetNX(ctx, key, ownerID, ttl).Result()
}

// ReleaseLock deletes the lock only if still held by ownerID.
func (s *Store) ReleaseLock(ctx context.Context, key, ownerID string) error {
	_, err := s.RunScript(ctx, releaseLockScript, []string{key}, ownerID)
	return err
}

var renewLockScript = NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end
`)

// RenewLock extends the lock's TTL only if still held by ownerID.
// Returns false when the lock was lost.
func (s *Store) RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	res, err := s.RunScript(ctx, renewLockScript, []string{key}, ownerID, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	return ok && n == 1, nil
}

// --- Keyspace helpers ---

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	defer observe(time.Now())
	return s.std.Expire(ctx, key, ttl).Err()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	defer observe(time.Now())
	n, err := s.std.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	defer observe(time.Now())
	return s.std.Del(ctx, keys...).Err()
}

// ScanKeys walks the keyspace for pattern. SCAN-based, safe on live data.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	defer observe(time.Now())
	var keys []string
	iter := s.std.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Pipeline returns a batched pipeline on the dedicated pool. Best-effort:
// individual command errors come back per command on Exec.
func (s *Store) Pipeline() redis.Pipeliner {
	return s.pipe.Pipeline()
}
