package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS[1] usage counter, KEYS[2] idempotency marker.
// ARGV[1] counter expiry (unix ms), ARGV[2] marker ttl (ms).
var usageIncrementScript = redis.NewScript(`
if redis.call("SET", KEYS[2], "1", "NX", "PX", ARGV[2]) then
  local current = redis.call("INCR", KEYS[1])
  redis.call("PEXPIREAT", KEYS[1], ARGV[1])
  return current
end
local current = redis.call("GET", KEYS[1])
if not current then
  return 0
end
return tonumber(current)
`)

// RedisUsageCounter keeps monthly usage counters in Redis so every replica shares them.
type RedisUsageCounter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisUsageCounter(client redis.UniversalClient, prefix string) *RedisUsageCounter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "collections"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisUsageCounter{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (r *RedisUsageCounter) Get(ctx context.Context, key string) (int64, error) {
	count, err := r.client.Get(ctx, r.prefix+":"+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return count, err
}

func (r *RedisUsageCounter) Increment(ctx context.Context, key, idempotencyKey string, expireAt time.Time) (int64, error) {
	counterKey := r.prefix + ":" + key
	markerKey := counterKey + ":op:" + idempotencyKey

	markerTTL := time.Until(expireAt)
	if markerTTL < time.Hour {
		markerTTL = time.Hour
	}

	raw, err := usageIncrementScript.Run(ctx, r.client,
		[]string{counterKey, markerKey},
		expireAt.UnixMilli(),
		markerTTL.Milliseconds(),
	).Result()
	if err != nil {
		return 0, err
	}
	count, ok := raw.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected redis usage response type: %T", raw)
	}
	return count, nil
}

// MemoryUsageCounter is the single-process counter used when Redis is not configured.
type MemoryUsageCounter struct {
	mu      sync.Mutex
	counts  map[string]int64
	applied map[string]bool
}

func NewMemoryUsageCounter() *MemoryUsageCounter {
	return &MemoryUsageCounter{
		counts:  make(map[string]int64),
		applied: make(map[string]bool),
	}
}

func (m *MemoryUsageCounter) Get(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key], nil
}

func (m *MemoryUsageCounter) Increment(ctx context.Context, key, idempotencyKey string, expireAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	marker := key + ":op:" + idempotencyKey
	if !m.applied[marker] {
		m.applied[marker] = true
		m.counts[key]++
	}
	return m.counts[key], nil
}
