package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const webhookDedupeTTL = 48 * time.Hour

// WebhookDedupe remembers which provider events were already handled.
type WebhookDedupe interface {
	// Begin reserves the event. It returns false when the event was seen before.
	Begin(ctx context.Context, provider, eventID string) (bool, error)
	Complete(ctx context.Context, provider, eventID string) error
	// Release forgets a reservation so a redelivery is processed again.
	Release(ctx context.Context, provider, eventID string) error
}

func webhookDedupeKey(provider, eventID string) string {
	return fmt.Sprintf("idempotency:%s:%s", provider, eventID)
}

// RedisWebhookDedupe stores idempotency keys in Redis with a 48h TTL.
type RedisWebhookDedupe struct {
	client redis.UniversalClient
}

func NewRedisWebhookDedupe(client redis.UniversalClient) *RedisWebhookDedupe {
	return &RedisWebhookDedupe{client: client}
}

func (r *RedisWebhookDedupe) Begin(ctx context.Context, provider, eventID string) (bool, error) {
	return r.client.SetNX(ctx, webhookDedupeKey(provider, eventID), "processing", webhookDedupeTTL).Result()
}

func (r *RedisWebhookDedupe) Complete(ctx context.Context, provider, eventID string) error {
	return r.client.Set(ctx, webhookDedupeKey(provider, eventID), "done", webhookDedupeTTL).Err()
}

func (r *RedisWebhookDedupe) Release(ctx context.Context, provider, eventID string) error {
	return r.client.Del(ctx, webhookDedupeKey(provider, eventID)).Err()
}

// MemoryWebhookDedupe is the in-process fallback.
type MemoryWebhookDedupe struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryWebhookDedupe() *MemoryWebhookDedupe {
	return &MemoryWebhookDedupe{seen: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryWebhookDedupe) Begin(ctx context.Context, provider, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := webhookDedupeKey(provider, eventID)
	if expires, ok := m.seen[key]; ok && m.now().Before(expires) {
		return false, nil
	}
	m.seen[key] = m.now().Add(webhookDedupeTTL)
	return true, nil
}

func (m *MemoryWebhookDedupe) Complete(ctx context.Context, provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[webhookDedupeKey(provider, eventID)] = m.now().Add(webhookDedupeTTL)
	return nil
}

func (m *MemoryWebhookDedupe) Release(ctx context.Context, provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, webhookDedupeKey(provider, eventID))
	return nil
}
