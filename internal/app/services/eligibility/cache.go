package eligibility

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bigkatzo/storefront-checkout/internal/app/domain/eligibility"
)

// DefaultTTL bounds re-checks on repeated checkout attempts within a session.
const DefaultTTL = time.Hour

// Cache stores verification outcomes keyed by wallet+rule.
type Cache interface {
	Get(ctx context.Context, key string) (eligibility.Verification, bool)
	Set(ctx context.Context, key string, v eligibility.Verification, ttl time.Duration)
}

// memoryCache is the in-process fallback when Redis is not configured.
// Entries expire at their TTL and are evicted lazily on the next Get, so the
// map cannot grow unbounded with stale wallet+rule results.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     eligibility.Verification
	expiresAt time.Time
}

// NewMemoryCache creates an in-process verification cache.
func NewMemoryCache() Cache {
	return &memoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *memoryCache) Get(_ context.Context, key string) (eligibility.Verification, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return eligibility.Verification{}, false
	}
	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && c.now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return eligibility.Verification{}, false
	}
	return e.value, true
}

func (c *memoryCache) Set(_ context.Context, key string, v eligibility.Verification, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{value: v, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// redisCache shares verification results across instances.
type redisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a Redis-backed verification cache.
func NewRedisCache(client *redis.Client) Cache {
	return &redisCache{client: client, prefix: "eligibility:"}
}

func (c *redisCache) Get(ctx context.Context, key string) (eligibility.Verification, bool) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return eligibility.Verification{}, false
		}
		return eligibility.Verification{}, false
	}
	var v eligibility.Verification
	if err := json.Unmarshal(raw, &v); err != nil {
		return eligibility.Verification{}, false
	}
	return v, true
}

func (c *redisCache) Set(ctx context.Context, key string, v eligibility.Verification, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.prefix+key, raw, ttl)
}
