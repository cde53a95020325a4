package query

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache holds encoded projection states keyed by
// "<kind>:<id>:<watermark_event_id>". The watermark in the key makes
// invalidation free: a command commit moves the aggregate's watermark, so
// every stale entry simply stops being looked up and ages out by TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte)
}

const cacheTTL = 10 * time.Minute

// redisCache is the shared cache used when REDIS_ADDR is configured.
type redisCache struct {
	rdb *redis.Client
}

// RedisCache wraps a go-redis client. Errors degrade to cache misses; the
// store remains the source of truth.
func RedisCache(rdb *redis.Client) Cache {
	return &redisCache{rdb: rdb}
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.rdb.Get(ctx, "proj:"+key).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

func (c *redisCache) Set(ctx context.Context, key string, val []byte) {
	c.rdb.Set(ctx, "proj:"+key, val, cacheTTL)
}

// memoryCache is the single-process fallback. Entries are dropped wholesale
// once the map grows past a bound; watermark keys mean there is nothing to
// invalidate selectively.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

const memoryCacheBound = 4096

// MemoryCache returns the in-process cache.
func MemoryCache() Cache {
	return &memoryCache{entries: map[string][]byte{}}
}

func (c *memoryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	val, ok := c.entries[key]
	return val, ok
}

func (c *memoryCache) Set(ctx context.Context, key string, val []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= memoryCacheBound {
		c.entries = map[string][]byte{}
	}
	c.entries[key] = val
}
