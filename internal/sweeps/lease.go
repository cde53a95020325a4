package sweeps

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is the leader election a sweep takes before it runs. One holder per
// sweep name; a crashed holder frees the lease when the TTL lapses.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// memoryLease grants every request. A single-process deployment has no
// competing sweepers, so the lease is a formality.
type memoryLease struct {
	mu   sync.Mutex
	held map[string]time.Time
}

// MemoryLease returns the in-process lease used when Redis is not
// configured.
func MemoryLease() Lease {
	return &memoryLease{held: map[string]time.Time{}}
}

func (l *memoryLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until, ok := l.held[name]; ok && time.Now().Before(until) {
		return false, nil
	}
	l.held[name] = time.Now().Add(ttl)
	return true, nil
}

func (l *memoryLease) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
	return nil
}

// redisLease holds a SET NX key per sweep name. Release only deletes a key
// this holder owns, so a slow sweep that outlives its TTL cannot free the
// next leader's lease.
type redisLease struct {
	rdb    *redis.Client
	holder string
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLease returns a lease backed by the given client.
func RedisLease(rdb *redis.Client) Lease {
	return &redisLease{rdb: rdb, holder: uuid.NewString()}
}

func (l *redisLease) key(name string) string {
	return "sweeps:lease:" + name
}

func (l *redisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, l.key(name), l.holder, ttl).Result()
}

func (l *redisLease) Release(ctx context.Context, name string) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key(name)}, l.holder).Err()
}
