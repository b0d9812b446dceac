package pluginstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAccelerator offers a fast SETNX-based lock path in front of the
// object-store-backed lock, for deployments where Redis is available as a
// low-latency coordination point. It is purely an optimization: correctness
// still falls back to the object-store lock if Redis is unreachable, the
// same advisory, TTL-bounded acquisition used when the backing store lacks
// conditional create.
type RedisAccelerator struct {
	client *redis.Client
}

// NewRedisAccelerator parses url (same scheme go-redis/v9 accepts) and
// verifies connectivity once.
func NewRedisAccelerator(ctx context.Context, url string) (*RedisAccelerator, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("pluginstore: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("pluginstore: connect redis: %w", err)
	}
	return &RedisAccelerator{client: client}, nil
}

// TryAcquire attempts the Redis-side SETNX; a false result with nil error
// means contention, not failure, and AcquireLock keeps polling Redis until
// its timeout. Only an error sends AcquireLock to the object-store lock
// path.
func (r *RedisAccelerator) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, "plgslock:"+name, owner, ttl).Result()
}

// Release deletes the Redis key iff it currently holds owner.
func (r *RedisAccelerator) Release(ctx context.Context, name, owner string) error {
	key := "plgslock:" + name
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pluginstore: read redis lock %s: %w", name, err)
	}
	if val != owner {
		return nil
	}
	return r.client.Del(ctx, key).Err()
}

// Close releases the underlying Redis connection.
func (r *RedisAccelerator) Close() error { return r.client.Close() }
