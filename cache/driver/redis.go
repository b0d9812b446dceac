package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDriver is the go-redis/v9-backed cache tier.
type RedisDriver struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDriver parses url and verifies connectivity once. ttl, if
// positive, is applied to every Set; zero means no expiration beyond
// explicit Delete/Clear.
func NewRedisDriver(ctx context.Context, url string, ttl time.Duration) (*RedisDriver, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connect redis: %w", err)
	}
	return &RedisDriver{client: client, ttl: ttl}, nil
}

func (d *RedisDriver) Kind() Kind { return KindRedis }

func (d *RedisDriver) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := d.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (d *RedisDriver) Set(ctx context.Context, key string, value []byte) error {
	return d.client.Set(ctx, key, value, d.ttl).Err()
}

func (d *RedisDriver) Delete(ctx context.Context, key string) error {
	return d.client.Del(ctx, key).Err()
}

func (d *RedisDriver) Clear(ctx context.Context, prefix string) error {
	var cursor uint64
	for {
		keys, next, err := d.client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := d.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (d *RedisDriver) Size(ctx context.Context) (int64, error) {
	keys, err := d.Keys(ctx, "")
	return int64(len(keys)), err
}

func (d *RedisDriver) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		keys, next, err := d.client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if strings.HasPrefix(k, prefix) {
				out = append(out, k)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}
