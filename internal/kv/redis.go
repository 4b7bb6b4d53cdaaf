// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

const deleteIfEqualScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisStore implements Store on Redis strings and sets. The caller owns the
// client lifecycle.
type RedisStore struct {
	client goredis.Cmdable
	prefix string
}

func NewRedisStore(client goredis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedis parses a redis:// URL and verifies the server answers.
func OpenRedis(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kv/redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kv/redis: ping: %w", err)
	}
	return client, nil
}

// Open returns a Redis-backed store when redisURL is set and an in-process
// store otherwise. The close function releases the Redis connection.
func Open(ctx context.Context, redisURL, prefix string) (Store, func() error, error) {
	if redisURL == "" {
		return NewMemoryStore(), func() error { return nil }, nil
	}
	client, err := OpenRedis(ctx, redisURL)
	if err != nil {
		return nil, nil, err
	}
	return NewRedisStore(client, prefix), client.Close, nil
}

func (r *RedisStore) key(k string) string {
	return r.prefix + k
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv/redis: get: %w", err)
	}
	return raw, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("kv/redis: set: %w", err)
	}
	return nil
}

func (r *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv/redis: setnx: %w", err)
	}
	return ok, nil
}

func (r *RedisStore) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := r.client.Eval(ctx, deleteIfEqualScript, []string{r.key(key)}, value).Int()
	if err != nil {
		return false, fmt.Errorf("kv/redis: delete if equal: %w", err)
	}
	return n > 0, nil
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, r.key(k))
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("kv/redis: del: %w", err)
	}
	return nil
}

func (r *RedisStore) SAdd(ctx context.Context, key string, member string) error {
	if err := r.client.SAdd(ctx, r.key(key), member).Err(); err != nil {
		return fmt.Errorf("kv/redis: sadd: %w", err)
	}
	return nil
}

func (r *RedisStore) SRem(ctx context.Context, key string, member string) error {
	if err := r.client.SRem(ctx, r.key(key), member).Err(); err != nil {
		return fmt.Errorf("kv/redis: srem: %w", err)
	}
	return nil
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("kv/redis: smembers: %w", err)
	}
	return members, nil
}
