package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisProvider stores entries in Redis under a common key prefix.
type RedisProvider struct {
	client *redis.Client
	prefix string
}

// NewRedisProvider wraps an existing client. Clear only removes keys that
// carry prefix.
func NewRedisProvider(client *redis.Client, prefix string) *RedisProvider {
	return &RedisProvider{client: client, prefix: prefix}
}

func (provider *RedisProvider) key(k string) string {
	return provider.prefix + k
}

// Get treats any Redis error as a miss.
func (provider *RedisProvider) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := provider.client.Get(ctx, provider.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "redis cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	return data, true
}

func (provider *RedisProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return provider.client.Set(ctx, provider.key(key), value, ttl).Err()
}

func (provider *RedisProvider) Delete(ctx context.Context, key string) error {
	return provider.client.Del(ctx, provider.key(key)).Err()
}

func (provider *RedisProvider) Clear(ctx context.Context) error {
	iter := provider.client.Scan(ctx, 0, provider.prefix+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := provider.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return provider.client.Del(ctx, batch...).Err()
	}
	return nil
}

// Close closes the underlying client.
func (provider *RedisProvider) Close() error {
	return provider.client.Close()
}
