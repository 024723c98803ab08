package imageload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/koios/shotframe/internal/config"
	"github.com/redis/go-redis/v9"
)

// ByteCache stores raw image bytes keyed by reference.
type ByteCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisCache stores fetched image bytes in Redis
type RedisCache struct {
	client *redis.Client
}

// ScopedCache prefixes every key with a namespace
type ScopedCache struct {
	cache *RedisCache
	scope string
}

// NewRedisCache creates a new shared Redis cache instance
func NewRedisCache(cfg *config.RedisConfig) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisCache{
		client: rdb,
	}
}

// NewRedisCacheFromClient creates a new Redis cache instance from an existing client
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
	}
}

// WithScope returns a cache whose keys live under scope
func (r *RedisCache) WithScope(scope string) *ScopedCache {
	return &ScopedCache{
		cache: r,
		scope: scope,
	}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Ping tests the Redis connection
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// buildKey hashes the reference so URLs and data URIs make safe, bounded keys
func (c *ScopedCache) buildKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%s/%s", c.scope, hex.EncodeToString(sum[:]))
}

// Get retrieves a value from the Redis cache
func (c *ScopedCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cacheKey := c.buildKey(key)

	result, err := c.cache.client.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get key %s from Redis: %w", cacheKey, err)
	}

	return result, true, nil
}

// Set stores a value in the Redis cache with the specified TTL
func (c *ScopedCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cacheKey := c.buildKey(key)

	if err := c.cache.client.Set(ctx, cacheKey, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s in Redis: %w", cacheKey, err)
	}

	return nil
}

// Flush removes all cache entries in the scope
func (c *ScopedCache) Flush(ctx context.Context) error {
	pattern := fmt.Sprintf("%s/*", c.scope)

	iter := c.cache.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan for keys with pattern %s: %w", pattern, err)
	}

	if len(keys) > 0 {
		if err := c.cache.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys: %w", err)
		}
	}

	return nil
}

// Stats returns the number of cached entries in the scope
func (c *ScopedCache) Stats(ctx context.Context) (int64, error) {
	pattern := fmt.Sprintf("%s/*", c.scope)

	var count int64
	iter := c.cache.client.Scan(ctx, 0, pattern, 0).Iterator()

	for iter.Next(ctx) {
		count++
	}

	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to count keys with pattern %s: %w", pattern, err)
	}

	return count, nil
}
