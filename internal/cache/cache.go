// Package cache is the message-reliability cache sitting between the chat
// pipeline's broadcast and persist stages: a message is cached immediately
// after validation so a crash between broadcast and persist leaves a
// recoverable trail, then the cache entry is cleared once the row lands in
// Postgres. Backed by Redis when an address is configured, with a silent
// in-memory fallback otherwise.
package cache

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pkgcache "github.com/devan1shX/metaverse/pkg/cache"
	"github.com/devan1shX/metaverse/pkg/redis"
)

// Cache is the reliability-cache contract the chat pipeline depends on.
type Cache interface {
	Save(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// New builds a Cache, preferring Redis at redisAddr and falling back to the
// in-memory implementation if the address is empty or Redis is unreachable.
func New(ctx context.Context, redisAddr string) (Cache, error) {
	if redisAddr == "" {
		return NewMemory(), nil
	}

	client, err := redis.NewUniversalClient(ctx, redis.Config{
		Mode:  redis.ModeSingle,
		Addrs: []string{redisAddr},
	})
	if err != nil {
		return NewMemory(), nil
	}
	return &redisCache{client: client}, nil
}

// redisCache is the Redis-backed implementation.
type redisCache struct {
	client goredis.UniversalClient
}

func (c *redisCache) Save(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache save: %w", err)
	}
	return nil
}

func (c *redisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get: %w", err)
	}
	return val, true, nil
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

func (c *redisCache) Close() error { return c.client.Close() }

// memoryCache wraps pkg/cache's TTL cache, bypassing its loader-based Get
// in favor of direct Set/Peek/Delete since the chat pipeline always knows
// the value it wants cached up front.
type memoryCache struct {
	inner *pkgcache.Cache
}

// NewMemory builds the in-memory fallback cache.
func NewMemory() Cache {
	return &memoryCache{inner: pkgcache.New(pkgcache.Options{}, pkgcache.MetricsHooks{})}
}

func (c *memoryCache) Save(_ context.Context, key, value string, ttl time.Duration) error {
	c.inner.Set(key, value, ttl)
	return nil
}

func (c *memoryCache) Get(_ context.Context, key string) (string, bool, error) {
	val, ok := c.inner.Peek(key)
	if !ok {
		return "", false, nil
	}
	s, _ := val.(string)
	return s, true, nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.inner.Delete(key)
	return nil
}

func (c *memoryCache) Close() error { return nil }
