package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Cache holds resolved prices. A miss is (0, false, nil).
type Cache interface {
	Get(ctx context.Context, kind string) (int64, bool, error)
	Set(ctx context.Context, kind string, cost int64) error
	Delete(ctx context.Context, kinds ...string) error
}

type MemoryCache struct {
	mu sync.RWMutex
	m  map[string]int64
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{m: make(map[string]int64)}
}

func (c *MemoryCache) Get(_ context.Context, kind string) (int64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[kind]
	return v, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, kind string, cost int64) error {
	c.mu.Lock()
	c.m[kind] = cost
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, kinds ...string) error {
	c.mu.Lock()
	for _, k := range kinds {
		delete(c.m, k)
	}
	c.mu.Unlock()
	return nil
}

// RedisCache shares prices across API replicas. Entries carry no TTL;
// Reload deletes the keys it changes.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "price"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(kind string) string {
	return fmt.Sprintf("%s:%s", c.prefix, kind)
}

func (c *RedisCache) Get(ctx context.Context, kind string) (int64, bool, error) {
	v, err := c.client.Get(ctx, c.key(kind)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get price: %w", err)
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, kind string, cost int64) error {
	if err := c.client.Set(ctx, c.key(kind), cost, 0).Err(); err != nil {
		return fmt.Errorf("redis set price: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, kinds ...string) error {
	if len(kinds) == 0 {
		return nil
	}
	keys := make([]string, len(kinds))
	for i, k := range kinds {
		keys[i] = c.key(k)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete prices: %w", err)
	}
	return nil
}
