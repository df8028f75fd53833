package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache holds whole price series in front of the repository. Entries expire
// after a TTL and are dropped explicitly whenever their series changes.
type Cache interface {
	Get(ctx context.Context, key Key) ([]Entry, bool)
	Set(ctx context.Context, key Key, series []Entry)
	Invalidate(ctx context.Context, key Key)
}

type cacheEntry struct {
	series    []Entry
	expiresAt time.Time
}

// LocalCache is an in-process TTL cache.
type LocalCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	now   func() time.Time
	items map[Key]cacheEntry
}

func NewLocalCache(ttl time.Duration) *LocalCache {
	return &LocalCache{ttl: ttl, now: time.Now, items: make(map[Key]cacheEntry)}
}

func (c *LocalCache) Get(ctx context.Context, key Key) ([]Entry, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(item.expiresAt) {
		c.Invalidate(ctx, key)
		return nil, false
	}
	return slices.Clone(item.series), true
}

func (c *LocalCache) Set(ctx context.Context, key Key, series []Entry) {
	c.mu.Lock()
	c.items[key] = cacheEntry{series: slices.Clone(series), expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *LocalCache) Invalidate(ctx context.Context, key Key) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// RedisCache shares cached series between instances. Redis errors degrade
// to cache misses.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, log: log}
}

func redisKey(key Key) string {
	return "pricing:series:" + key.String()
}

func (c *RedisCache) Get(ctx context.Context, key Key) ([]Entry, bool) {
	data, err := c.rdb.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("pricing cache get failed", zap.String("key", key.String()), zap.Error(err))
		}
		return nil, false
	}
	var series []Entry
	if err := json.Unmarshal(data, &series); err != nil {
		c.log.Warn("pricing cache entry unreadable", zap.String("key", key.String()), zap.Error(err))
		return nil, false
	}
	return series, true
}

func (c *RedisCache) Set(ctx context.Context, key Key, series []Entry) {
	data, err := json.Marshal(series)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKey(key), data, c.ttl).Err(); err != nil {
		c.log.Warn("pricing cache set failed", zap.String("key", key.String()), zap.Error(err))
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, key Key) {
	if err := c.rdb.Del(ctx, redisKey(key)).Err(); err != nil {
		c.log.Warn("pricing cache invalidate failed", zap.String("key", key.String()), zap.Error(err))
	}
}
