package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/seeker/config"
	"github.com/mohammad-safakhou/seeker/internal/search"
)

// CacheRetention is how long a cached search result stays servable.
const CacheRetention = 2 * time.Hour

// Cache is a short-lived query -> search result cache. Eviction is
// eventual, driven by Sweep (memory backend) or key TTLs (redis backend).
type Cache interface {
	Get(ctx context.Context, query string) (*search.Result, bool)
	Put(ctx context.Context, query string, res *search.Result)
	Len(ctx context.Context) int
	Sweep(ctx context.Context, now time.Time) int
}

func cacheKey(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

type memoryEntry struct {
	res *search.Result
	at  time.Time
}

// MemoryCache is the default in-process cache backend.
type MemoryCache struct {
	mu        sync.RWMutex
	entries   map[string]memoryEntry
	retention time.Duration
}

func NewMemoryCache(retention time.Duration) *MemoryCache {
	if retention <= 0 {
		retention = CacheRetention
	}
	return &MemoryCache{entries: make(map[string]memoryEntry), retention: retention}
}

func (c *MemoryCache) Get(_ context.Context, query string) (*search.Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey(query)]
	if !ok || time.Since(e.at) > c.retention {
		return nil, false
	}
	return e.res, true
}

func (c *MemoryCache) Put(_ context.Context, query string, res *search.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(query)] = memoryEntry{res: res, at: time.Now()}
}

func (c *MemoryCache) Len(_ context.Context) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) Sweep(_ context.Context, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.at) > c.retention {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

const redisKeyPrefix = "search:"

// RedisCache stores results in Redis with a per-key TTL, so Sweep has
// nothing to do.
type RedisCache struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisClient dials Redis and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		DialTimeout: cfg.Timeout,
		Password:    cfg.Password,
		DB:          cfg.DB,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, err
	}
	if pong != "PONG" {
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}
	return client, nil
}

func NewRedisCache(client *redis.Client, retention time.Duration) *RedisCache {
	if retention <= 0 {
		retention = CacheRetention
	}
	return &RedisCache{client: client, retention: retention}
}

func (c *RedisCache) Get(ctx context.Context, query string) (*search.Result, bool) {
	val, err := c.client.Get(ctx, redisKeyPrefix+cacheKey(query)).Result()
	if err != nil {
		return nil, false
	}
	var res search.Result
	if err := json.Unmarshal([]byte(val), &res); err != nil {
		return nil, false
	}
	if res.Organic == nil {
		res.Organic = []search.Organic{}
	}
	return &res, true
}

func (c *RedisCache) Put(ctx context.Context, query string, res *search.Result) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, redisKeyPrefix+cacheKey(query), data, c.retention).Err()
}

func (c *RedisCache) Len(ctx context.Context) int {
	keys, err := c.client.Keys(ctx, redisKeyPrefix+"*").Result()
	if err != nil {
		return 0
	}
	return len(keys)
}

func (c *RedisCache) Sweep(_ context.Context, _ time.Time) int {
	// Redis evicts by key TTL.
	return 0
}
