package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PageCache caches extracted page content by URL.
type PageCache interface {
	// Get returns the cached content and whether it was found and fresh.
	Get(ctx context.Context, url string) (string, bool, error)
	Set(ctx context.Context, url, content string) error
	Close() error
}

type cachedPage struct {
	content     string
	lastUpdated time.Time
}

// MemoryPageCache provides thread-safe in-process caching of fetched pages
type MemoryPageCache struct {
	mu    sync.RWMutex
	pages map[string]cachedPage
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryPageCache creates a new page cache with the specified TTL
func NewMemoryPageCache(ttl time.Duration) *MemoryPageCache {
	return &MemoryPageCache{
		pages: make(map[string]cachedPage),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get retrieves a page from cache if not expired
func (c *MemoryPageCache) Get(_ context.Context, url string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	page, ok := c.pages[url]
	if !ok {
		return "", false, nil
	}

	// Check if cache has expired
	if c.now().Sub(page.lastUpdated) > c.ttl {
		return "", false, nil
	}

	return page.content, true, nil
}

// Set stores a page and drops expired ones
func (c *MemoryPageCache) Set(_ context.Context, url, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, page := range c.pages {
		if now.Sub(page.lastUpdated) > c.ttl {
			delete(c.pages, key)
		}
	}

	c.pages[url] = cachedPage{content: content, lastUpdated: now}
	return nil
}

// Len returns the number of pages held, expired or not
func (c *MemoryPageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.pages)
}

// Close is a no-op for the memory cache.
func (c *MemoryPageCache) Close() error {
	return nil
}

// redisPageKeyPrefix namespaces cached pages in a shared Redis
const redisPageKeyPrefix = "llm-council:page:"

// RedisPageCache shares fetched pages between instances through Redis.
type RedisPageCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPageCache connects to Redis at addr and checks it is reachable.
func NewRedisPageCache(ctx context.Context, addr string, ttl time.Duration) (*RedisPageCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisPageCache{client: client, ttl: ttl}, nil
}

func (c *RedisPageCache) key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return redisPageKeyPrefix + hex.EncodeToString(sum[:])
}

// Get retrieves a page; Redis expires entries after the TTL.
func (c *RedisPageCache) Get(ctx context.Context, url string) (string, bool, error) {
	content, err := c.client.Get(ctx, c.key(url)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("page cache get: %w", err)
	}
	return content, true, nil
}

// Set stores a page with the cache TTL.
func (c *RedisPageCache) Set(ctx context.Context, url, content string) error {
	if err := c.client.Set(ctx, c.key(url), content, c.ttl).Err(); err != nil {
		return fmt.Errorf("page cache set: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (c *RedisPageCache) Close() error {
	return c.client.Close()
}
