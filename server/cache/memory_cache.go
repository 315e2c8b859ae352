package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type MemoryCache struct {
	items   map[string]*cacheItem
	mutex   sync.RWMutex
	maxSize int
	ttl     time.Duration
	logger  *zap.Logger
	cleanup *time.Ticker
	stopCh  chan struct{}
	closed  sync.Once
	hits    int64
	misses  int64
	now     func() time.Time
}

type cacheItem struct {
	payload   []byte
	expiresAt time.Time
	lastUsed  time.Time
}

func NewMemoryCache(maxSize int, ttl time.Duration, logger *zap.Logger) *MemoryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := &MemoryCache{
		items:   make(map[string]*cacheItem),
		maxSize: maxSize,
		ttl:     ttl,
		logger:  logger,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	cache.cleanup = time.NewTicker(1 * time.Minute)
	go cache.cleanupExpired()

	return cache
}

func (c *MemoryCache) SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.items[key]; !exists && c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.evictLRU()
	}

	now := c.now()
	c.items[key] = &cacheItem{
		payload:   payload,
		expiresAt: now.Add(ttl),
		lastUsed:  now,
	}

	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string, dest any) error {
	c.mutex.Lock()
	item, exists := c.items[key]
	if exists && c.now().After(item.expiresAt) {
		delete(c.items, key)
		exists = false
	}
	if !exists {
		c.misses++
		c.mutex.Unlock()
		return ErrCacheMiss
	}
	item.lastUsed = c.now()
	c.hits++
	payload := item.payload
	c.mutex.Unlock()

	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("failed to decode cache value: %w", err)
	}
	return nil
}

func (c *MemoryCache) GetStats(ctx context.Context) (*CacheStats, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now()
	expired := 0
	for _, item := range c.items {
		if now.After(item.expiresAt) {
			expired++
		}
	}

	return &CacheStats{
		Connected: true,
		Items:     len(c.items),
		Hits:      c.hits,
		Misses:    c.misses,
		Info:      fmt.Sprintf("items=%d,expired=%d,max_size=%d", len(c.items), expired, c.maxSize),
	}, nil
}

func (c *MemoryCache) Close() error {
	c.closed.Do(func() {
		c.cleanup.Stop()
		close(c.stopCh)
	})
	return nil
}

func (c *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, item := range c.items {
		if oldestKey == "" || item.lastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.lastUsed
		}
	}

	if oldestKey != "" {
		delete(c.items, oldestKey)
		c.logger.Debug("Evicted cache entry", zap.String("key", oldestKey))
	}
}

func (c *MemoryCache) removeExpired() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	removed := 0
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) cleanupExpired() {
	for {
		select {
		case <-c.cleanup.C:
			c.removeExpired()
		case <-c.stopCh:
			return
		}
	}
}
