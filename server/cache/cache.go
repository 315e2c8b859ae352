package cache

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache stores JSON-encodable values. Get decodes into dest, which must be a
// pointer. A non-positive ttl falls back to the cache's default.
type Cache interface {
	SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error

	Get(ctx context.Context, key string, dest any) error

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Connected bool   `json:"connected"`
	Items     int    `json:"items"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Info      string `json:"info"`
}

func GenerateCacheKey(components ...string) string {
	h := md5.New()
	for _, component := range components {
		h.Write([]byte(component))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
