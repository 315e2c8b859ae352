package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimiter is a per-client-IP token bucket.
type RateLimiter struct {
	clients    map[string]*ClientBucket
	mutex      sync.RWMutex
	cleanup    *time.Ticker
	stopCh     chan struct{}
	stopped    sync.Once
	logger     *zap.Logger
	defaultRPS int
	burst      int
	now        func() time.Time
}

type ClientBucket struct {
	tokens     float64
	lastUpdate time.Time
	mutex      sync.Mutex
}

type RateLimitStats struct {
	ActiveClients int `json:"active_clients"`
	DefaultRPS    int `json:"default_rps"`
	BurstCapacity int `json:"burst_capacity"`
}

func NewRateLimiter(defaultRPS, burst int, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{
		clients:    make(map[string]*ClientBucket),
		stopCh:     make(chan struct{}),
		defaultRPS: defaultRPS,
		burst:      burst,
		logger:     logger,
		now:        time.Now,
	}

	rl.cleanup = time.NewTicker(5 * time.Minute)
	go rl.cleanupExpiredClients()

	return rl
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return rl.RateLimitWithConfig(rl.defaultRPS, rl.burst)
}

// RateLimitWithConfig shares buckets with RateLimit; use it for routes that
// need a tighter budget, such as launch and analyze.
func (rl *RateLimiter) RateLimitWithConfig(rps int, burst int) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		if !rl.allowRequestWithConfig(clientIP, rps, burst) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", c.Request.URL.Path),
				zap.Int("rps", rps))

			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) allowRequestWithConfig(clientIP string, rps, burst int) bool {
	now := rl.now()

	rl.mutex.Lock()
	bucket, exists := rl.clients[clientIP]
	if !exists {
		bucket = &ClientBucket{
			tokens:     float64(burst),
			lastUpdate: now,
		}
		rl.clients[clientIP] = bucket
	}
	rl.mutex.Unlock()

	return bucket.allowRequest(now, rps, burst)
}

func (cb *ClientBucket) allowRequest(now time.Time, rps, burst int) bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	elapsed := now.Sub(cb.lastUpdate)
	if elapsed > 0 {
		cb.tokens += elapsed.Seconds() * float64(rps)
		cb.lastUpdate = now
	}
	if cb.tokens > float64(burst) {
		cb.tokens = float64(burst)
	}

	if cb.tokens >= 1 {
		cb.tokens--
		return true
	}

	return false
}

func (rl *RateLimiter) cleanupExpiredClients() {
	for {
		select {
		case <-rl.cleanup.C:
			rl.removeIdleClients(10 * time.Minute)
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) removeIdleClients(maxIdle time.Duration) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	removed := 0
	for ip, bucket := range rl.clients {
		bucket.mutex.Lock()
		if now.Sub(bucket.lastUpdate) > maxIdle {
			delete(rl.clients, ip)
			removed++
		}
		bucket.mutex.Unlock()
	}
	return removed
}

func (rl *RateLimiter) Stats() RateLimitStats {
	rl.mutex.RLock()
	defer rl.mutex.RUnlock()

	return RateLimitStats{
		ActiveClients: len(rl.clients),
		DefaultRPS:    rl.defaultRPS,
		BurstCapacity: rl.burst,
	}
}

func (rl *RateLimiter) Shutdown() {
	rl.stopped.Do(func() {
		rl.cleanup.Stop()
		close(rl.stopCh)
	})
}
