package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"careline/internal/config"
	appmetrics "careline/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// tokenBucket is a simple token bucket implementation for rate limiting.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int, now time.Time) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: now,
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter keeps one token bucket per key in process.
type MemoryLimiter struct {
	rpm, burst int
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func NewMemoryLimiter(rpm, burst int) *MemoryLimiter {
	return &MemoryLimiter{rpm: rpm, burst: burst, now: time.Now, buckets: make(map[string]*tokenBucket)}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(l.rpm, l.burst, now)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.allow(now), nil
}

// RedisLimiter is a fixed one-minute window shared by every server
// instance. Keys are <prefix>:<key>:<unix minute>.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, prefix string, rpm, burst int) *RedisLimiter {
	if prefix == "" {
		prefix = "careline:ratelimit"
	}
	if rpm <= 0 {
		rpm = 60
	}
	return &RedisLimiter{client: client, prefix: prefix, limit: rpm + max(burst, 0), now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	window := l.now().Unix() / 60
	rk := l.prefix + ":" + key + ":" + strconv.FormatInt(window, 10)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, rk)
	pipe.Expire(ctx, rk, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= int64(l.limit), nil
}

// NewLimiter picks the redis window when a client is given, the in-process
// bucket otherwise.
func NewLimiter(cfg *config.Config, client *redis.Client) Limiter {
	rl := cfg.Security.RateLimiting
	if client != nil {
		return NewRedisLimiter(client, rl.KeyPrefix, rl.RequestsPerMinute, rl.Burst)
	}
	return NewMemoryLimiter(rl.RequestsPerMinute, rl.Burst)
}

// RateLimitMiddleware enforces per-IP limits from cfg.Security.RateLimiting.
// If disabled, it no-ops. A limiter backend error lets the request through.
func RateLimitMiddleware(cfg *config.Config, limiter Limiter, logger *logrus.Logger) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled || rl.RequestsPerMinute <= 0 || limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		ok, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			logger.WithError(err).Warn("Rate limiter unavailable")
			c.Next()
			return
		}
		if !ok {
			prefix := c.FullPath()
			if prefix == "" {
				prefix = "global"
			}
			appmetrics.IncRateLimitDrop(prefix)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
