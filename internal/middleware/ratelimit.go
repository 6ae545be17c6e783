package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"teleconsult-backend/internal/database"
	"teleconsult-backend/pkg/cache"
	"teleconsult-backend/pkg/logger"
	"teleconsult-backend/pkg/metrics"
	"teleconsult-backend/pkg/response"
)

// RateLimiter implements fixed-window rate limiting per client IP. Counters
// live in Redis; while Redis is degraded or failing they move to the
// in-process cache, so each instance then enforces the limit on its own.
type RateLimiter struct {
	redisClient *database.RedisClient // optional
	fallback    *cache.LocalCache
	metrics     *metrics.Metrics // optional
	requests    int
	window      time.Duration
	now         func() time.Time
}

// NewRateLimiter creates a new rate limiter
// requests: maximum number of requests allowed
// window: time window for the rate limit (e.g., 1 minute)
func NewRateLimiter(redisClient *database.RedisClient, fallback *cache.LocalCache, m *metrics.Metrics, requests int, window time.Duration) *RateLimiter {
	if fallback == nil {
		fallback = cache.NewLocalCache(window, window)
	}
	return &RateLimiter{
		redisClient: redisClient,
		fallback:    fallback,
		metrics:     m,
		requests:    requests,
		window:      window,
		now:         time.Now,
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		windowSecs := int64(rl.window / time.Second)
		bucket := rl.now().Unix() / windowSecs
		resetAt := (bucket + 1) * windowSecs
		key := "ratelimit:" + c.FullPath() + ":" + c.ClientIP() + ":" + strconv.FormatInt(bucket, 10)

		count, backend := rl.count(c.Request.Context(), key)

		remaining := rl.requests - int(count)
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if int(count) > rl.requests {
			if rl.metrics != nil {
				rl.metrics.RecordRateLimited(c.FullPath(), backend)
			}
			c.Header("Retry-After", strconv.FormatInt(resetAt-rl.now().Unix(), 10))
			response.Error(c, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded")
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) count(ctx context.Context, key string) (int64, string) {
	if rl.redisClient != nil && !rl.redisClient.IsDegraded() {
		n, err := rl.redisClient.SafeIncrWithExpiry(ctx, key, rl.window)
		if rl.metrics != nil {
			rl.metrics.RecordRedisCommand("incr", err)
		}
		if err == nil {
			return n, "redis"
		}
		logger.Warn("Rate limit counter unavailable in Redis, using local counter",
			zap.String("key", key),
			zap.Error(err))
	}

	n, _ := rl.fallback.Increment(ctx, key, rl.window)
	return n, "local"
}
