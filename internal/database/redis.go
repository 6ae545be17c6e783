package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"teleconsult-backend/pkg/logger"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// RedisClient wraps the Redis client with degraded mode support. While
// degraded, Safe* calls fail fast instead of waiting on a dead server.
type RedisClient struct {
	Client        *redis.Client
	degraded      atomic.Bool
	healthCheckMu sync.Mutex
}

// ErrDegraded is returned by Safe* calls while the last health check failed
var ErrDegraded = errors.New("redis is in degraded mode")

var (
	redisDegradedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "redis_degraded_mode",
		Help: "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
	})
	redisHealthChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_health_check_total",
		Help: "Total number of Redis health checks",
	}, []string{"result"})

	redisMetricsOnce sync.Once
)

// InitRedisMetrics registers the Redis health metrics with the default registry.
// Safe to call more than once.
func InitRedisMetrics() {
	redisMetricsOnce.Do(func() {
		prometheus.MustRegister(redisDegradedGauge)
		prometheus.MustRegister(redisHealthChecks)
	})
}

// NewRedisDB creates a new Redis client from config. It does not dial; run
// HealthCheck to learn whether the server is reachable.
func NewRedisDB(cfg *RedisConfig) *RedisClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		DialTimeout:  timeout,
	})

	return &RedisClient{Client: client}
}

// Close closes the Redis client connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// StartHealthCheck periodically pings Redis until ctx is done
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.HealthCheck(ctx); err != nil {
					logger.Debug("Redis health check failed", zap.Error(err))
				}
			}
		}
	}()
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RedisClient) IsDegraded() bool {
	return r.degraded.Load()
}

// setDegradedState logs and records only actual transitions
func (r *RedisClient) setDegradedState(degraded bool) {
	if !r.degraded.CompareAndSwap(!degraded, degraded) {
		return
	}
	if degraded {
		redisDegradedGauge.Set(1)
		logger.Warn("Redis unavailable, entering degraded mode")
	} else {
		redisDegradedGauge.Set(0)
		logger.Info("Redis reachable again, leaving degraded mode")
	}
}

// HealthCheck pings Redis and updates degraded mode. Concurrent checks are serialized.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.Client.Ping(healthCtx).Err(); err != nil {
		r.setDegradedState(true)
		redisHealthChecks.WithLabelValues("failure").Inc()
		return fmt.Errorf("redis health check failed: %w", err)
	}

	r.setDegradedState(false)
	redisHealthChecks.WithLabelValues("success").Inc()
	return nil
}

// SafeGet performs a GET operation with degraded mode handling
func (r *RedisClient) SafeGet(ctx context.Context, key string) *redis.StringCmd {
	if r.IsDegraded() {
		return redis.NewStringResult("", fmt.Errorf("%w: get skipped", ErrDegraded))
	}
	return r.Client.Get(ctx, key)
}

// SafeSet performs a SET operation with degraded mode handling
func (r *RedisClient) SafeSet(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	if r.IsDegraded() {
		return redis.NewStatusResult("", fmt.Errorf("%w: set skipped", ErrDegraded))
	}
	return r.Client.Set(ctx, key, value, expiration)
}

// SafeDel performs a DEL operation with degraded mode handling
func (r *RedisClient) SafeDel(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, fmt.Errorf("%w: del skipped", ErrDegraded))
	}
	return r.Client.Del(ctx, keys...)
}

// SafeIncrWithExpiry increments key and starts its expiry on first use
func (r *RedisClient) SafeIncrWithExpiry(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	if r.IsDegraded() {
		return 0, fmt.Errorf("%w: incr skipped", ErrDegraded)
	}
	n, err := r.Client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := r.Client.Expire(ctx, key, expiration).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}
