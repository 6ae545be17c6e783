package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"teleconsult-backend/pkg/logger"
)

// LocalCache is an in-process byte cache with per-key TTL. It backs the chat
// snapshot cache when Redis is unavailable.
type LocalCache struct {
	cache *gocache.Cache
}

// NewLocalCache creates a cache whose entries default to defaultTTL and whose
// expired entries are swept every cleanupInterval.
func NewLocalCache(defaultTTL, cleanupInterval time.Duration) *LocalCache {
	return &LocalCache{
		cache: gocache.New(defaultTTL, cleanupInterval),
	}
}

// Get returns the cached bytes for key
func (lc *LocalCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, found := lc.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	data, ok := value.([]byte)
	if !ok {
		logger.Error("Cache entry is not a byte slice", zap.String("key", key))
		lc.cache.Delete(key)
		return nil, false, nil
	}
	return data, true, nil
}

// Set stores value under key. A zero ttl uses the cache default.
func (lc *LocalCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = gocache.DefaultExpiration
	}
	lc.cache.Set(key, value, ttl)
	return nil
}

// Delete removes key
func (lc *LocalCache) Delete(_ context.Context, key string) error {
	lc.cache.Delete(key)
	return nil
}

// Size returns the number of entries, including expired ones not yet swept
func (lc *LocalCache) Size() int {
	return lc.cache.ItemCount()
}

// Clear removes all entries
func (lc *LocalCache) Clear() {
	lc.cache.Flush()
}

// Increment adds one to the counter at key and returns the new value. A
// missing or expired counter starts at 1 and lives for ttl.
func (lc *LocalCache) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	if err := lc.cache.Add(key, int64(1), ttl); err == nil {
		return 1, nil
	}
	n, err := lc.cache.IncrementInt64(key, 1)
	if err != nil {
		lc.cache.Set(key, int64(1), ttl)
		return 1, nil
	}
	return n, nil
}
