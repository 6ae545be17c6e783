package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"teleconsult-backend/internal/database"
	"teleconsult-backend/pkg/cache"
	"teleconsult-backend/pkg/metrics"
)

// ChatSnapshotRepository mirrors room chat logs in Redis with a TTL. While
// Redis is degraded it serves from an in-process cache instead.
type ChatSnapshotRepository struct {
	client   *database.RedisClient
	fallback *cache.LocalCache
	metrics  *metrics.Metrics // optional
}

// NewChatSnapshotRepository creates a new ChatSnapshotRepository
func NewChatSnapshotRepository(client *database.RedisClient, fallback *cache.LocalCache, m *metrics.Metrics) *ChatSnapshotRepository {
	return &ChatSnapshotRepository{client: client, fallback: fallback, metrics: m}
}

// Get returns the snapshot stored under key
func (r *ChatSnapshotRepository) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if r.client.IsDegraded() {
		return r.fallback.Get(ctx, key)
	}

	data, err := r.client.SafeGet(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		r.record("get", nil)
		return nil, false, nil
	}
	r.record("get", err)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get chat snapshot: %w", err)
	}
	return data, true, nil
}

// Set stores a snapshot under key for ttl
func (r *ChatSnapshotRepository) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if r.client.IsDegraded() {
		return r.fallback.Set(ctx, key, value, ttl)
	}

	err := r.client.SafeSet(ctx, key, value, ttl).Err()
	r.record("set", err)
	if err != nil {
		return fmt.Errorf("failed to set chat snapshot: %w", err)
	}
	return nil
}

// Delete drops the snapshot from Redis and from the local fallback
func (r *ChatSnapshotRepository) Delete(ctx context.Context, key string) error {
	if err := r.fallback.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete local chat snapshot: %w", err)
	}
	if r.client.IsDegraded() {
		return nil
	}

	err := r.client.SafeDel(ctx, key).Err()
	r.record("del", err)
	if err != nil {
		return fmt.Errorf("failed to delete chat snapshot: %w", err)
	}
	return nil
}

func (r *ChatSnapshotRepository) record(command string, err error) {
	if r.metrics != nil {
		r.metrics.RecordRedisCommand(command, err)
	}
}
