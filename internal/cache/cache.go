// Package cache provides the best-effort Redis KV layer. Every read
// returns a miss when the backend is unreachable and every write is
// fire-and-forget; the pipeline keeps working (slower) with Redis down.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fetchwork/mediascrape/internal/metrics"
	"github.com/fetchwork/mediascrape/internal/scrape"
)

const opTimeout = 2 * time.Second

// Redis implements scrape.Cache on a go-redis client.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

// New dials Redis at addr. A failed initial ping is logged, not fatal: the
// client reconnects on its own and operations degrade to no-ops meanwhile.
func New(addr string, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, cache degraded", zap.String("addr", addr), zap.Error(err))
	}

	return &Redis{client: client, logger: logger}
}

// NewWithClient wraps an existing client (used by the app container, which
// shares its client with the queue, and by tests).
func NewWithClient(client *redis.Client, logger *zap.Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

// Get returns the cached value and whether it was present.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Debug("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return val, true
}

// Set stores a value with a TTL, ignoring failures.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.logger.Debug("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes keys, ignoring failures.
func (r *Redis) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.logger.Debug("cache delete failed", zap.Error(err))
	}
}

// DeletePattern removes every key matching a wildcard pattern via SCAN.
func (r *Redis) DeletePattern(ctx context.Context, pattern string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		r.logger.Debug("cache scan failed", zap.String("pattern", pattern), zap.Error(err))
		return
	}
	if len(keys) > 0 {
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			r.logger.Debug("cache pattern delete failed", zap.Error(err))
		}
	}
}

// Healthy pings the backend.
func (r *Redis) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.client.Ping(ctx).Err() == nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// GetOrSet returns the cached value for key, or computes it with fn, stores
// the result fire-and-forget, and returns it. Cache failures never surface;
// only fn's error does.
func GetOrSet[T any](ctx context.Context, c scrape.Cache, key string, ttl time.Duration, fn func() (T, error)) (T, error) {
	var out T
	if raw, ok := c.Get(ctx, key); ok {
		if err := json.Unmarshal(raw, &out); err == nil {
			metrics.ObserveCacheHit(true)
			return out, nil
		}
	}
	metrics.ObserveCacheHit(false)

	out, err := fn()
	if err != nil {
		return out, err
	}
	if raw, err := json.Marshal(out); err == nil {
		c.Set(ctx, key, raw, ttl)
	}
	return out, nil
}
