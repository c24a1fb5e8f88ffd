package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisQueryTimeout = 500 * time.Millisecond

// ExactCache is a Redis-backed Cache for multi-replica deployments, so every
// replica shares one response store.
//
// It degrades gracefully when Redis is unavailable: Get reports a miss and
// Set succeeds silently, keeping the request path alive without a cache.
// Delete returns the underlying error so operators can see it.
type ExactCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewExactCache wraps an existing Redis client. The caller owns the client
// lifecycle.
func NewExactCache(cli *redis.Client, logger *slog.Logger) *ExactCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExactCache{client: cli, logger: logger}
}

// NewExactCacheFromURL parses redisURL, connects, and verifies the connection
// with a PING before returning.
func NewExactCacheFromURL(ctx context.Context, redisURL string, logger *slog.Logger) (*ExactCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return NewExactCache(cli, logger), nil
}

// Get returns (data, true) on a hit and (nil, false) on a miss or any Redis
// error. Errors are logged at WARN, never propagated.
func (c *ExactCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisQueryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	return val, true
}

// Set stores value under key with ttl. Redis errors are logged and swallowed.
func (c *ExactCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, redisQueryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
	return nil
}

// Delete removes key from Redis.
func (c *ExactCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, redisQueryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (c *ExactCache) Close() error {
	return c.client.Close()
}
