// Package cache provides response caching for the routing server.
//
// Two byte-store backends are available behind the Cache interface:
//   - MemoryCache — in-process, TTL + LRU bounded. Single-instance default.
//   - ExactCache  — Redis-backed, for multi-replica deployments.
//
// ResponseCache layers request fingerprinting and single-flight computation
// on top of either backend.
package cache

import (
	"context"
	"time"
)

// Cache is the byte-store contract shared by all backends.
type Cache interface {
	// Get returns the value for key, or (nil, false) on a miss.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Removing an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
