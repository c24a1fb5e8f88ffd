package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries bounds MemoryCache size when no explicit bound is given.
const DefaultMaxEntries = 10_000

const sweepInterval = 5 * time.Minute

type memEntry struct {
	key       string
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process cache with per-entry TTL and an LRU bound on
// total entries. Expired entries are treated as misses and dropped lazily on
// read; a background sweep evicts the rest so the map does not grow with
// dead keys. Safe for concurrent use.
type MemoryCache struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int

	done chan struct{}
}

// NewMemoryCache creates a MemoryCache bounded to maxEntries (DefaultMaxEntries
// when maxEntries <= 0) and starts the background sweep. The sweep stops when
// ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context, maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &MemoryCache{
		items:      make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		done:       make(chan struct{}),
	}
	go c.sweep(ctx)
	return c
}

// Get returns the cached value for key. Expired entries count as misses and
// are removed on access. A hit marks the entry most recently used.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}

	ent := el.Value.(*memEntry)
	if time.Now().After(ent.expiresAt) {
		c.removeLocked(el)
		return nil, false
	}

	c.order.MoveToFront(el)
	return ent.data, true
}

// Set stores value under key for ttl. A zero or negative ttl defaults to one
// hour. When the bound is exceeded the least recently used entry is evicted.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	expires := time.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*memEntry)
		ent.data = value
		ent.expiresAt = expires
		c.order.MoveToFront(el)
		return nil
	}

	el := c.order.PushFront(&memEntry{key: key, data: value, expiresAt: expires})
	c.items[key] = el

	for len(c.items) > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
	return nil
}

// Delete removes key from the cache.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	return nil
}

// Len returns the number of entries currently held, including expired ones
// the sweep has not reached yet.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the background sweep.
func (c *MemoryCache) Close() {
	close(c.done)
}

func (c *MemoryCache) removeLocked(el *list.Element) {
	ent := el.Value.(*memEntry)
	c.order.Remove(el)
	delete(c.items, ent.key)
}

func (c *MemoryCache) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		if now.After(el.Value.(*memEntry).expiresAt) {
			c.removeLocked(el)
		}
	}
}
