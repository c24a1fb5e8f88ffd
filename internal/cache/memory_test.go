package cache

import (
	"context"
	"testing"
	"time"
)

func newTestMemory(t *testing.T, maxEntries int) *MemoryCache {
	t.Helper()
	c := NewMemoryCache(context.Background(), maxEntries)
	t.Cleanup(c.Close)
	return c
}

func TestMemoryGetMiss(t *testing.T) {
	c := newTestMemory(t, 0)

	if _, ok := c.Get(context.Background(), "absent"); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestMemorySetAndGet(t *testing.T) {
	c := newTestMemory(t, 0)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
}

func TestMemoryExpiredEntryIsMiss(t *testing.T) {
	c := newTestMemory(t, 0)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(25 * time.Millisecond)

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected expired entry to read as a miss")
	}
	// Lazy expiry dropped it.
	if got := c.Len(); got != 0 {
		t.Errorf("Len = %d after lazy expiry", got)
	}
}

func TestMemoryLRUBound(t *testing.T) {
	c := newTestMemory(t, 2)
	ctx := context.Background()

	_ = c.Set(ctx, "a", []byte("1"), time.Hour)
	_ = c.Set(ctx, "b", []byte("2"), time.Hour)

	// Touch "a" so "b" becomes the eviction candidate.
	if _, ok := c.Get(ctx, "a"); !ok {
		t.Fatal("a missing before bound hit")
	}

	_ = c.Set(ctx, "c", []byte("3"), time.Hour)

	if _, ok := c.Get(ctx, "b"); ok {
		t.Error("expected least recently used entry to be evicted")
	}
	if _, ok := c.Get(ctx, "a"); !ok {
		t.Error("recently used entry evicted")
	}
	if _, ok := c.Get(ctx, "c"); !ok {
		t.Error("newest entry evicted")
	}
	if got := c.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
}

func TestMemoryDelete(t *testing.T) {
	c := newTestMemory(t, 0)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Hour)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("entry survived Delete")
	}
	// Deleting an absent key is fine.
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestMemoryOverwriteRefreshesEntry(t *testing.T) {
	c := newTestMemory(t, 2)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("old"), time.Hour)
	_ = c.Set(ctx, "k", []byte("new"), time.Hour)

	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != "new" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d after overwrite", c.Len())
	}
}
