package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// newTestExact starts a miniredis server and returns an ExactCache backed by
// it. miniredis shuts down via t.Cleanup on its own.
func newTestExact(t *testing.T) (*ExactCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	c, err := NewExactCacheFromURL(context.Background(), "redis://"+mr.Addr(), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewExactCacheFromURL: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func TestExactGetMiss(t *testing.T) {
	c, _ := newTestExact(t)

	data, ok := c.Get(context.Background(), "absent")
	if ok || data != nil {
		t.Fatalf("expected miss, got %q, %v", data, ok)
	}
}

func TestExactSetAndGet(t *testing.T) {
	c, _ := newTestExact(t)
	ctx := context.Background()

	want := []byte(`{"content":"hi"}`)
	if err := c.Set(ctx, "k", want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != string(want) {
		t.Fatalf("Get = %q, %v", got, ok)
	}
}

func TestExactTTLExpiry(t *testing.T) {
	c, mr := newTestExact(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}

	mr.FastForward(2 * time.Second)

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected expired key to miss")
	}
}

func TestExactDelete(t *testing.T) {
	c, _ := newTestExact(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Hour)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("entry survived Delete")
	}
}

func TestExactDegradesWhenRedisDown(t *testing.T) {
	c, mr := newTestExact(t)
	ctx := context.Background()

	mr.Close()

	// Request path must stay alive without a cache.
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss when redis is down")
	}
	if err := c.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set must degrade silently, got %v", err)
	}
}
