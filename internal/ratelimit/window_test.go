package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// newTestWindow builds a WindowLimiter with a controllable clock.
func newTestWindow(t *testing.T, limit int, window time.Duration) (*WindowLimiter, *time.Time) {
	t.Helper()

	l := NewWindowLimiter(context.Background(), limit, window)
	t.Cleanup(l.Close)

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestWindowAdmitsUpToLimit(t *testing.T) {
	l, _ := newTestWindow(t, 3, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Admit(ctx, "cred")
		if err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d denied under the limit", i+1)
		}
	}

	d, err := l.Admit(ctx, "cred")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if d.Allowed {
		t.Fatal("4th request in the window was admitted")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v", d.RetryAfter)
	}
}

func TestWindowRollover(t *testing.T) {
	l, clock := newTestWindow(t, 3, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d, _ := l.Admit(ctx, "cred"); !d.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
	}
	if d, _ := l.Admit(ctx, "cred"); d.Allowed {
		t.Fatal("over-limit request admitted")
	}

	// Next aligned window: the counter resets.
	*clock = clock.Add(time.Second)
	if d, _ := l.Admit(ctx, "cred"); !d.Allowed {
		t.Fatal("request denied after window rollover")
	}
}

func TestWindowCredentialsAreIndependent(t *testing.T) {
	l, _ := newTestWindow(t, 1, time.Second)
	ctx := context.Background()

	if d, _ := l.Admit(ctx, "alice"); !d.Allowed {
		t.Fatal("alice denied")
	}
	if d, _ := l.Admit(ctx, "alice"); d.Allowed {
		t.Fatal("alice admitted over her limit")
	}
	if d, _ := l.Admit(ctx, "bob"); !d.Allowed {
		t.Fatal("bob denied by alice's counter")
	}
}

func TestWindowConcurrentAdmissionsNeverExceedLimit(t *testing.T) {
	const limit = 10
	l := NewWindowLimiter(context.Background(), limit, time.Minute)
	t.Cleanup(l.Close)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Admit(context.Background(), "cred")
			if err != nil {
				t.Errorf("Admit: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Fatalf("admitted %d concurrent requests, want exactly %d", admitted, limit)
	}
}

func TestWindowJanitorDropsStaleCounters(t *testing.T) {
	l, clock := newTestWindow(t, 5, time.Second)

	_, _ = l.Admit(context.Background(), "cred")
	*clock = clock.Add(2 * time.Second)
	l.dropStale()

	l.mu.Lock()
	n := len(l.counters)
	l.mu.Unlock()
	if n != 0 {
		t.Fatalf("stale counters left: %d", n)
	}
}
