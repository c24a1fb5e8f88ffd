package ratelimit

import (
	"context"
	"sync"
	"time"
)

// WindowLimiter is an in-process fixed-window limiter: each credential gets a
// counter scoped to the aligned window containing the request. The
// fixed-window strategy admits up to 2N requests across a window boundary;
// that boundary burst is the accepted tradeoff for O(1) state per credential.
//
// Safe for concurrent use. A janitor goroutine drops counters from past
// windows so idle credentials do not accumulate.
type WindowLimiter struct {
	limit  int
	window time.Duration

	mu       sync.Mutex
	counters map[string]*windowCounter

	now  func() time.Time // injectable for tests
	done chan struct{}
}

type windowCounter struct {
	windowStart time.Time
	count       int
}

// NewWindowLimiter creates a limiter admitting limit requests per window per
// credential and starts the janitor. The janitor stops when ctx is cancelled
// or Close is called.
func NewWindowLimiter(ctx context.Context, limit int, window time.Duration) *WindowLimiter {
	l := &WindowLimiter{
		limit:    limit,
		window:   window,
		counters: make(map[string]*windowCounter),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go l.janitor(ctx)
	return l
}

// Admit counts a request against credential's current window. Denials report
// the time remaining until the window rolls over.
func (l *WindowLimiter) Admit(_ context.Context, credential string) (Decision, error) {
	now := l.now()
	windowStart := now.Truncate(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[credential]
	if !ok || c.windowStart.Before(windowStart) {
		c = &windowCounter{windowStart: windowStart}
		l.counters[credential] = c
	}

	if c.count >= l.limit {
		return Decision{
			Allowed:    false,
			RetryAfter: windowStart.Add(l.window).Sub(now),
		}, nil
	}

	c.count++
	return Decision{Allowed: true}, nil
}

// Close stops the janitor goroutine.
func (l *WindowLimiter) Close() {
	close(l.done)
}

func (l *WindowLimiter) janitor(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.dropStale()
		case <-ctx.Done():
			return
		case <-l.done:
			return
		}
	}
}

func (l *WindowLimiter) dropStale() {
	cutoff := l.now().Truncate(l.window)

	l.mu.Lock()
	for cred, c := range l.counters {
		if c.windowStart.Before(cutoff) {
			delete(l.counters, cred)
		}
	}
	l.mu.Unlock()
}
