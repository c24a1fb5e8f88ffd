package dispatch

import (
	"sync"
	"time"
)

// Breaker states.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// Circuit breaker defaults.
const (
	defaultErrorThreshold  = 5
	defaultTimeWindow      = time.Minute
	defaultHalfOpenTimeout = 30 * time.Second
)

// CBConfig tunes the per-provider circuit breakers. Zero values fall back to
// the package defaults.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// a breaker.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting failures.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long a breaker stays open before allowing a
	// single probe request.
	HalfOpenTimeout time.Duration
}

func (c CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return defaultErrorThreshold
}

func (c CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return defaultTimeWindow
}

func (c CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return defaultHalfOpenTimeout
}

type breaker struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// CircuitBreaker tracks one breaker per provider name. Breakers are created
// lazily on first use, so custom backends added through a registry reload are
// covered without restart. Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	cfg      CBConfig
}

// NewCircuitBreaker creates a CircuitBreaker with the given tuning.
func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*breaker),
		cfg:      cfg,
	}
}

// Allow reports whether provider should receive the next request.
//
//   - Closed: always true.
//   - Open: false until the half-open timeout elapses, then the breaker moves
//     to HalfOpen and admits one probe.
//   - HalfOpen: true only while no probe is in flight.
func (cb *CircuitBreaker) Allow(provider string) bool {
	b := cb.get(provider)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case cbOpen:
		if time.Since(b.openedAt) >= cb.cfg.halfOpenTimeout() {
			b.state = cbHalfOpen
			b.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if b.probeInflight {
			return false
		}
		b.probeInflight = true
		return true

	default:
		return true
	}
}

// RecordSuccess closes provider's breaker and resets its counters.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	b := cb.get(provider)

	b.mu.Lock()
	b.state = cbClosed
	b.errorCount = 0
	b.probeInflight = false
	b.windowStart = time.Now()
	b.mu.Unlock()
}

// RecordFailure counts a failure; reaching the threshold within the window
// opens the breaker.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	b := cb.get(provider)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.Sub(b.windowStart) > cb.cfg.timeWindow() {
		b.errorCount = 0
		b.windowStart = now
	}

	b.errorCount++
	b.probeInflight = false

	if b.errorCount >= cb.cfg.errorThreshold() {
		b.state = cbOpen
		b.openedAt = now
	}
}

// State returns provider's current breaker state as a metrics-friendly int:
// 0 closed, 1 open, 2 half-open.
func (cb *CircuitBreaker) State(provider string) int {
	b := cb.get(provider)
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.state)
}

// StateLabel returns "closed", "open" or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	switch cbState(cb.State(provider)) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(provider string) *breaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	b, ok := cb.breakers[provider]
	if !ok {
		b = &breaker{state: cbClosed, windowStart: time.Now()}
		cb.breakers[provider] = b
	}
	return b
}
