package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript atomically counts and records a request in a
// per-credential sorted set.
// KEYS[1] = credential key
// ARGV[1] = current unix timestamp (nanoseconds)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if admitted, 0 if over the limit.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Drop requests that slid out of the window.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Member must be unique even for same-nanosecond requests.
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- ns -> ms
		return 1
`)

const credentialKeyPrefix = "ratelimit:cred:"

// SlidingLimiter admits requests through a Redis sliding window, one sorted
// set per credential, so the limit holds across replicas. Unlike the fixed
// window it has no boundary burst: no credential observes more than N
// admissions in any span of length W.
//
// When Redis is unavailable the limiter fails open and admits the request.
type SlidingLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// NewSlidingLimiter creates a limiter admitting limit requests per window per
// credential. limit must be > 0; values <= 0 deny every request.
func NewSlidingLimiter(rdb *redis.Client, limit int, window time.Duration) *SlidingLimiter {
	return &SlidingLimiter{rdb: rdb, limit: limit, window: window}
}

// Admit checks and records a request for credential.
func (l *SlidingLimiter) Admit(ctx context.Context, credential string) (Decision, error) {
	result, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{credentialKeyPrefix + credential},
		time.Now().UnixNano(), l.window.Nanoseconds(), l.limit,
	).Int()
	if err != nil {
		// Redis unavailable: fail open rather than refuse all traffic.
		return Decision{Allowed: true}, nil
	}

	if result == 1 {
		return Decision{Allowed: true}, nil
	}

	// With a sliding window the precise rollover depends on the oldest
	// recorded request; a full window is the safe upper bound to suggest.
	return Decision{Allowed: false, RetryAfter: l.window}, nil
}
