package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/KushGrandhi/llm-routing-server/internal/providers"
)

// ResponseCache layers request fingerprinting and single-flight computation
// on a byte store. Concurrent identical requests share one upstream call:
// the first caller computes, the rest wait on its result. Failures are never
// stored, and streaming requests never reach this layer.
type ResponseCache struct {
	store      Cache
	group      singleflight.Group
	defaultTTL time.Duration
}

// NewResponseCache wraps store. defaultTTL applies when the model entry does
// not carry its own TTL; zero or negative falls back to one hour in the
// backend.
func NewResponseCache(store Cache, defaultTTL time.Duration) *ResponseCache {
	return &ResponseCache{store: store, defaultTTL: defaultTTL}
}

// fingerprintFields is the canonical subset of a request that identifies a
// cacheable response. The stream flag is deliberately absent: a request's
// identity does not depend on delivery framing.
type fingerprintFields struct {
	Model       string              `json:"model"`
	Messages    []providers.Message `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens"`
	Extra       map[string]any      `json:"extra,omitempty"`
}

// Fingerprint returns the deterministic SHA-256 cache key for req.
// encoding/json writes map keys in sorted order, so Extra is stable.
func Fingerprint(req *providers.ChatRequest) string {
	raw, err := json.Marshal(fingerprintFields{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Extra:       req.Extra,
	})
	if err != nil {
		// Marshalling canonical fields cannot fail for JSON-decoded input;
		// fall back to an uncacheable unique-ish key rather than panic.
		raw = fmt.Appendf(nil, "%#v", req)
	}
	sum := sha256.Sum256(raw)
	return "resp:" + hex.EncodeToString(sum[:])
}

// GetOrCompute returns the cached response for req, or runs compute at most
// once among concurrent callers with the same fingerprint and caches its
// result. The bool reports whether the response came from the store.
//
// compute runs detached from the caller's cancellation: a waiter that gives
// up must not kill the computation other waiters depend on. The per-candidate
// timeouts inside compute still bound it.
func (rc *ResponseCache) GetOrCompute(
	ctx context.Context,
	req *providers.ChatRequest,
	ttl time.Duration,
	compute func(ctx context.Context) (*providers.ChatResponse, error),
) (*providers.ChatResponse, bool, error) {
	key := Fingerprint(req)

	if raw, ok := rc.store.Get(ctx, key); ok {
		resp, err := decodeResponse(raw)
		if err == nil {
			return resp, true, nil
		}
		// Corrupt entry: drop it and recompute.
		_ = rc.store.Delete(ctx, key)
	}

	if ttl <= 0 {
		ttl = rc.defaultTTL
	}

	raw, err, _ := rc.group.Do(key, func() (any, error) {
		bg := context.WithoutCancel(ctx)

		// Another flight may have filled the store between our miss and
		// acquiring the flight.
		if cached, ok := rc.store.Get(bg, key); ok {
			return cached, nil
		}

		resp, err := compute(bg)
		if err != nil {
			return nil, err
		}

		encoded, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("cache: encode response: %w", err)
		}
		_ = rc.store.Set(bg, key, encoded, ttl)
		return encoded, nil
	})
	if err != nil {
		return nil, false, err
	}

	// Every waiter decodes its own copy so nobody shares mutable state.
	resp, err := decodeResponse(raw.([]byte))
	if err != nil {
		return nil, false, err
	}
	return resp, false, nil
}

func decodeResponse(raw []byte) (*providers.ChatResponse, error) {
	var resp providers.ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("cache: decode response: %w", err)
	}
	return &resp, nil
}
