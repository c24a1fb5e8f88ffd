// Package dispatch routes a normalized chat request through admission,
// caching and an ordered fallback walk across provider adapters.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KushGrandhi/llm-routing-server/internal/cache"
	"github.com/KushGrandhi/llm-routing-server/internal/metrics"
	"github.com/KushGrandhi/llm-routing-server/internal/providers"
	"github.com/KushGrandhi/llm-routing-server/internal/ratelimit"
	"github.com/KushGrandhi/llm-routing-server/internal/registry"
)

// Options wires a Dispatcher's collaborators. Registry, Providers and Limiter
// are required; the rest may be nil and the matching feature is skipped.
type Options struct {
	Registry   *registry.Registry
	Providers  *providers.Set
	Limiter    ratelimit.Limiter
	Cache      *cache.ResponseCache
	Exclusions *cache.ExclusionList
	Breaker    *CircuitBreaker
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// RetryUpstreamRateLimit treats an upstream 429 as retriable, so the walk
	// moves to the next fallback instead of surfacing it.
	RetryUpstreamRateLimit bool
}

/// Dispatcher drives the per-request state machine:
// admitted -> cache check -> attempt chain -> succeeded | exhausted.
type Dispatcher struct {
	registry   *registry.Registry
	provs      *providers.Set
	limiter    ratelimit.Limiter
	cache      *cache.ResponseCache
	exclusions *cache.ExclusionList
	cb         *CircuitBreaker
	metrics    *metrics.Metrics
	log        *slog.Logger

	retry429 bool
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry:   opts.Registry,
		provs:      opts.Providers,
		limiter:    opts.Limiter,
		cache:      opts.Cache,
		exclusions: opts.Exclusions,
		cb:         opts.Breaker,
		metrics:    opts.Metrics,
		log:        log,
		retry429:   opts.RetryUpstreamRateLimit,
	}
}

// Handle serves a non-streaming request. The bool reports whether the
// response came from the cache.
func (d *Dispatcher) Handle(ctx context.Context, req *providers.ChatRequest, credential string) (*providers.ChatResponse, bool, error) {
	entry, err := d.admitAndResolve(ctx, req, credential)
	if err != nil {
		return nil, false, err
	}

	cacheable := d.cache != nil && entry.CacheEnabled && !d.exclusions.Excluded(entry.Name)
	if !cacheable {
		if d.metrics != nil {
			d.metrics.RecordCache("bypass")
		}
		resp, err := d.attemptChain(ctx, entry, req)
		return resp, false, err
	}

	resp, hit, err := d.cache.GetOrCompute(ctx, req, entry.CacheTTL, func(cctx context.Context) (*providers.ChatResponse, error) {
		return d.attemptChain(cctx, entry, req)
	})
	if err != nil {
		return nil, false, err
	}
	if d.metrics != nil {
		if hit {
			d.metrics.RecordCache("hit")
		} else {
			d.metrics.RecordCache("miss")
		}
	}
	return resp, hit, nil
}

// HandleStream serves a streaming request. Fallback is permitted only until
// the first delta: once a provider has emitted output, a later failure
// terminates the sequence with an Err chunk instead of switching providers.
func (d *Dispatcher) HandleStream(ctx context.Context, req *providers.ChatRequest, credential string) (<-chan providers.StreamChunk, error) {
	entry, err := d.admitAndResolve(ctx, req, credential)
	if err != nil {
		return nil, err
	}

	var attempts []Attempt

	for _, cand := range d.candidates(entry, &attempts) {
		prov, ok := d.adapterFor(cand, &attempts)
		if !ok {
			continue
		}

		streamCtx, cancel := context.WithCancel(ctx)
		upstream, err := d.openStream(streamCtx, prov, cand, req)
		if err != nil {
			cancel()
			d.recordFailure(ctx, req, cand, prov, err, &attempts)
			if !d.retriable(err) {
				return nil, err
			}
			continue
		}

		// Wait for the first chunk before committing to this provider.
		first, err := d.awaitFirstChunk(streamCtx, upstream, cand.Timeout)
		if err != nil {
			cancel()
			d.recordFailure(ctx, req, cand, prov, err, &attempts)
			if !d.retriable(err) {
				return nil, err
			}
			continue
		}

		if d.cb != nil {
			d.cb.RecordSuccess(prov.Name())
		}
		if d.metrics != nil {
			d.metrics.SetCircuitBreaker(prov.Name(), d.stateOf(prov.Name()))
		}

		out := make(chan providers.StreamChunk, providers.StreamBuffer)
		go d.relay(streamCtx, cancel, upstream, out, first)
		return out, nil
	}

	if d.metrics != nil {
		d.metrics.RecordFailoverExhausted(entry.Name)
	}
	return nil, &ExhaustedError{Model: entry.Name, Attempts: attempts}
}

// admitAndResolve runs rate limiting and registry resolution, filling in the
// default model for requests that omit one.
func (d *Dispatcher) admitAndResolve(ctx context.Context, req *providers.ChatRequest, credential string) (*registry.Entry, error) {
	decision, err := d.limiter.Admit(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("dispatch: admit: %w", err)
	}
	if !decision.Allowed {
		if d.metrics != nil {
			d.metrics.RecordRateLimited()
		}
		return nil, &RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	if req.Model == "" {
		req.Model = d.registry.DefaultModel()
	}

	entry, ok := d.registry.Resolve(req.Model)
	if !ok {
		return nil, &NotFoundError{Model: req.Model}
	}
	return entry, nil
}

// attemptChain walks [entry] + fallbacks in order until one candidate
// succeeds, a non-retriable error surfaces, or the chain is exhausted.
func (d *Dispatcher) attemptChain(ctx context.Context, entry *registry.Entry, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	var attempts []Attempt

	for _, cand := range d.candidates(entry, &attempts) {
		prov, ok := d.adapterFor(cand, &attempts)
		if !ok {
			continue
		}

		start := time.Now()
		resp, err := d.completeOnce(ctx, prov, cand, req)
		dur := time.Since(start)

		if err == nil {
			if d.cb != nil {
				d.cb.RecordSuccess(prov.Name())
			}
			if d.metrics != nil {
				d.metrics.ObserveUpstreamAttempt(prov.Name(), "success", dur)
				d.metrics.SetCircuitBreaker(prov.Name(), d.stateOf(prov.Name()))
			}
			if len(attempts) > 0 {
				prev := attempts[len(attempts)-1]
				d.log.InfoContext(ctx, "failover succeeded",
					"request_id", req.RequestID,
					"from", prev.Model,
					"to", cand.Name,
					"latency_ms", dur.Milliseconds(),
				)
				if d.metrics != nil {
					d.metrics.RecordFailover(prev.Model, cand.Name, classifyError(prev.Err))
				}
			}
			return resp, nil
		}

		if d.metrics != nil {
			d.metrics.ObserveUpstreamAttempt(prov.Name(), classifyError(err), dur)
		}
		d.recordFailure(ctx, req, cand, prov, err, &attempts)

		// A malformed or unauthorized request will not be fixed by a
		// different provider.
		if !d.retriable(err) {
			return nil, err
		}
	}

	if d.metrics != nil {
		d.metrics.RecordFailoverExhausted(entry.Name)
	}
	return nil, &ExhaustedError{Model: entry.Name, Attempts: attempts}
}

// candidates resolves the attempt order at dispatch time so hot-reloaded
// fallback targets take effect immediately. Duplicates are walked once; a
// fallback name that no longer resolves is recorded as a failed attempt.
func (d *Dispatcher) candidates(entry *registry.Entry, attempts *[]Attempt) []*registry.Entry {
	out := []*registry.Entry{entry}
	seen := map[string]bool{entry.Name: true}

	for _, name := range entry.Fallbacks {
		if seen[name] {
			continue
		}
		seen[name] = true

		fe, ok := d.registry.Resolve(name)
		if !ok {
			*attempts = append(*attempts, Attempt{Model: name, Err: &NotFoundError{Model: name}})
			continue
		}
		out = append(out, fe)
	}
	return out
}

// adapterFor picks the adapter for cand and consults its circuit breaker.
func (d *Dispatcher) adapterFor(cand *registry.Entry, attempts *[]Attempt) (providers.Provider, bool) {
	prov, err := d.provs.For(cand.Provider, cand.APIBase)
	if err != nil {
		*attempts = append(*attempts, Attempt{Provider: cand.Provider, Model: cand.Name, Err: err})
		return nil, false
	}

	if d.cb != nil && !d.cb.Allow(prov.Name()) {
		if d.metrics != nil {
			d.metrics.RecordCircuitBreakerRejection(prov.Name())
			d.metrics.SetCircuitBreaker(prov.Name(), d.stateOf(prov.Name()))
		}
		*attempts = append(*attempts, Attempt{Provider: prov.Name(), Model: cand.Name, Err: ErrCircuitOpen})
		return nil, false
	}
	return prov, true
}

// completeOnce runs a single bounded adapter call with the candidate's
// upstream model id substituted in.
func (d *Dispatcher) completeOnce(ctx context.Context, prov providers.Provider, cand *registry.Entry, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, cand.Timeout)
	defer cancel()

	upstream := *req
	upstream.Model = cand.UpstreamModel
	return prov.Complete(cctx, &upstream)
}

func (d *Dispatcher) openStream(ctx context.Context, prov providers.Provider, cand *registry.Entry, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	upstream := *req
	upstream.Model = cand.UpstreamModel
	return prov.CompleteStream(ctx, &upstream)
}

// awaitFirstChunk blocks until the stream produces its first chunk, the
// candidate timeout elapses, or ctx is cancelled. An Err-carrying first chunk
// counts as a pre-delta failure, which is still safe to fall back from.
func (d *Dispatcher) awaitFirstChunk(ctx context.Context, upstream <-chan providers.StreamChunk, timeout time.Duration) (providers.StreamChunk, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case chunk, ok := <-upstream:
		if !ok {
			return providers.StreamChunk{}, fmt.Errorf("dispatch: stream closed before first chunk")
		}
		if chunk.Err != nil {
			return providers.StreamChunk{}, chunk.Err
		}
		return chunk, nil

	case <-timer.C:
		return providers.StreamChunk{}, context.DeadlineExceeded

	case <-ctx.Done():
		return providers.StreamChunk{}, ctx.Err()
	}
}

// relay forwards the committed stream to the caller. A mid-stream Err chunk
// is passed through as the terminal element; the caller disconnecting cancels
// the upstream call.
func (d *Dispatcher) relay(ctx context.Context, cancel context.CancelFunc, upstream <-chan providers.StreamChunk, out chan<- providers.StreamChunk, first providers.StreamChunk) {
	defer cancel()
	defer close(out)

	deliver := func(chunk providers.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !deliver(first) {
		return
	}

	for chunk := range upstream {
		if !deliver(chunk) {
			return
		}
		if chunk.Err != nil || chunk.FinishReason != "" {
			return
		}
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, req *providers.ChatRequest, cand *registry.Entry, prov providers.Provider, err error, attempts *[]Attempt) {
	if d.cb != nil {
		d.cb.RecordFailure(prov.Name())
	}
	if d.metrics != nil {
		d.metrics.SetCircuitBreaker(prov.Name(), d.stateOf(prov.Name()))
	}

	d.log.WarnContext(ctx, "provider attempt failed",
		"request_id", req.RequestID,
		"model", cand.Name,
		"provider", prov.Name(),
		"reason", classifyError(err),
		"error", err.Error(),
	)
	*attempts = append(*attempts, Attempt{Provider: prov.Name(), Model: cand.Name, Err: err})
}

func (d *Dispatcher) stateOf(provider string) int {
	if d.cb == nil {
		return 0
	}
	return d.cb.State(provider)
}

// retriable decides whether the walk moves to the next candidate.
//
//   - timeouts and transport errors: retriable, another provider may respond
//   - 5xx: retriable
//   - upstream 429: governed by RetryUpstreamRateLimit
//   - other 4xx: not retriable
//   - unknown errors: retriable (conservative default)
func (d *Dispatcher) retriable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		if status == 429 {
			return d.retry429
		}
		return status >= 500 && status < 600
	}
	return true
}

// classifyError maps an error to a short label for logs and metrics.
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, ErrCircuitOpen) {
		return "circuit_open"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
