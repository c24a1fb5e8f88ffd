package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KushGrandhi/llm-routing-server/internal/cache"
	"github.com/KushGrandhi/llm-routing-server/internal/providers"
	"github.com/KushGrandhi/llm-routing-server/internal/ratelimit"
	"github.com/KushGrandhi/llm-routing-server/internal/registry"
)

// funcProvider is a Provider double driven by closures.
type funcProvider struct {
	name     string
	complete func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)
	stream   func(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error)
}

func (f *funcProvider) Name() string { return f.name }

func (f *funcProvider) Complete(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	return f.complete(ctx, req)
}

func (f *funcProvider) CompleteStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	if f.stream == nil {
		return nil, errors.New("streaming not stubbed")
	}
	return f.stream(ctx, req)
}

func (f *funcProvider) HealthCheck(context.Context) error { return nil }

// succeedWith returns a provider that always answers content.
func succeedWith(name, content string) *funcProvider {
	return &funcProvider{
		name: name,
		complete: func(_ context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
			return &providers.ChatResponse{
				ID:       "resp-" + name,
				Model:    req.Model,
				Content:  content,
				Provider: name,
			}, nil
		},
	}
}

// statusErr is a StatusCoder-carrying adapter error.
type statusErr struct {
	status int
}

func (e *statusErr) Error() string   { return fmt.Sprintf("upstream status %d", e.status) }
func (e *statusErr) HTTPStatus() int { return e.status }

// failWith returns a provider that always fails with the given error.
func failWith(name string, err error) *funcProvider {
	return &funcProvider{
		name: name,
		complete: func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, error) {
			return nil, err
		},
	}
}

// stubLimiter returns a fixed decision.
type stubLimiter struct {
	decision ratelimit.Decision
}

func (s *stubLimiter) Admit(context.Context, string) (ratelimit.Decision, error) {
	return s.decision, nil
}

func allowAll() ratelimit.Limiter {
	return &stubLimiter{decision: ratelimit.Decision{Allowed: true}}
}

func testRegistry(t *testing.T, entries []registry.Entry, defaultModel string) *registry.Registry {
	t.Helper()
	r := registry.New()
	if err := r.Reload(entries, defaultModel); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return r
}

func chainEntries(timeout time.Duration) []registry.Entry {
	return []registry.Entry{
		{Name: "primary", Provider: "a", UpstreamModel: "a-model", Fallbacks: []string{"backup"}, Timeout: timeout},
		{Name: "backup", Provider: "b", UpstreamModel: "b-model", Timeout: timeout},
	}
}

func newDispatcher(t *testing.T, reg *registry.Registry, provs map[string]providers.Provider, opts func(*Options)) *Dispatcher {
	t.Helper()
	o := Options{
		Registry:  reg,
		Providers: providers.NewSet(provs, nil),
		Limiter:   allowAll(),
		Logger:    slog.New(slog.DiscardHandler),
	}
	if opts != nil {
		opts(&o)
	}
	return New(o)
}

func chatReq(model string) *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:    model,
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}
}

func TestHandleSuccessOnPrimary(t *testing.T) {
	reg := testRegistry(t, chainEntries(time.Second), "primary")
	d := newDispatcher(t, reg, map[string]providers.Provider{
		"a": succeedWith("a", "from-a"),
		"b": succeedWith("b", "from-b"),
	}, nil)

	resp, cached, err := d.Handle(context.Background(), chatReq("primary"), "cred")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if cached {
		t.Error("uncacheable entry reported as cached")
	}
	if resp.Provider != "a" || resp.Content != "from-a" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleFallsBackOnRetriableFailure(t *testing.T) {
	reg := testRegistry(t, chainEntries(time.Second), "primary")
	d := newDispatcher(t, reg, map[string]providers.Provider{
		"a": failWith("a", &statusErr{status: 503}),
		"b": succeedWith("b", "from-b"),
	}, nil)

	resp, _, err := d.Handle(context.Background(), chatReq("primary"), "cred")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Provider != "b" {
		t.Errorf("providerUsed = %q, want b", resp.Provider)
	}
}

func TestHandleTimeoutIsRetriable(t *testing.T) {
	slow := &funcProvider{
		name: "a",
		complete: func(ctx context.Context, _ *providers.ChatRequest) (*providers.ChatResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	reg := testRegistry(t, chainEntries(50*time.Millisecond), "primary")
	d := newDispatcher(t, reg, map[string]providers.Provider{
		"a": slow,
		"b": succeedWith("b", "from-b"),
	}, nil)

	resp, _, err := d.Handle(context.Background(), chatReq("primary"), "cred")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Provider != "b" {
		t.Errorf("providerUsed = %q, want b after primary timeout", resp.Provider)
	}
}

func TestHandleNonRetriableAbortsChain(t *testing.T) {
	var backupCalls atomic.Int32
	backup := &funcProvider{
		name: "b",
		complete: func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, error) {
			backupCalls.Add(1)
			return &providers.ChatResponse{Provider: "b"}, nil
		},
	}

	badReq := &statusErr{status: 400}
	reg := testRegistry(t, chainEntries(time.Second), "primary")
	d := newDispatcher(t, reg, map[string]providers.Provider{
		"a": failWith("a", badReq),
		"b": backup,
	}, nil)

	_, _, err := d.Handle(context.Background(), chatReq("primary"), "cred")
	var sc providers.StatusCoder
	if !errors.As(err, &sc) || sc.HTTPStatus() != 400 {
		t.Fatalf("err = %v, want the upstream 400 surfaced", err)
	}
	if backupCalls.Load() != 0 {
		t.Error("fallback was attempted after a non-retriable failure")
	}
}

func TestHandleExhaustedCarriesOrderedAttempts(t *testing.T) {
	reg := testRegistry(t, chainEntries(time.Second), "primary")
	d := newDispatcher(t, reg, map[string]providers.Provider{
		"a": failWith("a", &statusErr{status: 502}),
		"b": failWith("b", &statusErr{status: 503}),
	}, nil)

	_, _, err := d.Handle(context.Background(), chatReq("primary"), "cred")
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if len(ex.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(ex.Attempts))
	}
	if ex.Attempts[0].Model != "primary" || ex.Attempts[1].Model != "backup" {
		t.Errorf("attempt order = %s, %s", ex.Attempts[0].Model, ex.Attempts[1].Model)
	}
	if ex.HTTPStatus() != 502 {
		t.Errorf("HTTPStatus = %d", ex.HTTPStatus())
	}
}

func TestHandleEmptyFallbackChainSingleAttempt(t *testing.T) {
	reg := testRegistry(t, []registry.Entry{
		{Name: "solo", Provider: "a", UpstreamModel: "a-model", Timeout: time.Second},
	}, "solo")
	d := newDispatcher(t, reg, map[string]providers.Provider{
		"a": failWith("a", &statusErr{status: 500}),
	}, nil)

	_, _, err := d.Handle(context.Background(), chatReq("solo"), "cred")
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if len(ex.Attempts) != 1 {
		t.Fatalf("attempts = %d, want exactly 1", len(ex.Attempts))
	}
}

func TestHandleUnknownModel(t *testing.T) {
	reg := testRegistry(t, chainEntries(time.Second), "primary")
	d := newDispatcher(t, reg, map[string]providers.Provider{
		"a": succeedWith("a", "x"),
		"b": succeedWith("b", "y"),
	}, nil)

	_, _, err := d.Handle(context.Background(), chatReq("ghost"), "cred")
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Model != "ghost" {
		t.Fatalf("err = %v, want NotFoundError for ghost", err)
	}
}

func TestHandleEmptyModelUsesDefault(t *testing.T) {
	reg := testRegistry(t, chainEntries(time.Second), "primary")
	d := newDispatcher(t, reg, map[string]providers.Provider{
		"a": succeedWith("a", "from-a"),
		"b": succeedWith("b", "from-b"),
	}, nil)

	resp, _, err := d.Handle(context.Background(), chatReq(""), "cred")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Provider != "a" {
		t.Errorf("default model dispatched to %q", resp.Provider)
	}
}

func TestHandleRateLimited(t *testing.T) {
	reg := testRegistry(t, chainEntries(time.Second), "primary")
	var upstreamCalls atomic.Int32
	prov := &funcProvider{
		name: "a",
		complete: func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, error) {
			upstreamCalls.Add(1)
			return &providers.ChatResponse{}, nil
		},
	}
	d := newDispatcher(t, reg, map[string]providers.Provider{"a": prov, "b": prov}, func(o *Options) {
		o.Limiter = &stubLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 7 * time.Second}}
	})

	_, _, err := d.Handle(context.Background(), chatReq("primary"), "cred")
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v", rl.RetryAfter)
	}
	if upstreamCalls.Load() != 0 {
		t.Error("denied request reached a provider")
	}
}

func TestHandleUpstream429Policy(t *testing.T) {
	for _, retry := range []bool{true, false} {
		t.Run(fmt.Sprintf("retry=%v", retry), func(t *testing.T) {
			reg := testRegistry(t, chainEntries(time.Second), "primary")
			d := newDispatcher(t, reg, map[string]providers.Provider{
				"a": failWith("a", &statusErr{status: 429}),
				"b": succeedWith("b", "from-b"),
			}, func(o *Options) {
				o.RetryUpstreamRateLimit = retry
			})

			resp, _, err := d.Handle(context.Background(), chatReq("primary"), "cred")
			if retry {
				if err != nil {
					t.Fatalf("Handle: %v", err)
				}
				if resp.Provider != "b" {
					t.Errorf("providerUsed = %q", resp.Provider)
				}
				return
			}
			var sc providers.StatusCoder
			if !errors.As(err, &sc) || sc.HTTPStatus() != 429 {
				t.Fatalf("err = %v, want upstream 429 surfaced", err)
			}
		})
	}
}

func TestHandleCachedResponse(t *testing.T) {
	entries := []registry.Entry{
		{Name: "cached-model", Provider: "a", UpstreamModel: "a-model", Timeout: time.Second, CacheEnabled: true},
	}
	reg := testRegistry(t, entries, "cached-model")

	var calls atomic.Int32
	prov := &funcProvider{
		name: "a",
		complete: func(_ context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
			calls.Add(1)
			return &providers.ChatResponse{Content: "computed", Provider: "a"}, nil
		},
	}

	store := cache.NewMemoryCache(context.Background(), 0)
	t.Cleanup(store.Close)

	d := newDispatcher(t, reg, map[string]providers.Provider{"a": prov}, func(o *Options) {
		o.Cache = cache.NewResponseCache(store, time.Hour)
	})

	ctx := context.Background()
	if _, cached, err := d.Handle(ctx, chatReq("cached-model"), "cred"); err != nil || cached {
		t.Fatalf("first call: cached=%v err=%v", cached, err)
	}
	resp, cached, err := d.Handle(ctx, chatReq("cached-model"), "cred")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !cached {
		t.Error("second identical request missed the cache")
	}
	if resp.Content != "computed" {
		t.Errorf("Content = %q", resp.Content)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream called %d times, want 1", calls.Load())
	}
}

func TestHandleExcludedModelBypassesCache(t *testing.T) {
	entries := []registry.Entry{
		{Name: "no-cache", Provider: "a", UpstreamModel: "a-model", Timeout: time.Second, CacheEnabled: true},
	}
	reg := testRegistry(t, entries, "no-cache")

	var calls atomic.Int32
	prov := &funcProvider{
		name: "a",
		complete: func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, error) {
			calls.Add(1)
			return &providers.ChatResponse{Provider: "a"}, nil
		},
	}

	store := cache.NewMemoryCache(context.Background(), 0)
	t.Cleanup(store.Close)
	excl, err := cache.NewExclusionList([]string{"no-cache"}, nil)
	if err != nil {
		t.Fatalf("NewExclusionList: %v", err)
	}

	d := newDispatcher(t, reg, map[string]providers.Provider{"a": prov}, func(o *Options) {
		o.Cache = cache.NewResponseCache(store, time.Hour)
		o.Exclusions = excl
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, cached, err := d.Handle(ctx, chatReq("no-cache"), "cred"); err != nil || cached {
			t.Fatalf("call %d: cached=%v err=%v", i, cached, err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("upstream called %d times, want 2 (cache bypassed)", calls.Load())
	}
}

func TestHandleSkipsOpenBreaker(t *testing.T) {
	reg := testRegistry(t, chainEntries(time.Second), "primary")
	cb := NewCircuitBreaker(CBConfig{ErrorThreshold: 1})
	// Trip the breaker for provider a.
	cb.RecordFailure("a")

	var aCalls atomic.Int32
	a := &funcProvider{
		name: "a",
		complete: func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, error) {
			aCalls.Add(1)
			return &providers.ChatResponse{Provider: "a"}, nil
		},
	}

	d := newDispatcher(t, reg, map[string]providers.Provider{
		"a": a,
		"b": succeedWith("b", "from-b"),
	}, func(o *Options) {
		o.Breaker = cb
	})

	resp, _, err := d.Handle(context.Background(), chatReq("primary"), "cred")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Provider != "b" {
		t.Errorf("providerUsed = %q, want b while a's breaker is open", resp.Provider)
	}
	if aCalls.Load() != 0 {
		t.Error("open breaker did not skip the provider")
	}
}

// streamOf builds a CompleteStream stub that emits chunks in order.
func streamOf(chunks ...providers.StreamChunk) func(context.Context, *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	return func(ctx context.Context, _ *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
		ch := make(chan providers.StreamChunk, len(chunks))
		go func() {
			defer close(ch)
			for _, c := range chunks {
				select {
				case ch <- c:
				case <-ctx.Done():
					return
				}
			}
		}()
		return ch, nil
	}
}

func collect(t *testing.T, ch <-chan providers.StreamChunk) []providers.StreamChunk {
	t.Helper()
	var out []providers.StreamChunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not terminate")
		}
	}
}

func TestHandleStreamDelivery(t *testing.T) {
	reg := testRegistry(t, chainEntries(time.Second), "primary")
	a := &funcProvider{
		name: "a",
		stream: streamOf(
			providers.StreamChunk{Content: "hel"},
			providers.StreamChunk{Content: "lo"},
			providers.StreamChunk{FinishReason: "stop", Usage: &providers.Usage{OutputTokens: 2}},
		),
	}
	d := newDispatcher(t, reg, map[string]providers.Provider{"a": a, "b": a}, nil)

	ch, err := d.HandleStream(context.Background(), chatReq("primary"), "cred")
	if err != nil {
		t.Fatalf("HandleStream: %v", err)
	}

	chunks := collect(t, ch)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0].Content+chunks[1].Content != "hello" {
		t.Errorf("content = %q%q", chunks[0].Content, chunks[1].Content)
	}
	last := chunks[2]
	if last.FinishReason != "stop" || last.Usage == nil || last.Usage.OutputTokens != 2 {
		t.Errorf("terminal chunk = %+v", last)
	}
}

func TestHandleStreamFallsBackBeforeFirstDelta(t *testing.T) {
	reg := testRegistry(t, chainEntries(time.Second), "primary")
	a := &funcProvider{
		name:   "a",
		stream: streamOf(providers.StreamChunk{Err: &statusErr{status: 503}}),
	}
	b := &funcProvider{
		name: "b",
		stream: streamOf(
			providers.StreamChunk{Content: "rescued"},
			providers.StreamChunk{FinishReason: "stop"},
		),
	}
	d := newDispatcher(t, reg, map[string]providers.Provider{"a": a, "b": b}, nil)

	ch, err := d.HandleStream(context.Background(), chatReq("primary"), "cred")
	if err != nil {
		t.Fatalf("HandleStream: %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 2 || chunks[0].Content != "rescued" {
		t.Fatalf("chunks = %+v, want b's output", chunks)
	}
}

func TestHandleStreamMidStreamFailureNeverSwaps(t *testing.T) {
	reg := testRegistry(t, chainEntries(time.Second), "primary")

	var bCalls atomic.Int32
	a := &funcProvider{
		name: "a",
		stream: streamOf(
			providers.StreamChunk{Content: "one"},
			providers.StreamChunk{Content: "two"},
			providers.StreamChunk{Err: &statusErr{status: 502}},
		),
	}
	b := &funcProvider{
		name: "b",
		stream: func(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
			bCalls.Add(1)
			return streamOf(providers.StreamChunk{FinishReason: "stop"})(ctx, req)
		},
	}
	d := newDispatcher(t, reg, map[string]providers.Provider{"a": a, "b": b}, nil)

	ch, err := d.HandleStream(context.Background(), chatReq("primary"), "cred")
	if err != nil {
		t.Fatalf("HandleStream: %v", err)
	}

	chunks := collect(t, ch)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 2 deltas + terminal error", len(chunks))
	}
	if chunks[0].Content != "one" || chunks[1].Content != "two" {
		t.Errorf("deltas = %+v", chunks[:2])
	}
	if chunks[2].Err == nil {
		t.Error("stream did not terminate with an error chunk")
	}
	if bCalls.Load() != 0 {
		t.Error("dispatcher swapped providers after output was emitted")
	}
}

func TestHandleStreamTimeoutBeforeFirstDeltaFallsBack(t *testing.T) {
	entries := chainEntries(50 * time.Millisecond)
	reg := testRegistry(t, entries, "primary")

	silent := &funcProvider{
		name: "a",
		stream: func(ctx context.Context, _ *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
			ch := make(chan providers.StreamChunk)
			go func() {
				<-ctx.Done()
				close(ch)
			}()
			return ch, nil
		},
	}
	b := &funcProvider{
		name: "b",
		stream: streamOf(
			providers.StreamChunk{Content: "late but here"},
			providers.StreamChunk{FinishReason: "stop"},
		),
	}
	d := newDispatcher(t, reg, map[string]providers.Provider{"a": silent, "b": b}, nil)

	ch, err := d.HandleStream(context.Background(), chatReq("primary"), "cred")
	if err != nil {
		t.Fatalf("HandleStream: %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) == 0 || chunks[0].Content != "late but here" {
		t.Fatalf("chunks = %+v", chunks)
	}
}

func TestHandleStreamExhausted(t *testing.T) {
	reg := testRegistry(t, chainEntries(time.Second), "primary")
	failing := &funcProvider{
		name:   "a",
		stream: streamOf(providers.StreamChunk{Err: &statusErr{status: 503}}),
	}
	d := newDispatcher(t, reg, map[string]providers.Provider{"a": failing, "b": failing}, nil)

	_, err := d.HandleStream(context.Background(), chatReq("primary"), "cred")
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if len(ex.Attempts) != 2 {
		t.Errorf("attempts = %d", len(ex.Attempts))
	}
}
