package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/KushGrandhi/llm-routing-server/internal/cache"
	"github.com/KushGrandhi/llm-routing-server/internal/dispatch"
	"github.com/KushGrandhi/llm-routing-server/internal/logger"
	"github.com/KushGrandhi/llm-routing-server/internal/metrics"
	"github.com/KushGrandhi/llm-routing-server/internal/pricing"
	"github.com/KushGrandhi/llm-routing-server/internal/providers"
	"github.com/KushGrandhi/llm-routing-server/internal/providers/anthropic"
	"github.com/KushGrandhi/llm-routing-server/internal/providers/gemini"
	"github.com/KushGrandhi/llm-routing-server/internal/providers/openai"
	"github.com/KushGrandhi/llm-routing-server/internal/providers/openaicompat"
	"github.com/KushGrandhi/llm-routing-server/internal/proxy"
	"github.com/KushGrandhi/llm-routing-server/internal/ratelimit"
	"github.com/KushGrandhi/llm-routing-server/internal/registry"
	"github.com/KushGrandhi/llm-routing-server/internal/usage"
)

// needsRedis reports whether any configured subsystem uses Redis.
func (a *App) needsRedis() bool {
	return a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.Mode == "redis"
}

func (a *App) initInfra(ctx context.Context) error {
	if !a.needsRedis() {
		return nil
	}

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("connected to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
	return nil
}

func (a *App) initRegistry(ctx context.Context) error {
	a.reg = registry.New()
	a.loader = registry.NewLoader(a.reg, a.cfg.Models.Path, a.log)

	if err := a.loader.Load(); err != nil {
		return fmt.Errorf("load %s: %w", a.cfg.Models.Path, err)
	}

	if a.cfg.Models.Watch {
		if err := a.loader.Watch(ctx); err != nil {
			return fmt.Errorf("watch %s: %w", a.cfg.Models.Path, err)
		}
		a.log.Info("watching models file", slog.String("path", a.cfg.Models.Path))
	}
	return nil
}

func (a *App) initProviders(ctx context.Context) error {
	static := make(map[string]providers.Provider)

	if key := a.cfg.OpenAI.APIKey; key != "" {
		var opts []openai.Option
		if a.cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(a.cfg.OpenAI.BaseURL))
		}
		static[providers.KindOpenAI] = openai.New(key, opts...)
	}

	if key := a.cfg.Anthropic.APIKey; key != "" {
		var opts []anthropic.Option
		if a.cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(a.cfg.Anthropic.BaseURL))
		}
		static[providers.KindAnthropic] = anthropic.New(key, opts...)
	}

	if key := a.cfg.Gemini.APIKey; key != "" {
		var opts []gemini.Option
		if a.cfg.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(a.cfg.Gemini.BaseURL))
		}
		p, err := gemini.New(ctx, key, opts...)
		if err != nil {
			return fmt.Errorf("gemini: %w", err)
		}
		static[providers.KindGemini] = p
	}

	var newCustom func(baseURL string) providers.Provider
	if a.cfg.CustomAPIKey != "" {
		customKey := a.cfg.CustomAPIKey
		newCustom = func(baseURL string) providers.Provider {
			return openaicompat.New("custom_openai:"+baseURL, customKey, baseURL)
		}
	}

	a.provs = providers.NewSet(static, newCustom)
	a.log.Info("providers registered", slog.Any("names", a.provs.Names()))
	return nil
}

func (a *App) initServices(ctx context.Context) error {
	// Response cache.
	var store cache.Cache
	switch a.cfg.Cache.Mode {
	case "memory":
		a.memCache = cache.NewMemoryCache(ctx, a.cfg.Cache.MaxEntries)
		store = a.memCache
	case "redis":
		store = cache.NewExactCache(a.rdb, a.log)
	case "none":
		// no store, dispatcher skips caching
	}
	if store != nil {
		a.respCache = cache.NewResponseCache(store, a.cfg.Cache.TTL)
	}

	excl, err := cache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
	if err != nil {
		return fmt.Errorf("cache exclusions: %w", err)
	}
	a.exclusions = excl

	// Rate limiter.
	switch {
	case a.cfg.RateLimit.Limit <= 0 || a.cfg.RateLimit.Mode == "none":
		a.limiter = ratelimit.NoLimit()
	case a.cfg.RateLimit.Mode == "memory":
		a.windowLimiter = ratelimit.NewWindowLimiter(ctx, a.cfg.RateLimit.Limit, a.cfg.RateLimit.Window)
		a.limiter = a.windowLimiter
	case a.cfg.RateLimit.Mode == "redis":
		a.limiter = ratelimit.NewSlidingLimiter(a.rdb, a.cfg.RateLimit.Limit, a.cfg.RateLimit.Window)
	}

	// Usage accounting.
	if a.cfg.Usage.Enabled {
		if dir := filepath.Dir(a.cfg.Usage.DatabasePath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("usage dir %s: %w", dir, err)
			}
		}
		tracker, err := usage.Open(a.cfg.Usage.DatabasePath)
		if err != nil {
			return fmt.Errorf("usage store: %w", err)
		}
		a.tracker = tracker
		a.reqLogger = logger.New(tracker, a.log)
		a.log.Info("usage tracking enabled", slog.String("path", a.cfg.Usage.DatabasePath))
	}

	a.prom = metrics.New(a.version)
	a.prom.SetRegistryModels(a.reg.Len())
	return nil
}

func (a *App) initServer(ctx context.Context) error {
	a.dispatcher = dispatch.New(dispatch.Options{
		Registry:               a.reg,
		Providers:              a.provs,
		Limiter:                a.limiter,
		Cache:                  a.respCache,
		Exclusions:             a.exclusions,
		Breaker:                a.breaker(),
		Metrics:                a.prom,
		Logger:                 a.log,
		RetryUpstreamRateLimit: a.cfg.RetryUpstreamRateLimit,
	})

	a.health = proxy.NewHealthChecker(ctx, a.provs, a.cacheReady(ctx), a.usageReady(), a.prom)

	a.server = proxy.NewServer(proxy.Options{
		Dispatcher:  a.dispatcher,
		Registry:    a.reg,
		Reload:      a.loader.Load,
		Usage:       a.tracker,
		ReqLogger:   a.reqLogger,
		Pricing:     pricing.NewEstimator(nil),
		Metrics:     a.prom,
		Health:      a.health,
		APIKeys:     a.cfg.APIKeys,
		CORSOrigins: a.cfg.CORSOrigins,
		Logger:      a.log,
		Version:     a.version,
	})
	return nil
}

func (a *App) breaker() *dispatch.CircuitBreaker {
	return dispatch.NewCircuitBreaker(dispatch.CBConfig{
		ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
		TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
		HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
	})
}

// cacheReady probes the cache backend. The in-process cache is always ready;
// a Redis cache is ready when the server answers PING.
func (a *App) cacheReady(ctx context.Context) func() bool {
	if a.cfg.Cache.Mode == "redis" {
		return redisPinger(ctx, a.rdb)
	}
	return func() bool { return true }
}

// usageReady probes the SQLite store, or reports ready when tracking is off.
func (a *App) usageReady() func() bool {
	if a.tracker == nil {
		return func() bool { return true }
	}
	tracker := a.tracker
	return func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return tracker.Ping(ctx) == nil
	}
}
