// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis when needed)
//  2. initRegistry  — model table load + optional file watch
//  3. initProviders — LLM provider adapters
//  4. initServices  — cache, rate limiter, usage tracking, metrics
//  5. initServer    — dispatcher + HTTP transport
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/KushGrandhi/llm-routing-server/internal/cache"
	"github.com/KushGrandhi/llm-routing-server/internal/config"
	"github.com/KushGrandhi/llm-routing-server/internal/dispatch"
	"github.com/KushGrandhi/llm-routing-server/internal/logger"
	"github.com/KushGrandhi/llm-routing-server/internal/metrics"
	"github.com/KushGrandhi/llm-routing-server/internal/providers"
	"github.com/KushGrandhi/llm-routing-server/internal/proxy"
	"github.com/KushGrandhi/llm-routing-server/internal/ratelimit"
	"github.com/KushGrandhi/llm-routing-server/internal/registry"
	"github.com/KushGrandhi/llm-routing-server/internal/usage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reg    *registry.Registry
	loader *registry.Loader

	provs *providers.Set

	memCache      *cache.MemoryCache
	windowLimiter *ratelimit.WindowLimiter
	limiter       ratelimit.Limiter
	respCache     *cache.ResponseCache
	exclusions    *cache.ExclusionList

	tracker   *usage.Tracker
	reqLogger *logger.RequestLogger

	prom       *metrics.Metrics
	dispatcher *dispatch.Dispatcher
	health     *proxy.HealthChecker
	server     *proxy.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"registry", a.initRegistry},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails. Shutdown drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting routing server",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("models", a.reg.Len()),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("rate_limit_mode", a.cfg.RateLimit.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.server.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call more than
// once.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("request logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.tracker != nil {
		if err := a.tracker.Close(); err != nil {
			a.log.Error("usage tracker close error", slog.String("error", err.Error()))
		}
		a.tracker = nil
	}
	if a.loader != nil {
		if err := a.loader.Close(); err != nil {
			a.log.Error("registry watcher close error", slog.String("error", err.Error()))
		}
		a.loader = nil
	}
	if a.windowLimiter != nil {
		a.windowLimiter.Close()
		a.windowLimiter = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return rdb, nil
}

// redisPinger returns a readiness probe bound to the client.
func redisPinger(baseCtx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		ctx, cancel := context.WithTimeout(baseCtx, 2*time.Second)
		defer cancel()
		return rdb.Ping(ctx).Err() == nil
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging, e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379".
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
