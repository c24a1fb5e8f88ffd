// Package proxy is the HTTP transport: an OpenAI-compatible surface over the
// dispatcher plus the admin and observability endpoints. Built on fasthttp
// with fasthttp/router.
package proxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/KushGrandhi/llm-routing-server/internal/dispatch"
	"github.com/KushGrandhi/llm-routing-server/internal/logger"
	"github.com/KushGrandhi/llm-routing-server/internal/metrics"
	"github.com/KushGrandhi/llm-routing-server/internal/pricing"
	"github.com/KushGrandhi/llm-routing-server/internal/registry"
	"github.com/KushGrandhi/llm-routing-server/internal/usage"
	"github.com/KushGrandhi/llm-routing-server/pkg/apierr"
)

// Options wires a Server's collaborators. Dispatcher and Registry are
// required; everything else may be nil and the matching surface degrades
// (no metrics endpoint, no usage queries, auth disabled).
type Options struct {
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry

	// Reload re-reads the models file; wired to POST /admin/reload.
	Reload func() error

	Usage     *usage.Tracker
	ReqLogger *logger.RequestLogger
	Pricing   *pricing.Estimator
	Metrics   *metrics.Metrics
	Health    *HealthChecker

	APIKeys     []string
	CORSOrigins []string
	Logger      *slog.Logger
	Version     string
}

// Server is the HTTP front end.
type Server struct {
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	reload     func() error

	usage     *usage.Tracker
	reqLogger *logger.RequestLogger
	pricing   *pricing.Estimator
	metrics   *metrics.Metrics
	health    *HealthChecker

	apiKeys     map[string]bool
	corsOrigins []string
	log         *slog.Logger
	version     string

	srv *fasthttp.Server
}

// NewServer builds the route table and middleware chain.
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	keys := make(map[string]bool, len(opts.APIKeys))
	for _, k := range opts.APIKeys {
		keys[k] = true
	}

	s := &Server{
		dispatcher:  opts.Dispatcher,
		registry:    opts.Registry,
		reload:      opts.Reload,
		usage:       opts.Usage,
		reqLogger:   opts.ReqLogger,
		pricing:     opts.Pricing,
		metrics:     opts.Metrics,
		health:      opts.Health,
		apiKeys:     keys,
		corsOrigins: opts.CORSOrigins,
		log:         log,
		version:     opts.Version,
	}

	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped request handler (exported for in-memory
// transport tests).
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", s.handleChatCompletions)
	// Legacy completions alias; served by the same handler.
	r.POST("/v1/completions", s.handleChatCompletions)
	r.GET("/v1/models", s.handleModels)

	r.POST("/admin/reload", s.handleReload)
	r.GET("/admin/usage", s.handleUsage)
	r.GET("/admin/usage/recent", s.handleUsageRecent)

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
		s.authenticate,
	)
}

// ListenAndServe starts the server on addr (e.g. ":8080"). Blocks until
// Shutdown or a listener error.
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Serve accepts connections from ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

// handleModels lists the active registry snapshot.
func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	type modelInfo struct {
		ID             string   `json:"id"`
		Object         string   `json:"object"`
		Provider       string   `json:"provider"`
		UpstreamModel  string   `json:"upstream_model"`
		Fallbacks      []string `json:"fallbacks,omitempty"`
		TimeoutSeconds int      `json:"timeout_seconds"`
		CacheEnabled   bool     `json:"cache_enabled"`
		Default        bool     `json:"default"`
	}

	def := s.registry.DefaultModel()
	entries := s.registry.Entries()
	data := make([]modelInfo, 0, len(entries))
	for _, e := range entries {
		data = append(data, modelInfo{
			ID:             e.Name,
			Object:         "model",
			Provider:       e.Provider,
			UpstreamModel:  e.UpstreamModel,
			Fallbacks:      e.Fallbacks,
			TimeoutSeconds: int(e.Timeout.Seconds()),
			CacheEnabled:   e.CacheEnabled,
			Default:        e.Name == def,
		})
	}

	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// handleReload re-reads the models file. A table that fails validation is
// rejected with the full problem list; the active snapshot stays as-is.
func (s *Server) handleReload(ctx *fasthttp.RequestCtx) {
	if s.reload == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"registry reload is not configured",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if err := s.reload(); err != nil {
		var verr *registry.ValidationError
		if errors.As(err, &verr) {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			writeJSON(ctx, map[string]any{
				"status":   "rejected",
				"problems": verr.Problems,
			})
			return
		}
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if s.metrics != nil {
		s.metrics.SetRegistryModels(s.registry.Len())
	}
	s.log.Info("registry reloaded via admin endpoint",
		"models", s.registry.Len(),
		"default_model", s.registry.DefaultModel(),
	)
	writeJSON(ctx, map[string]any{
		"status":        "ok",
		"models":        s.registry.Len(),
		"default_model": s.registry.DefaultModel(),
	})
}

// handleUsage aggregates request accounting over the last ?days (default 30),
// optionally filtered by ?credential (a credential hash).
func (s *Server) handleUsage(ctx *fasthttp.RequestCtx) {
	if s.usage == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"usage tracking is disabled",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	days, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("days")))
	credential := string(ctx.QueryArgs().Peek("credential"))

	summary, err := s.usage.Summarize(ctx, days, credential)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, summary)
}

// handleUsageRecent returns the last ?limit request log rows, newest first.
func (s *Server) handleUsageRecent(ctx *fasthttp.RequestCtx) {
	if s.usage == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"usage tracking is disabled",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	limit, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("limit")))
	records, err := s.usage.Recent(ctx, limit)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	type row struct {
		RequestID      string   `json:"request_id"`
		Timestamp      string   `json:"ts"`
		CredentialHash string   `json:"credential_hash,omitempty"`
		Model          string   `json:"model"`
		UpstreamModel  string   `json:"upstream_model,omitempty"`
		Provider       string   `json:"provider,omitempty"`
		InputTokens    int      `json:"input_tokens"`
		OutputTokens   int      `json:"output_tokens"`
		CostUSD        *float64 `json:"cost_usd,omitempty"`
		LatencyMs      int64    `json:"latency_ms"`
		Status         int      `json:"status_code"`
		Cached         bool     `json:"cached"`
		Error          string   `json:"error,omitempty"`
	}

	rows := make([]row, 0, len(records))
	for _, r := range records {
		rows = append(rows, row{
			RequestID:      r.RequestID.String(),
			Timestamp:      r.Timestamp.UTC().Format(time.RFC3339Nano),
			CredentialHash: r.CredentialHash,
			Model:          r.Model,
			UpstreamModel:  r.UpstreamModel,
			Provider:       r.Provider,
			InputTokens:    r.InputTokens,
			OutputTokens:   r.OutputTokens,
			CostUSD:        r.CostUSD,
			LatencyMs:      r.LatencyMs,
			Status:         r.Status,
			Cached:         r.Cached,
			Error:          r.ErrorMessage,
		})
	}
	writeJSON(ctx, map[string]any{"requests": rows})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": s.version})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
