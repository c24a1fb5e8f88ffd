// Package metrics exports Prometheus metrics for the routing server.
//
// Everything registers against a private registry rather than the global
// default, so the server can be embedded without colliding with host
// metrics. Handler() serves the /metrics endpoint.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Metrics holds all exported instruments.
type Metrics struct {
	reg *prometheus.Registry

	// router_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// router_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// router_inflight_requests
	inFlight prometheus.Gauge

	// router_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// router_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// router_cache_requests_total{outcome} — hit / miss / bypass
	cacheRequests *prometheus.CounterVec

	// router_ratelimit_denied_total
	rateLimitDenied prometheus.Counter

	// router_failover_events_total{from,to,reason}
	failoverEvents *prometheus.CounterVec

	// router_failover_exhausted_total{model}
	failoverExhausted *prometheus.CounterVec

	// router_circuit_breaker_state{provider} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// router_circuit_breaker_rejections_total{provider}
	cbRejections *prometheus.CounterVec

	// router_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// router_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// router_registry_models
	registryModels prometheus.Gauge

	// router_build_info{version}
	buildInfo *prometheus.GaugeVec

	handler fasthttp.RequestHandler
}

// New creates the private registry with all instruments registered.
func New(version string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		reg: reg,

		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_http_requests_total",
			Help: "HTTP requests handled, by route and status",
		}, []string{"route", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_http_request_duration_seconds",
			Help:    "End-to-end request duration, including cache and upstream",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"route"}),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_inflight_requests",
			Help: "In-flight HTTP requests",
		}),

		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_upstream_attempts_total",
			Help: "Provider attempts during dispatch, by outcome",
		}, []string{"provider", "outcome"}),

		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_upstream_attempt_duration_seconds",
			Help:    "Single provider attempt duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "outcome"}),

		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_cache_requests_total",
			Help: "Response cache consultations: hit, miss or bypass",
		}, []string{"outcome"}),

		rateLimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_ratelimit_denied_total",
			Help: "Requests denied by the rate limiter",
		}),

		failoverEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_failover_events_total",
			Help: "Successful fallbacks after a failed candidate",
		}, []string{"from", "to", "reason"}),

		failoverExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_failover_exhausted_total",
			Help: "Requests whose entire fallback chain failed",
		}, []string{"model"}),

		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "router_circuit_breaker_state",
			Help: "Breaker state per provider: 0=closed, 1=open, 2=half-open",
		}, []string{"provider"}),

		cbRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_circuit_breaker_rejections_total",
			Help: "Attempts skipped because the provider breaker was open",
		}, []string{"provider"}),

		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_tokens_total",
			Help: "Tokens processed, by provider and direction (input/output)",
		}, []string{"provider", "direction"}),

		providerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "router_provider_health",
			Help: "Last health probe result per provider: 1 healthy, 0 unhealthy",
		}, []string{"provider"}),

		registryModels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_registry_models",
			Help: "Models in the active registry snapshot",
		}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "router_build_info",
			Help: "Build information",
		}, []string{"version"}),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpDuration,
		m.inFlight,
		m.upstreamAttempts,
		m.upstreamDuration,
		m.cacheRequests,
		m.rateLimitDenied,
		m.failoverEvents,
		m.failoverExhausted,
		m.circuitBreakerState,
		m.cbRejections,
		m.tokensTotal,
		m.providerHealth,
		m.registryModels,
		m.buildInfo,
	)

	m.buildInfo.WithLabelValues(version).Set(1)
	m.handler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)
	return m
}

// Handler serves the Prometheus exposition endpoint.
func (m *Metrics) Handler() fasthttp.RequestHandler { return m.handler }

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(route string, status int, dur time.Duration) {
	m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RequestStarted / RequestFinished maintain the in-flight gauge.
func (m *Metrics) RequestStarted()  { m.inFlight.Inc() }
func (m *Metrics) RequestFinished() { m.inFlight.Dec() }

// ObserveUpstreamAttempt records one provider attempt.
func (m *Metrics) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	m.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	m.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

// RecordCache counts a cache consultation outcome: "hit", "miss" or "bypass".
func (m *Metrics) RecordCache(outcome string) {
	m.cacheRequests.WithLabelValues(outcome).Inc()
}

// RecordRateLimited counts a denied admission.
func (m *Metrics) RecordRateLimited() {
	m.rateLimitDenied.Inc()
}

// RecordFailover counts a successful fallback from one model to another.
func (m *Metrics) RecordFailover(from, to, reason string) {
	m.failoverEvents.WithLabelValues(from, to, reason).Inc()
}

// RecordFailoverExhausted counts a request whose whole chain failed.
func (m *Metrics) RecordFailoverExhausted(model string) {
	m.failoverExhausted.WithLabelValues(model).Inc()
}

// SetCircuitBreaker publishes a provider's breaker state.
func (m *Metrics) SetCircuitBreaker(provider string, state int) {
	m.circuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

// RecordCircuitBreakerRejection counts an attempt skipped by an open breaker.
func (m *Metrics) RecordCircuitBreakerRejection(provider string) {
	m.cbRejections.WithLabelValues(provider).Inc()
}

// RecordTokens accumulates token usage for a served response.
func (m *Metrics) RecordTokens(provider string, input, output int) {
	if input > 0 {
		m.tokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	}
	if output > 0 {
		m.tokensTotal.WithLabelValues(provider, "output").Add(float64(output))
	}
}

// SetProviderHealth publishes the last probe result for provider.
func (m *Metrics) SetProviderHealth(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.providerHealth.WithLabelValues(provider).Set(v)
}

// SetRegistryModels publishes the active snapshot size.
func (m *Metrics) SetRegistryModels(n int) {
	m.registryModels.Set(float64(n))
}
