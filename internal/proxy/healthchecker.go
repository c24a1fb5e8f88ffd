package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/KushGrandhi/llm-routing-server/internal/metrics"
	"github.com/KushGrandhi/llm-routing-server/internal/providers"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// componentStatus holds the last probe result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker probes the configured provider adapters, the response cache
// and the usage store in the background and exposes the latest results to
// GET /health and GET /readiness.
type HealthChecker struct {
	provs      *providers.Set
	cacheReady func() bool
	usageReady func() bool
	baseCtx    context.Context
	metrics    *metrics.Metrics

	providerStatuses map[string]*componentStatus
	cacheStatus      componentStatus
	usageStatus      componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and starts the probe loop. A nil
// readiness func marks that component as not configured, which probes as ok.
func NewHealthChecker(
	ctx context.Context,
	provs *providers.Set,
	cacheReady, usageReady func() bool,
	met *metrics.Metrics,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		provs:            provs,
		cacheReady:       cacheReady,
		usageReady:       usageReady,
		providerStatuses: make(map[string]*componentStatus),
		startTime:        time.Now(),
		done:             make(chan struct{}),
		baseCtx:          ctx,
		metrics:          met,
	}

	if provs != nil {
		for _, name := range provs.Names() {
			hc.providerStatuses[name] = &componentStatus{status: "unknown"}
		}
	}

	// First probe runs synchronously so /health never starts at "unknown".
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the GET /health response body.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         string            `json:"cache"`
	UsageStore    string            `json:"usage_store"`
}

// Snapshot builds the current health view from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	provs := make(map[string]string, len(hc.providerStatuses))
	for name, s := range hc.providerStatuses {
		st := s.get()
		provs[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	us := hc.usageStatus.get()
	if us == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Cache:         hc.cacheStatus.get(),
		UsageStore:    us,
	}
}

// ReadinessOK reports whether the server should accept traffic. A degraded
// provider or cache keeps serving (the dispatcher falls back or bypasses);
// only a down usage store fails readiness.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.usageStatus.get() != "down"
}

// Close stops the probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	if hc.provs != nil {
		hc.provs.Each(func(p providers.Provider) {
			s, ok := hc.providerStatuses[p.Name()]
			if !ok {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				healthy := p.HealthCheck(ctx) == nil
				if healthy {
					s.set("ok")
				} else {
					s.set("degraded")
				}
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(p.Name(), healthy)
				}
			}()
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.usageReady == nil || hc.usageReady() {
			hc.usageStatus.set("ok")
		} else {
			hc.usageStatus.set("down")
		}
	}()

	wg.Wait()
}
