package providers

import (
	"fmt"
	"sync"
)

// Set holds the configured adapters. Static adapters (openai, anthropic,
// gemini) are registered once at startup; generic OpenAI-compatible adapters
// are built lazily, one per api_base, so a registry reload that introduces a
// new custom backend needs no process restart.
//
// Safe for concurrent use.
type Set struct {
	mu     sync.RWMutex
	static map[string]Provider
	custom map[string]Provider // keyed by api_base

	// newCustom builds a generic adapter for the given base URL.
	newCustom func(baseURL string) Provider
}

// NewSet creates a Set from the statically configured adapters.
// newCustom may be nil when custom_openai entries are not used.
func NewSet(static map[string]Provider, newCustom func(baseURL string) Provider) *Set {
	if static == nil {
		static = make(map[string]Provider)
	}
	return &Set{
		static:    static,
		custom:    make(map[string]Provider),
		newCustom: newCustom,
	}
}

// For returns the adapter for the given provider kind. For KindCustomOpenAI
// the apiBase selects (and on first use creates) the generic adapter.
func (s *Set) For(kind, apiBase string) (Provider, error) {
	if kind == KindCustomOpenAI {
		return s.customFor(apiBase)
	}

	s.mu.RLock()
	p, ok := s.static[kind]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("providers: %q is not configured", kind)
	}
	return p, nil
}

func (s *Set) customFor(apiBase string) (Provider, error) {
	if apiBase == "" {
		return nil, fmt.Errorf("providers: custom_openai entry has no api_base")
	}
	if s.newCustom == nil {
		return nil, fmt.Errorf("providers: custom_openai adapters are not enabled")
	}

	s.mu.RLock()
	p, ok := s.custom[apiBase]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.custom[apiBase]; ok {
		return p, nil
	}
	p = s.newCustom(apiBase)
	s.custom[apiBase] = p
	return p, nil
}

// Names returns the names of all static adapters (for startup logging and
// health probing).
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.static))
	for n := range s.static {
		names = append(names, n)
	}
	return names
}

// Each calls fn for every static adapter. Lazily-built custom adapters are
// excluded — they have no standing health contract.
func (s *Set) Each(fn func(Provider)) {
	s.mu.RLock()
	provs := make([]Provider, 0, len(s.static))
	for _, p := range s.static {
		provs = append(provs, p)
	}
	s.mu.RUnlock()
	for _, p := range provs {
		fn(p)
	}
}

// Len returns the number of static adapters.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.static)
}
