// Package registry maps logical model names to their resolved routing
// configuration. The table is published as an immutable snapshot behind an
// atomic pointer, so readers never block and a reload never tears an
// in-flight resolution.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// Entry is the resolved configuration for one logical model name.
type Entry struct {
	// Name is the logical model name clients send, unique per snapshot.
	Name string

	// Provider is the adapter kind: providers.KindOpenAI, KindAnthropic,
	// KindGemini or KindCustomOpenAI.
	Provider string

	// UpstreamModel is the model id sent to the provider.
	UpstreamModel string

	// Fallbacks are logical model names tried, in order, when this entry's
	// provider fails with a retriable error.
	Fallbacks []string

	// Timeout bounds a single adapter call for this entry.
	Timeout time.Duration

	// CacheEnabled marks responses for this entry as cacheable.
	CacheEnabled bool

	// CacheTTL overrides the global cache TTL when > 0.
	CacheTTL time.Duration

	// APIBase selects the backend for custom_openai entries.
	APIBase string
}

// Snapshot is one immutable published table.
type Snapshot struct {
	entries      map[string]*Entry
	names        []string // sorted, for stable listings
	defaultModel string
}

// ValidationError reports why a candidate table was rejected. The previous
// snapshot stays active when Reload returns one.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("registry: invalid model table: %s", strings.Join(e.Problems, "; "))
}

// Registry is the hot-swappable model table.
type Registry struct {
	snap atomic.Pointer[Snapshot]
}

// New returns a Registry with an empty snapshot. Callers load the real table
// with Reload before serving.
func New() *Registry {
	r := &Registry{}
	r.snap.Store(&Snapshot{
		entries: make(map[string]*Entry),
	})
	return r
}

// Resolve returns the entry for name, if present.
func (r *Registry) Resolve(name string) (*Entry, bool) {
	e, ok := r.snap.Load().entries[name]
	return e, ok
}

// DefaultModel returns the logical name used when a request omits the model.
func (r *Registry) DefaultModel() string {
	return r.snap.Load().defaultModel
}

// Entries returns all entries in name order.
func (r *Registry) Entries() []*Entry {
	s := r.snap.Load()
	out := make([]*Entry, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.entries[n])
	}
	return out
}

// Len returns the number of entries in the active snapshot.
func (r *Registry) Len() int {
	return len(r.snap.Load().entries)
}

// Reload validates the candidate table and, on success, publishes it as the
// new snapshot in a single pointer swap. On failure the previous snapshot
// remains active and a *ValidationError describes every problem found.
func (r *Registry) Reload(entries []Entry, defaultModel string) error {
	snap, err := buildSnapshot(entries, defaultModel)
	if err != nil {
		return err
	}
	r.snap.Store(snap)
	return nil
}

func buildSnapshot(entries []Entry, defaultModel string) (*Snapshot, error) {
	var problems []string

	table := make(map[string]*Entry, len(entries))
	names := make([]string, 0, len(entries))

	for i := range entries {
		e := entries[i]
		if e.Name == "" {
			problems = append(problems, fmt.Sprintf("entry %d has no name", i))
			continue
		}
		if _, dup := table[e.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate model name %q", e.Name))
			continue
		}
		if e.Provider == "" {
			problems = append(problems, fmt.Sprintf("model %q has no provider", e.Name))
		}
		if e.UpstreamModel == "" {
			problems = append(problems, fmt.Sprintf("model %q has no upstream model id", e.Name))
		}
		if e.Timeout <= 0 {
			problems = append(problems, fmt.Sprintf("model %q has non-positive timeout", e.Name))
		}
		table[e.Name] = &e
		names = append(names, e.Name)
	}

	if defaultModel == "" {
		problems = append(problems, "default_model is not set")
	} else if _, ok := table[defaultModel]; !ok {
		problems = append(problems, fmt.Sprintf("default_model %q is not defined", defaultModel))
	}

	for _, name := range names {
		for _, fb := range table[name].Fallbacks {
			if _, ok := table[fb]; !ok {
				problems = append(problems, fmt.Sprintf("model %q falls back to unknown model %q", name, fb))
			}
		}
	}

	// Cycle check runs only over resolvable edges; unknown fallbacks were
	// already reported above.
	if cycles := findCycles(table); len(cycles) > 0 {
		problems = append(problems, cycles...)
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	sort.Strings(names)
	return &Snapshot{
		entries:      table,
		names:        names,
		defaultModel: defaultModel,
	}, nil
}

// findCycles runs a coloring DFS over the fallback graph and reports every
// cycle it reaches, including self-references.
func findCycles(table map[string]*Entry) []string {
	const (
		white = iota // unvisited
		gray         // on the current path
		black        // done
	)

	color := make(map[string]int, len(table))
	var problems []string

	var visit func(name string, path []string)
	visit = func(name string, path []string) {
		color[name] = gray
		path = append(path, name)

		for _, fb := range table[name].Fallbacks {
			if _, ok := table[fb]; !ok {
				continue
			}
			switch color[fb] {
			case white:
				visit(fb, path)
			case gray:
				problems = append(problems, fmt.Sprintf(
					"fallback cycle: %s -> %s", strings.Join(path, " -> "), fb))
			}
		}

		color[name] = black
	}

	// Deterministic order keeps error messages stable.
	names := make([]string, 0, len(table))
	for n := range table {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		if color[n] == white {
			visit(n, nil)
		}
	}
	return problems
}
