package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// modelsFile mirrors the on-disk YAML layout:
//
//	default_model: gpt-4o
//	global_fallbacks: [claude-sonnet]
//	models:
//	  - name: gpt-4o
//	    provider: openai
//	    upstream_model: gpt-4o
//	    fallbacks: [claude-sonnet]
//	    timeout_seconds: 30
//	    cache_enabled: true
//	    cache_ttl_seconds: 300
//	  - name: local-llama
//	    provider: custom_openai
//	    upstream_model: llama-3.1-8b-instruct
//	    api_base: http://localhost:8000/v1
type modelsFile struct {
	DefaultModel    string      `yaml:"default_model"`
	GlobalFallbacks []string    `yaml:"global_fallbacks"`
	Models          []modelSpec `yaml:"models"`
}

type modelSpec struct {
	Name            string   `yaml:"name"`
	Provider        string   `yaml:"provider"`
	UpstreamModel   string   `yaml:"upstream_model"`
	Fallbacks       []string `yaml:"fallbacks"`
	TimeoutSeconds  int      `yaml:"timeout_seconds"`
	CacheEnabled    bool     `yaml:"cache_enabled"`
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
	APIBase         string   `yaml:"api_base"`
}

const defaultEntryTimeout = 30 * time.Second

// Loader reads the models file into the Registry and optionally watches it
// for changes. A file that fails to parse or validate leaves the previous
// snapshot active.
type Loader struct {
	registry *Registry
	path     string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader for the given models file.
func NewLoader(reg *Registry, path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		registry: reg,
		path:     path,
		logger:   logger,
	}
}

// Load reads, parses and publishes the models file.
func (l *Loader) Load() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("registry: read %s: %w", l.path, err)
	}

	var file modelsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("registry: parse %s: %w", l.path, err)
	}

	entries := make([]Entry, 0, len(file.Models))
	for _, m := range file.Models {
		e := Entry{
			Name:          m.Name,
			Provider:      m.Provider,
			UpstreamModel: m.UpstreamModel,
			Fallbacks:     m.Fallbacks,
			Timeout:       defaultEntryTimeout,
			CacheEnabled:  m.CacheEnabled,
			APIBase:       m.APIBase,
		}
		if m.TimeoutSeconds > 0 {
			e.Timeout = time.Duration(m.TimeoutSeconds) * time.Second
		}
		if m.CacheTTLSeconds > 0 {
			e.CacheTTL = time.Duration(m.CacheTTLSeconds) * time.Second
		}
		// Entries without an explicit chain inherit the global fallbacks,
		// minus themselves.
		if len(e.Fallbacks) == 0 && len(file.GlobalFallbacks) > 0 {
			for _, fb := range file.GlobalFallbacks {
				if fb != e.Name {
					e.Fallbacks = append(e.Fallbacks, fb)
				}
			}
		}
		entries = append(entries, e)
	}

	if err := l.registry.Reload(entries, file.DefaultModel); err != nil {
		return err
	}

	l.logger.Info("model registry loaded",
		"path", l.path,
		"models", len(entries),
		"default_model", file.DefaultModel,
	)
	return nil
}

// Watch starts watching the models file for changes. Rapid edits are
// debounced; a reload that fails keeps the current snapshot.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: watch: %w", err)
	}
	l.watcher = watcher

	if err := watcher.Add(l.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("registry: watch %s: %w", l.path, err)
	}

	go l.watchLoop(ctx)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context) {
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := l.Load(); err != nil {
						l.logger.Error("model registry reload failed, keeping current snapshot",
							"error", err,
						)
					}
				})
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("model registry watcher error", "error", err)
		}
	}
}

// Close stops the file watcher.
func (l *Loader) Close() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
