// Package config loads and validates runtime configuration for the routing
// server.
//
// Configuration comes from environment variables (preferred in containers)
// or from a config.yaml in the working directory; env vars win. A .env file
// in the working directory is loaded first when present.
//
// The model table itself lives in a separate YAML file (MODELS_CONFIG) owned
// by internal/registry — this package only carries its path.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level: debug, info, warn, error.
	LogLevel string

	// APIKeys are the bearer keys accepted on inbound requests. Empty list
	// disables inbound auth (development mode).
	APIKeys []string

	// Provider API keys. A provider with an empty key is not registered.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// CustomAPIKey is sent to custom_openai backends. Self-hosted servers
	// usually accept any value.
	CustomAPIKey string

	// Models points at the model registry YAML file. Default: models.yaml.
	Models ModelsConfig

	// Redis holds the connection URL for the Redis cache and the sliding
	// rate limiter. Required when either selects the redis backend.
	Redis RedisConfig

	Cache          CacheConfig
	RateLimit      RateLimitConfig
	CircuitBreaker CircuitBreakerConfig
	Usage          UsageConfig

	// RetryUpstreamRateLimit treats an upstream 429 as retriable so the
	// dispatcher moves to the next fallback. Default: true.
	RetryUpstreamRateLimit bool

	// CORSOrigins is the list of allowed CORS origins. Default: ["*"].
	CORSOrigins []string
}

// ProviderConfig holds one provider's credentials.
type ProviderConfig struct {
	// APIKey is the provider API key. Empty disables the provider.
	APIKey string

	// BaseURL overrides the provider's default endpoint. Useful for mocks.
	BaseURL string
}

// ModelsConfig locates the model registry file.
type ModelsConfig struct {
	// Path to the models YAML file.
	Path string

	// Watch enables fsnotify hot reload of the file.
	Watch bool
}

// RedisConfig holds the Redis connection URL (redis:// or rediss://).
type RedisConfig struct {
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the backend: "memory", "redis" or "none".
	Mode string

	// TTL is the default time-to-live for cached responses. Per-model TTLs
	// in the registry override it.
	TTL time.Duration

	// MaxEntries bounds the in-process cache (LRU eviction past the bound).
	MaxEntries int

	// ExcludeExact and ExcludePatterns name models that must never be
	// cached — exact strings and Go regular expressions respectively.
	ExcludeExact    []string
	ExcludePatterns []string
}

// RateLimitConfig controls per-credential admission.
type RateLimitConfig struct {
	// Mode selects the limiter: "memory" (fixed window, per process),
	// "redis" (sliding window, shared across replicas) or "none".
	Mode string

	// Limit is the number of requests admitted per Window per credential.
	Limit int

	// Window is the admission window length. Default: 1m.
	Window time.Duration
}

// CircuitBreakerConfig tunes the per-provider breakers.
type CircuitBreakerConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

// UsageConfig controls the SQLite usage tracker.
type UsageConfig struct {
	// Enabled turns request accounting on. Default: true.
	Enabled bool

	// DatabasePath is the SQLite file. Default: data/usage.db.
	DatabasePath string
}

// Load reads configuration from the environment and optional config.yaml.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("MODELS_CONFIG", "models.yaml")
	v.SetDefault("MODELS_WATCH", true)

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_MAX_ENTRIES", 10_000)

	v.SetDefault("RATE_LIMIT_MODE", "memory")
	v.SetDefault("RATE_LIMIT_RPM", 0) // 0 disables limiting
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("RETRY_UPSTREAM_RATE_LIMIT", true)

	v.SetDefault("USAGE_TRACKING", true)
	v.SetDefault("USAGE_DB_PATH", "data/usage.db")

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		APIKeys: splitNonEmpty(v.GetString("GATEWAY_API_KEYS")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		CustomAPIKey: v.GetString("CUSTOM_OPENAI_API_KEY"),

		Models: ModelsConfig{
			Path:  v.GetString("MODELS_CONFIG"),
			Watch: v.GetBool("MODELS_WATCH"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			MaxEntries:      v.GetInt("CACHE_MAX_ENTRIES"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		RateLimit: RateLimitConfig{
			Mode:   strings.ToLower(v.GetString("RATE_LIMIT_MODE")),
			Limit:  v.GetInt("RATE_LIMIT_RPM"),
			Window: v.GetDuration("RATE_LIMIT_WINDOW"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		Usage: UsageConfig{
			Enabled:      v.GetBool("USAGE_TRACKING"),
			DatabasePath: v.GetString("USAGE_DB_PATH"),
		},

		RetryUpstreamRateLimit: v.GetBool("RETRY_UPSTREAM_RATE_LIMIT"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY or CUSTOM_OPENAI_API_KEY)",
		)
	}

	if c.Models.Path == "" {
		return fmt.Errorf("config: MODELS_CONFIG must not be empty")
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when CACHE_MODE=redis")
	}

	switch c.RateLimit.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid RATE_LIMIT_MODE %q; must be one of: redis, memory, none", c.RateLimit.Mode)
	}
	if c.RateLimit.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RATE_LIMIT_MODE=redis")
	}
	if c.RateLimit.Limit > 0 && c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW must be a positive duration")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be >= 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	return nil
}

// AtLeastOneProviderKey reports whether any upstream is usable.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.CustomAPIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
