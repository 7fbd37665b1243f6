// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/briangreenhill/corpsite/internal/listing"
)

// Config holds all application configuration
type Config struct {
	Port    string `env:"PORT" envDefault:"8080"`
	BaseURL string `env:"SITE_BASE_URL" envDefault:"http://localhost:8080"`

	// ContentAPIURL is the remote content API origin. Empty means the site
	// serves /api/posts itself from its own posts store.
	ContentAPIURL string `env:"CONTENT_API_URL"`
	// SameOriginAPI rewrites listing requests to the site origin and proxies
	// /api to ContentAPIURL.
	SameOriginAPI bool `env:"SAME_ORIGIN_API" envDefault:"false"`
	Debug         bool `env:"DEBUG" envDefault:"false"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`

	CacheDir  string `env:"CACHE_DIR" envDefault:".corpsite_cache"`
	CacheName string `env:"SW_CACHE_NAME" envDefault:"news-cache-v1"`

	PrefetchFallbackDelay time.Duration `env:"PREFETCH_FALLBACK_DELAY" envDefault:"2s"`
	PrefetchIdleTimeout   time.Duration `env:"PREFETCH_IDLE_TIMEOUT" envDefault:"3s"`

	AdminPasswordHash string        `env:"ADMIN_PASSWORD_HASH"`
	SessionLifetime   time.Duration `env:"SESSION_LIFETIME" envDefault:"12h"`
	CookieSecure      bool          `env:"COOKIE_SECURE" envDefault:"false"`
}

// Load reads configuration from environment variables
func Load() (Config, error) {
	return load(env.Options{})
}

// load parses with opts; tests pass an explicit Environment map
func load(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks URLs and durations
func (c Config) Validate() error {
	if _, err := parseAbs(c.BaseURL); err != nil {
		return fmt.Errorf("invalid SITE_BASE_URL: %w", err)
	}
	if c.ContentAPIURL != "" {
		if _, err := parseAbs(c.ContentAPIURL); err != nil {
			return fmt.Errorf("invalid CONTENT_API_URL: %w", err)
		}
	}
	if c.CacheName == "" {
		return fmt.Errorf("SW_CACHE_NAME must not be empty")
	}
	if c.PrefetchFallbackDelay < 0 || c.PrefetchIdleTimeout < 0 {
		return fmt.Errorf("prefetch delays must not be negative")
	}
	return nil
}

// LocalContent reports whether the site is its own content API
func (c Config) LocalContent() bool {
	return c.ContentAPIURL == ""
}

// ListingBaseURL is the origin listing requests go to
func (c Config) ListingBaseURL() string {
	return listing.ResolveBase(c.SameOriginAPI, c.BaseURL, c.ContentAPIURL)
}

// ListingCacheDir holds the local freshness cache files
func (c Config) ListingCacheDir() string {
	return filepath.Join(c.CacheDir, "listings")
}

// ResponseCachePath is the SQLite file backing the worker's response cache
func (c Config) ResponseCachePath() string {
	return filepath.Join(c.CacheDir, "responses.db")
}

func parseAbs(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute URL", raw)
	}
	return u, nil
}
