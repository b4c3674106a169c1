package ratelimit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EndpointConfig is the limit applied to requests matching Method and Path.
// A Path ending in "/" matches by prefix. Requests sharing a config share a
// bucket per client.
type EndpointConfig struct {
	Name   string
	Path   string
	Method string
	Limit  int           // Maximum requests per window; 0 means unlimited
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool          `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	DefaultLimit    int           `envconfig:"RATE_LIMIT_DEFAULT_LIMIT" default:"600"`
	DefaultWindow   time.Duration `envconfig:"RATE_LIMIT_DEFAULT_WINDOW" default:"1m"`
	AnalyzeLimit    int           `envconfig:"RATE_LIMIT_ANALYZE_LIMIT" default:"10"`
	AnalyzeWindow   time.Duration `envconfig:"RATE_LIMIT_ANALYZE_WINDOW" default:"1h"`
	AnalyzeBurst    int           `envconfig:"RATE_LIMIT_ANALYZE_BURST" default:"3"`
	CleanupInterval time.Duration `envconfig:"RATE_LIMIT_CLEANUP_INTERVAL" default:"5m"`
	Whitelist       []string      `envconfig:"RATE_LIMIT_WHITELIST"`
	Blacklist       []string      `envconfig:"RATE_LIMIT_BLACKLIST"`

	EndpointConfigs []EndpointConfig `ignored:"true"`
}

// LoadConfig reads the RATE_LIMIT_* environment variables.
func LoadConfig() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process rate limit environment: %w", err)
	}
	cfg.EndpointConfigs = cfg.endpoints()
	return cfg, nil
}

// endpoints returns the per-route tiers.
func (c *Config) endpoints() []EndpointConfig {
	return []EndpointConfig{
		// Unlimited: probes and scrapes.
		{Name: "health", Path: "/", Method: http.MethodGet},
		{Name: "health", Path: "/health", Method: http.MethodGet},
		{Name: "metrics", Path: "/metrics", Method: http.MethodGet},

		// Strict: each submission costs a full LLM pipeline.
		{Name: "analyze", Path: "/analyze", Method: http.MethodPost, Limit: c.AnalyzeLimit, Window: c.AnalyzeWindow, Burst: c.AnalyzeBurst},

		// Writes
		{Name: "users", Path: "/users", Method: http.MethodPost, Limit: 20, Window: time.Hour, Burst: 5},
		{Name: "delete", Path: "/jobs/", Method: http.MethodDelete, Limit: 100, Window: time.Minute, Burst: 10},
	}
}

// toSet turns an address list into a lookup set.
func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, ip := range list {
		if ip != "" {
			set[ip] = true
		}
	}
	return set
}
