// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	DBPath         string
	GatewayURL     string // panel-side dial target, ws:// or wss://
	OneShotTimeout time.Duration
	Identity       IdentityConfig
	Docs           DocsConfig
	Provider       ProviderConfig
	Reconnect      ReconnectConfig
	RateLimit      RateLimitConfig
}

// IdentityConfig controls the local collaborator identity check.
type IdentityConfig struct {
	Signature string
	Timeout   time.Duration
}

// DocsConfig controls the dataset documentation search collaborator.
type DocsConfig struct {
	BaseURL  string
	ProxyURL string // one-shot proxy endpoint; empty means direct calls only
}

// ProviderConfig holds upstream provider defaults. API keys set here are
// seeded into the store at startup; the router reads keys back from the
// store at request-build time.
type ProviderConfig struct {
	Default          string
	OpenAIBaseURL    string
	OpenAIModel      string
	OpenAIKey        string
	AnthropicBaseURL string
	AnthropicModel   string
	AnthropicKey     string
}

// ReconnectConfig controls the panel-side connection lifecycle.
type ReconnectConfig struct {
	BaseDelay    time.Duration
	MaxAttempts  int
	PingInterval time.Duration
}

// RateLimitConfig controls per-connection chat throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/gateway.db"),
		GatewayURL:     getEnv("GATEWAY_URL", "ws://localhost:8080/ws"),
		OneShotTimeout: getEnvDuration("ONESHOT_TIMEOUT", 2*time.Second),
		Identity: IdentityConfig{
			Signature: getEnv("IDENTITY_SIGNATURE", "earth-agent-gateway"),
			Timeout:   getEnvDuration("IDENTITY_TIMEOUT", 3*time.Second),
		},
		Docs: DocsConfig{
			BaseURL:  getEnv("DOCS_BASE_URL", "https://context7.com/api/v1"),
			ProxyURL: getEnv("DOCS_PROXY_URL", ""),
		},
		Provider: ProviderConfig{
			Default:          getEnv("DEFAULT_PROVIDER", "openai"),
			OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			OpenAIModel:      getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			OpenAIKey:        getEnv("OPENAI_API_KEY", ""),
			AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			AnthropicModel:   getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-20241022"),
			AnthropicKey:     getEnv("ANTHROPIC_API_KEY", ""),
		},
		Reconnect: ReconnectConfig{
			BaseDelay:    getEnvDuration("RECONNECT_BASE_DELAY", time.Second),
			MaxAttempts:  getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
			PingInterval: getEnvDuration("PING_INTERVAL", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.OneShotTimeout <= 0 {
		return fmt.Errorf("ONESHOT_TIMEOUT must be > 0")
	}
	if c.Identity.Signature == "" {
		return fmt.Errorf("IDENTITY_SIGNATURE cannot be empty")
	}
	if c.Identity.Timeout <= 0 {
		return fmt.Errorf("IDENTITY_TIMEOUT must be > 0")
	}
	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("RECONNECT_BASE_DELAY must be > 0")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	switch c.Provider.Default {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("DEFAULT_PROVIDER must be openai or anthropic")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
