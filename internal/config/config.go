// Package config loads and validates gateway configuration.
//
// DESIGN: One Config struct covering every component, loaded from a YAML
// file with environment-variable overrides for deploy-time secrets
// (database DSN, JWT secret, facilitator URL). Defaults live in defaults.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Retry       RetryConfig       `yaml:"retry"`
	Cache       CacheConfig       `yaml:"cache"`
	Sanitizer   SanitizerConfig   `yaml:"sanitizer"`
	Facilitator FacilitatorConfig `yaml:"facilitator"`
	Auth        AuthConfig        `yaml:"auth"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig selects the catalog/ledger database.
// Driver is "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables the Redis response cache when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig tunes the per-host limiter.
type RateLimitConfig struct {
	Capacity     int           `yaml:"capacity"`
	RefillPerSec float64       `yaml:"refill_per_sec"`
	MinDelay     time.Duration `yaml:"min_delay"`
	MaxHosts     int           `yaml:"max_hosts"`
}

// RetryConfig tunes the upstream retrying fetcher.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
}

// CacheConfig tunes the GET response cache.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// SanitizerConfig extends the built-in header strip rules.
type SanitizerConfig struct {
	// StripPrefixes are header-name prefixes removed before forwarding,
	// in addition to the RFC hop-by-hop set (e.g. "x-forwarded-", "cf-").
	StripPrefixes []string `yaml:"strip_prefixes"`
	// UserAgents overrides the built-in rotating user-agent pool.
	UserAgents []string `yaml:"user_agents"`
	// DefaultOrigin is used for Referer/Origin when the upstream URL
	// cannot be parsed.
	DefaultOrigin string `yaml:"default_origin"`
}

// FacilitatorConfig points at the x402 settlement facilitator.
type FacilitatorConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuthConfig holds identity-resolution settings.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	SessionCookie string `yaml:"session_cookie"`
}

// MonitoringConfig holds telemetry settings.
type MonitoringConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogPath string `yaml:"log_path"`
}

// Load reads the config file at path (optional) and applies defaults and
// environment overrides. A missing file is not an error; the defaults plus
// environment carry a usable configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultServerReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultServerWriteTimeout
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "mcpay.db"
	}
	if c.RateLimit.Capacity == 0 {
		c.RateLimit.Capacity = DefaultBucketCapacity
	}
	if c.RateLimit.RefillPerSec == 0 {
		c.RateLimit.RefillPerSec = DefaultRefillPerSecond
	}
	if c.RateLimit.MinDelay == 0 {
		c.RateLimit.MinDelay = DefaultMinDelay
	}
	if c.RateLimit.MaxHosts == 0 {
		c.RateLimit.MaxHosts = DefaultMaxHosts
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = DefaultMaxRetries
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = DefaultRetryBaseDelay
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Facilitator.URL == "" {
		c.Facilitator.URL = DefaultFacilitatorURL
	}
	if c.Facilitator.Timeout == 0 {
		c.Facilitator.Timeout = DefaultFacilitatorTimeout
	}
	if c.Auth.SessionCookie == "" {
		c.Auth.SessionCookie = DefaultSessionCookie
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MCPAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("FACILITATOR_URL"); v != "" {
		c.Facilitator.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.RateLimit.Capacity < 1 {
		return fmt.Errorf("rate_limit.capacity must be >= 1, got %d", c.RateLimit.Capacity)
	}
	if c.RateLimit.RefillPerSec <= 0 {
		return fmt.Errorf("rate_limit.refill_per_sec must be > 0, got %f", c.RateLimit.RefillPerSec)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	return nil
}
