// Package config loads client configuration from the environment and from
// named YAML profiles.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nooterra/nooterra/pkg/artifacts"
	"github.com/nooterra/nooterra/pkg/parity"
)

// Config holds client configuration.
type Config struct {
	BaseURL            string
	TenantID           string
	Protocol           string
	ProtocolConstraint string
	APIKey             string
	XAPIKey            string
	OpsToken           string
	Timeout            time.Duration
	MaxAttempts        int
	RateLimitRPS       float64
	LogLevel           string

	Retry      RetryProfile
	Artifacts  artifacts.StoreConfig
	ChainStore ChainStoreConfig
}

// ChainStoreConfig selects where run chain heads are tracked. Driver is
// "memory" (default), "sqlite", "postgres" or "redis"; DSN is the database
// DSN or the Redis address.
type ChainStoreConfig struct {
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`
}

func defaults() *Config {
	return &Config{
		BaseURL:     "http://127.0.0.1:3000",
		TenantID:    "tenant_default",
		Protocol:    "1.0",
		Timeout:     30 * time.Second,
		MaxAttempts: parity.DefaultMaxAttempts,
		LogLevel:    "INFO",
		ChainStore:  ChainStoreConfig{Driver: "memory"},
	}
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := defaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithProfile applies profile_<name>.yaml from dir over the defaults,
// then the environment over the profile.
func LoadWithProfile(dir, name string) (*Config, error) {
	p, err := LoadProfile(dir, name)
	if err != nil {
		return nil, err
	}
	cfg := defaults()
	cfg.applyProfile(p)
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.BaseURL, "NOOTERRA_BASE_URL")
	setString(&c.TenantID, "NOOTERRA_TENANT_ID")
	setString(&c.Protocol, "NOOTERRA_PROTOCOL")
	setString(&c.ProtocolConstraint, "NOOTERRA_PROTOCOL_CONSTRAINT")
	setString(&c.APIKey, "NOOTERRA_API_KEY")
	setString(&c.XAPIKey, "NOOTERRA_X_API_KEY")
	setString(&c.OpsToken, "NOOTERRA_OPS_TOKEN")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.ChainStore.Driver, "NOOTERRA_CHAIN_STORE")
	setString(&c.ChainStore.DSN, "NOOTERRA_CHAIN_STORE_DSN")

	if v := os.Getenv("NOOTERRA_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("config: NOOTERRA_TIMEOUT must be a positive duration, got %q", v)
		}
		c.Timeout = d
	}
	if v := os.Getenv("NOOTERRA_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("config: NOOTERRA_MAX_ATTEMPTS must be a positive integer, got %q", v)
		}
		c.MaxAttempts = n
	}
	if v := os.Getenv("NOOTERRA_RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return fmt.Errorf("config: NOOTERRA_RATE_LIMIT_RPS must be a non-negative number, got %q", v)
		}
		c.RateLimitRPS = f
	}
	if os.Getenv("ARTIFACT_STORAGE_TYPE") != "" {
		c.Artifacts = artifacts.StoreConfigFromEnv()
	}
	return nil
}

func (c *Config) applyProfile(p *Profile) {
	setFrom(&c.BaseURL, p.BaseURL)
	setFrom(&c.TenantID, p.TenantID)
	setFrom(&c.Protocol, p.Protocol)
	setFrom(&c.ProtocolConstraint, p.ProtocolConstraint)
	setFrom(&c.LogLevel, p.LogLevel)
	if p.Timeout > 0 {
		c.Timeout = p.Timeout
	}
	if p.MaxAttempts > 0 {
		c.MaxAttempts = p.MaxAttempts
	}
	if p.RateLimitRPS > 0 {
		c.RateLimitRPS = p.RateLimitRPS
	}
	c.Retry = p.Retry
	c.Artifacts = p.Artifacts
	if p.ChainStore.Driver != "" {
		c.ChainStore = p.ChainStore
	}
}

// SlogLevel maps LogLevel to a slog level. Unknown names mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(strings.TrimSpace(c.LogLevel)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParityConfig returns the retry settings for a parity adapter. Logger,
// Tracker and Sleep are left for the caller.
func (c *Config) ParityConfig() parity.Config {
	return parity.Config{
		MaxAttempts: c.MaxAttempts,
		Policy:      c.Retry.Policy(),
		Delay:       c.Retry.Delay(),
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setFrom(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
