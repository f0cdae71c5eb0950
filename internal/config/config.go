// Package config loads the YAML configuration shared by the offsync CLI
// commands, with environment overrides for secrets.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mobiletoly/go-offsync/offsync"
	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML configuration file
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Remote    RemoteConfig    `yaml:"remote"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Retry     RetryConfig     `yaml:"retry"`
	Cache     CacheConfig     `yaml:"cache"`
	Server    ServerConfig    `yaml:"server"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DatabaseConfig locates the local SQLite database
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig describes how the client reaches the REST server. When Token
// is empty and the server JWT secret is known, a token for User/Tenant is
// minted locally.
type RemoteConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	User    string `yaml:"user"`
	Tenant  string `yaml:"tenant"`
}

// HeartbeatConfig configures the connectivity probe
type HeartbeatConfig struct {
	URL         string        `yaml:"url"` // Defaults to {base_url}/health
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	SlowLatency time.Duration `yaml:"slow_latency"`
}

// RetryConfig mirrors offsync.RetryPolicy
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffMin  time.Duration `yaml:"backoff_min"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// CacheConfig bounds the local structured cache
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// ServerConfig configures `offsync serve`
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	DatabaseURL    string   `yaml:"database_url"`
	JWTSecret      string   `yaml:"jwt_secret"`
	Schema         string   `yaml:"schema"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	DummySignin    bool     `yaml:"dummy_signin"`
	LogRequests    bool     `yaml:"log_requests"`
}

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() *Config {
	retry := offsync.DefaultRetryPolicy()
	return &Config{
		Log:      LogConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Path: "offsync.db"},
		Remote:   RemoteConfig{BaseURL: "http://localhost:8080"},
		Heartbeat: HeartbeatConfig{
			Interval:    30 * time.Second,
			Timeout:     5 * time.Second,
			SlowLatency: 2 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: retry.MaxAttempts,
			BackoffMin:  retry.BackoffMin,
			BackoffMax:  retry.BackoffMax,
			CallTimeout: retry.CallTimeout,
		},
		Cache: CacheConfig{MaxEntries: 5000},
		Server: ServerConfig{
			Addr:   ":8080",
			Schema: "offsync",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Server.DatabaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("OFFSYNC_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("OFFSYNC_REMOTE_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv("OFFSYNC_TOKEN"); v != "" {
		c.Remote.Token = v
	}
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must be >= 0")
	}
	return nil
}

// SlogLevel parses the configured level
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	return level, nil
}

// RetryPolicy converts the retry section
func (c *Config) RetryPolicy() offsync.RetryPolicy {
	return offsync.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BackoffMin:  c.Retry.BackoffMin,
		BackoffMax:  c.Retry.BackoffMax,
		CallTimeout: c.Retry.CallTimeout,
	}
}

// HeartbeatURL returns the probe URL, derived from the remote base URL when unset
func (c *Config) HeartbeatURL() string {
	if c.Heartbeat.URL != "" {
		return c.Heartbeat.URL
	}
	if c.Remote.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.Remote.BaseURL, "/") + "/health"
}
