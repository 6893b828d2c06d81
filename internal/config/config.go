// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

// Package config defines the service configuration and its layered loading:
// built-in defaults, an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the service.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	NATS     NATSConfig     `koanf:"nats"`
	Ingest   IngestConfig   `koanf:"ingest"`
	Tracker  TrackerConfig  `koanf:"tracker"`
	API      APIConfig      `koanf:"api"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
	// Environment is "development" or "production"; production tightens
	// validation of security settings.
	Environment string `koanf:"environment"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	// Threads: 0 means use runtime.NumCPU().
	Threads                int  `koanf:"threads"`
	PreserveInsertionOrder bool `koanf:"preserve_insertion_order"`
}

// NATSConfig holds event-bus transport settings. When Enabled is false the
// service uses an in-process pub/sub and needs no external broker.
type NATSConfig struct {
	Enabled        bool   `koanf:"enabled"`
	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory"`
	MaxStore       int64  `koanf:"max_store"`
}

// IngestConfig tunes the location trace ingest pipeline.
type IngestConfig struct {
	// MaxAccuracyMeters is the ceiling on reported sample accuracy; less
	// precise samples are rejected.
	MaxAccuracyMeters float64 `koanf:"max_accuracy_meters"`
	// ClockSkewTolerance bounds how far in the future a capture timestamp
	// may be before the sample is rejected.
	ClockSkewTolerance time.Duration `koanf:"clock_skew_tolerance"`
	// PipelineTimeout bounds classification plus event emission for one
	// sample; the stored trace is kept even when the deadline passes.
	PipelineTimeout time.Duration `koanf:"pipeline_timeout"`
	RetryAttempts   int           `koanf:"retry_attempts"`
	RetryDelay      time.Duration `koanf:"retry_delay"`
	// RatePerStudent caps samples per second accepted per student;
	// 0 disables throttling.
	RatePerStudent float64 `koanf:"rate_per_student"`
	RateBurst      int     `koanf:"rate_burst"`
}

// TrackerConfig tunes the membership state tracker.
type TrackerConfig struct {
	// ConfirmSamples is the number of consecutive confirming samples
	// needed to commit a membership transition when the sample alone is
	// not decisive.
	ConfirmSamples int `koanf:"confirm_samples"`
	// LockShards sizes the per-student lock table.
	LockShards int `koanf:"lock_shards"`
}

// APIConfig holds pagination limits for list endpoints.
type APIConfig struct {
	DefaultPageSize int `koanf:"default_page_size"`
	MaxPageSize     int `koanf:"max_page_size"`
}

// SecurityConfig holds authentication and rate limiting settings.
type SecurityConfig struct {
	// AuthMode is one of: jwt, basic, none.
	AuthMode      string        `koanf:"auth_mode"`
	JWTSecret     string        `koanf:"jwt_secret"`
	TokenTTL      time.Duration `koanf:"token_ttl"`
	AdminUsername string        `koanf:"admin_username"`
	AdminPassword string        `koanf:"admin_password"`

	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`

	CORSOrigins []string `koanf:"cors_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, applied before file and
// environment overrides.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        4326,
			Timeout:     30 * time.Second,
			Environment: "development",
		},
		Database: DatabaseConfig{
			Path:                   "/data/praesentia.duckdb",
			MaxMemory:              "1GB",
			Threads:                0,
			PreserveInsertionOrder: true,
		},
		NATS: NATSConfig{
			Enabled:        false,
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/nats/jetstream",
			MaxMemory:      1 << 30,
			MaxStore:       10 << 30,
		},
		Ingest: IngestConfig{
			MaxAccuracyMeters:  100,
			ClockSkewTolerance: 30 * time.Second,
			PipelineTimeout:    2 * time.Second,
			RetryAttempts:      5,
			RetryDelay:         100 * time.Millisecond,
			RatePerStudent:     1,
			RateBurst:          5,
		},
		Tracker: TrackerConfig{
			ConfirmSamples: 2,
			LockShards:     64,
		},
		API: APIConfig{
			DefaultPageSize: 50,
			MaxPageSize:     500,
		},
		Security: SecurityConfig{
			AuthMode:        "jwt",
			JWTSecret:       "",
			TokenTTL:        24 * time.Hour,
			RateLimitReqs:   300,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Ingest.MaxAccuracyMeters <= 0 {
		return fmt.Errorf("ingest.max_accuracy_meters must be positive, got %g", c.Ingest.MaxAccuracyMeters)
	}
	if c.Ingest.ClockSkewTolerance < 0 {
		return fmt.Errorf("ingest.clock_skew_tolerance must not be negative")
	}
	if c.Ingest.PipelineTimeout <= 0 {
		return fmt.Errorf("ingest.pipeline_timeout must be positive")
	}
	if c.Tracker.ConfirmSamples < 1 {
		return fmt.Errorf("tracker.confirm_samples must be at least 1, got %d", c.Tracker.ConfirmSamples)
	}
	if c.Tracker.LockShards < 1 {
		return fmt.Errorf("tracker.lock_shards must be at least 1, got %d", c.Tracker.LockShards)
	}
	if c.API.DefaultPageSize < 1 || c.API.MaxPageSize < c.API.DefaultPageSize {
		return fmt.Errorf("api page sizes invalid: default=%d max=%d", c.API.DefaultPageSize, c.API.MaxPageSize)
	}
	if c.NATS.Enabled && !c.NATS.EmbeddedServer && c.NATS.URL == "" {
		return fmt.Errorf("nats.url required when nats is enabled without an embedded server")
	}

	switch strings.ToLower(c.Security.AuthMode) {
	case "jwt":
		if c.Security.JWTSecret == "" {
			return fmt.Errorf("security.jwt_secret required for auth_mode=jwt")
		}
		if c.IsProduction() && len(c.Security.JWTSecret) < 32 {
			return fmt.Errorf("security.jwt_secret must be at least 32 bytes in production")
		}
	case "basic":
		if c.Security.AdminUsername == "" || c.Security.AdminPassword == "" {
			return fmt.Errorf("security.admin_username and admin_password required for auth_mode=basic")
		}
	case "none":
		if c.IsProduction() {
			return fmt.Errorf("auth_mode=none is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown security.auth_mode %q (expected jwt, basic, or none)", c.Security.AuthMode)
	}

	return nil
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
