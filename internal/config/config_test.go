// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Security.AuthMode = "none"
	return cfg
}

func TestDefaultConfigValidatesWithAuthNone(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config with auth_mode=none should validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "empty database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "zero accuracy ceiling",
			mutate:  func(c *Config) { c.Ingest.MaxAccuracyMeters = 0 },
			wantErr: "max_accuracy_meters",
		},
		{
			name:    "zero pipeline timeout",
			mutate:  func(c *Config) { c.Ingest.PipelineTimeout = 0 },
			wantErr: "pipeline_timeout",
		},
		{
			name:    "zero confirm samples",
			mutate:  func(c *Config) { c.Tracker.ConfirmSamples = 0 },
			wantErr: "confirm_samples",
		},
		{
			name: "jwt without secret",
			mutate: func(c *Config) {
				c.Security.AuthMode = "jwt"
				c.Security.JWTSecret = ""
			},
			wantErr: "jwt_secret",
		},
		{
			name: "short jwt secret in production",
			mutate: func(c *Config) {
				c.Server.Environment = "production"
				c.Security.AuthMode = "jwt"
				c.Security.JWTSecret = "short"
			},
			wantErr: "32 bytes",
		},
		{
			name: "basic without credentials",
			mutate: func(c *Config) {
				c.Security.AuthMode = "basic"
			},
			wantErr: "admin_username",
		},
		{
			name: "auth none in production",
			mutate: func(c *Config) {
				c.Server.Environment = "production"
				c.Security.AuthMode = "none"
			},
			wantErr: "not allowed in production",
		},
		{
			name:    "unknown auth mode",
			mutate:  func(c *Config) { c.Security.AuthMode = "oauth" },
			wantErr: "auth_mode",
		},
		{
			name: "nats enabled without url or embedded server",
			mutate: func(c *Config) {
				c.NATS.Enabled = true
				c.NATS.EmbeddedServer = false
				c.NATS.URL = ""
			},
			wantErr: "nats.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "8088")
	t.Setenv("AUTH_MODE", "none")
	t.Setenv("INGEST_MAX_ACCURACY_METERS", "50")
	t.Setenv("TRACKER_CONFIRM_SAMPLES", "3")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv(ConfigPathEnvVar, "/nonexistent/config.yaml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8088 {
		t.Errorf("expected port 8088, got %d", cfg.Server.Port)
	}
	if cfg.Ingest.MaxAccuracyMeters != 50 {
		t.Errorf("expected accuracy ceiling 50, got %g", cfg.Ingest.MaxAccuracyMeters)
	}
	if cfg.Tracker.ConfirmSamples != 3 {
		t.Errorf("expected confirm samples 3, got %d", cfg.Tracker.ConfirmSamples)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.Security.CORSOrigins) != len(want) {
		t.Fatalf("expected %d cors origins, got %v", len(want), cfg.Security.CORSOrigins)
	}
	for i, origin := range want {
		if cfg.Security.CORSOrigins[i] != origin {
			t.Errorf("cors origin %d: expected %q, got %q", i, origin, cfg.Security.CORSOrigins[i])
		}
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	path := t.TempDir() + "/config.yaml"
	yaml := `
server:
  port: 9999
security:
  auth_mode: none
ingest:
  clock_skew_tolerance: 45s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999 from file, got %d", cfg.Server.Port)
	}
	if cfg.Ingest.ClockSkewTolerance != 45*time.Second {
		t.Errorf("expected 45s skew tolerance, got %v", cfg.Ingest.ClockSkewTolerance)
	}
}

func TestEnvTransformIgnoresUnknownKeys(t *testing.T) {
	t.Parallel()

	if got := envTransformFunc("PATH"); got != "" {
		t.Errorf("expected unknown env var to map to empty path, got %q", got)
	}
	if got := envTransformFunc("HTTP_PORT"); got != "server.port" {
		t.Errorf("expected HTTP_PORT to map to server.port, got %q", got)
	}
}

func TestAddr(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 4326
	if got := cfg.Addr(); got != "127.0.0.1:4326" {
		t.Errorf("expected 127.0.0.1:4326, got %s", got)
	}
}
