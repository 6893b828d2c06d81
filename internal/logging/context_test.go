// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestRequestIDRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("expected empty request ID on fresh context, got %q", got)
	}

	id := GenerateRequestID()
	ctx = ContextWithRequestID(ctx, id)
	if got := RequestIDFromContext(ctx); got != id {
		t.Errorf("expected request ID %q, got %q", id, got)
	}
}

func TestTenantIDRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := ContextWithTenantID(context.Background(), "school-42")
	if got := TenantIDFromContext(ctx); got != "school-42" {
		t.Errorf("expected tenant ID 'school-42', got %q", got)
	}
}

func TestCtxAddsFields(t *testing.T) {
	var buf bytes.Buffer

	ctx := context.Background()
	ctx = ContextWithLogger(ctx, zerolog.New(&buf))
	ctx = ContextWithRequestID(ctx, "req-1")
	ctx = ContextWithTenantID(ctx, "school-1")

	Ctx(ctx).Info().Msg("classified")

	output := buf.String()
	if !strings.Contains(output, `"request_id":"req-1"`) {
		t.Errorf("expected request_id field in output: %s", output)
	}
	if !strings.Contains(output, `"tenant_id":"school-1"`) {
		t.Errorf("expected tenant_id field in output: %s", output)
	}
}

func TestLoggerFromContextFallsBack(t *testing.T) {
	t.Parallel()

	// No logger stored: must return the global logger without panicking.
	logger := LoggerFromContext(context.Background())
	logger.Debug().Msg("fallback")
}
