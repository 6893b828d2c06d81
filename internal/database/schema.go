// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package database

import (
	"context"
	"fmt"
	"time"
)

func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// createTables creates the core tables. Every table is keyed by tenant_id
// first; tenant isolation starts at the storage layout.
func (db *DB) createTables() error {
	ctx, cancel := schemaContext()
	defer cancel()

	queries := []string{
		`CREATE TABLE IF NOT EXISTS geofences (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			shape TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		// location_traces is append-only. The unique constraint is the
		// durable backstop against duplicate submissions: inserts of an
		// already-seen (tenant, student, captured_at) fall through
		// ON CONFLICT DO NOTHING.
		`CREATE TABLE IF NOT EXISTS location_traces (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			student_id TEXT NOT NULL,
			lat DOUBLE NOT NULL,
			lon DOUBLE NOT NULL,
			accuracy_m DOUBLE NOT NULL,
			captured_at TIMESTAMP NOT NULL,
			received_at TIMESTAMP NOT NULL,
			UNIQUE (tenant_id, student_id, captured_at)
		)`,

		// attendance_events is append-only; rows are never updated or
		// deleted.
		`CREATE TABLE IF NOT EXISTS attendance_events (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			student_id TEXT NOT NULL,
			geofence_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			trace_id TEXT NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)`,

		// membership_states holds one row per (student, geofence) pair
		// that has ever been inside; absent rows mean outside.
		`CREATE TABLE IF NOT EXISTS membership_states (
			tenant_id TEXT NOT NULL,
			student_id TEXT NOT NULL,
			geofence_id TEXT NOT NULL,
			inside BOOLEAN NOT NULL,
			since TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (tenant_id, student_id, geofence_id)
		)`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (db *DB) createIndexes() error {
	ctx, cancel := schemaContext()
	defer cancel()

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_geofences_tenant ON geofences (tenant_id, active)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_student ON location_traces (tenant_id, student_id, captured_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_tenant_time ON attendance_events (tenant_id, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_student ON attendance_events (tenant_id, student_id, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_geofence ON attendance_events (tenant_id, geofence_id, occurred_at)`,
	}

	for _, query := range indexes {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
