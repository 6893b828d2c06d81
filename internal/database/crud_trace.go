// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/praesentia/praesentia/internal/models"
)

// InsertTrace appends a location trace. Returns false without error when the
// (tenant, student, captured_at) key already exists; the unique constraint
// with ON CONFLICT DO NOTHING makes resubmission idempotent.
func (db *DB) InsertTrace(ctx context.Context, trace *models.LocationTrace) (bool, error) {
	stmt, err := db.prepared(ctx, `
		INSERT INTO location_traces
			(id, tenant_id, student_id, lat, lon, accuracy_m, captured_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, student_id, captured_at) DO NOTHING`)
	if err != nil {
		return false, err
	}

	res, err := stmt.ExecContext(ctx,
		trace.ID, trace.TenantID, trace.StudentID,
		trace.Lat, trace.Lon, trace.AccuracyM,
		trace.CapturedAt, trace.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("%w: inserting trace: %v", models.ErrPersistenceFailure, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: inserting trace: %v", models.ErrPersistenceFailure, err)
	}
	return n > 0, nil
}

// LastCapturedAt returns the newest stored capture time for a student, or
// the zero time when the student has no traces yet.
func (db *DB) LastCapturedAt(ctx context.Context, tenantID, studentID string) (time.Time, error) {
	stmt, err := db.prepared(ctx, `
		SELECT max(captured_at) FROM location_traces
		WHERE tenant_id = ? AND student_id = ?`)
	if err != nil {
		return time.Time{}, err
	}

	var last sql.NullTime
	err = stmt.QueryRowContext(ctx, tenantID, studentID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: querying last capture time: %v", models.ErrPersistenceFailure, err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time, nil
}

// ListTraces returns a student's traces in a capture-time window, newest
// first. Raw traces are the reconciliation source when downstream delivery
// loses events.
func (db *DB) ListTraces(ctx context.Context, tenantID, studentID string, from, to time.Time, limit, offset int) ([]*models.LocationTrace, error) {
	query := `
		SELECT id, tenant_id, student_id, lat, lon, accuracy_m, captured_at, received_at
		FROM location_traces
		WHERE tenant_id = ? AND student_id = ?`
	args := []any{tenantID, studentID}

	if !from.IsZero() {
		query += ` AND captured_at >= ?`
		args = append(args, from)
	}
	if !to.IsZero() {
		query += ` AND captured_at <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY captured_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing traces: %v", models.ErrPersistenceFailure, err)
	}
	defer rows.Close()

	var traces []*models.LocationTrace
	for rows.Next() {
		var t models.LocationTrace
		err := rows.Scan(&t.ID, &t.TenantID, &t.StudentID, &t.Lat, &t.Lon,
			&t.AccuracyM, &t.CapturedAt, &t.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning trace: %v", models.ErrPersistenceFailure, err)
		}
		traces = append(traces, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating traces: %v", models.ErrPersistenceFailure, err)
	}
	return traces, nil
}
