// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package database

import (
	"context"
	"fmt"

	"github.com/praesentia/praesentia/internal/models"
)

// AppendEvent stores one attendance event. The event log is append-only;
// there is no update or delete path.
func (db *DB) AppendEvent(ctx context.Context, event *models.AttendanceEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	stmt, err := db.prepared(ctx, `
		INSERT INTO attendance_events
			(id, tenant_id, student_id, geofence_id, event_type, occurred_at, trace_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}

	_, err = stmt.ExecContext(ctx,
		event.ID, event.TenantID, event.StudentID, event.GeofenceID,
		string(event.Type), event.OccurredAt, event.TraceID, event.RecordedAt)
	if err != nil {
		return fmt.Errorf("%w: appending event: %v", models.ErrPersistenceFailure, err)
	}
	return nil
}

// ListEvents returns a tenant's attendance events matching the filter,
// ordered by occurrence time ascending.
func (db *DB) ListEvents(ctx context.Context, tenantID string, filter models.EventFilter) ([]*models.AttendanceEvent, error) {
	query := `
		SELECT id, tenant_id, student_id, geofence_id, event_type, occurred_at, trace_id, recorded_at
		FROM attendance_events
		WHERE tenant_id = ?`
	args := []any{tenantID}

	if filter.StudentID != "" {
		query += ` AND student_id = ?`
		args = append(args, filter.StudentID)
	}
	if filter.GeofenceID != "" {
		query += ` AND geofence_id = ?`
		args = append(args, filter.GeofenceID)
	}
	if !filter.From.IsZero() {
		query += ` AND occurred_at >= ?`
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		query += ` AND occurred_at <= ?`
		args = append(args, filter.To)
	}
	query += ` ORDER BY occurred_at LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing events: %v", models.ErrPersistenceFailure, err)
	}
	defer rows.Close()

	var events []*models.AttendanceEvent
	for rows.Next() {
		var e models.AttendanceEvent
		var eventType string
		err := rows.Scan(&e.ID, &e.TenantID, &e.StudentID, &e.GeofenceID,
			&eventType, &e.OccurredAt, &e.TraceID, &e.RecordedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning event: %v", models.ErrPersistenceFailure, err)
		}
		e.Type = models.EventType(eventType)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating events: %v", models.ErrPersistenceFailure, err)
	}
	return events, nil
}
