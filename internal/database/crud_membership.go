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

// UpsertMembership writes the committed inside/outside state of one
// (student, geofence) pair.
func (db *DB) UpsertMembership(ctx context.Context, state *models.MembershipState) error {
	stmt, err := db.prepared(ctx, `
		INSERT INTO membership_states
			(tenant_id, student_id, geofence_id, inside, since, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, student_id, geofence_id)
		DO UPDATE SET inside = excluded.inside, since = excluded.since, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}

	_, err = stmt.ExecContext(ctx,
		state.TenantID, state.StudentID, state.GeofenceID,
		state.Inside, state.Since, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: upserting membership: %v", models.ErrPersistenceFailure, err)
	}
	return nil
}

// ListMemberships returns a student's committed membership rows. Pairs with
// no row are outside.
func (db *DB) ListMemberships(ctx context.Context, tenantID, studentID string) ([]*models.MembershipState, error) {
	stmt, err := db.prepared(ctx, `
		SELECT tenant_id, student_id, geofence_id, inside, since, updated_at
		FROM membership_states
		WHERE tenant_id = ? AND student_id = ?`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, tenantID, studentID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing memberships: %v", models.ErrPersistenceFailure, err)
	}
	defer rows.Close()

	var states []*models.MembershipState
	for rows.Next() {
		var s models.MembershipState
		err := rows.Scan(&s.TenantID, &s.StudentID, &s.GeofenceID,
			&s.Inside, &s.Since, &s.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning membership: %v", models.ErrPersistenceFailure, err)
		}
		states = append(states, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating memberships: %v", models.ErrPersistenceFailure, err)
	}
	return states, nil
}
