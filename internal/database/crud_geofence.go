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

	json "github.com/goccy/go-json"

	"github.com/praesentia/praesentia/internal/geo"
	"github.com/praesentia/praesentia/internal/models"
)

// InsertGeofence stores a new geofence.
func (db *DB) InsertGeofence(ctx context.Context, fence *models.Geofence) error {
	if err := fence.Validate(); err != nil {
		return err
	}

	shapeJSON, err := json.Marshal(fence.Shape)
	if err != nil {
		return fmt.Errorf("failed to encode shape: %w", err)
	}

	stmt, err := db.prepared(ctx, `
		INSERT INTO geofences (id, tenant_id, name, shape, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}

	_, err = stmt.ExecContext(ctx,
		fence.ID, fence.TenantID, fence.Name, string(shapeJSON),
		fence.Active, fence.CreatedAt, fence.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: inserting geofence: %v", models.ErrPersistenceFailure, err)
	}
	return nil
}

// UpdateGeofence replaces the name, shape, and active flag of an existing
// geofence. The row is matched by tenant and ID, so a caller can never
// reach across tenants.
func (db *DB) UpdateGeofence(ctx context.Context, fence *models.Geofence) error {
	if err := fence.Validate(); err != nil {
		return err
	}

	shapeJSON, err := json.Marshal(fence.Shape)
	if err != nil {
		return fmt.Errorf("failed to encode shape: %w", err)
	}

	res, err := db.conn.ExecContext(ctx, `
		UPDATE geofences SET name = ?, shape = ?, active = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		fence.Name, string(shapeJSON), fence.Active, fence.UpdatedAt,
		fence.TenantID, fence.ID)
	if err != nil {
		return fmt.Errorf("%w: updating geofence: %v", models.ErrPersistenceFailure, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: geofence %s", models.ErrNotFound, fence.ID)
	}
	return nil
}

// DeactivateGeofence soft-deletes a geofence. Rows are never removed;
// historical events keep a valid reference.
func (db *DB) DeactivateGeofence(ctx context.Context, tenantID, fenceID string) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE geofences SET active = false, updated_at = CURRENT_TIMESTAMP
		WHERE tenant_id = ? AND id = ?`,
		tenantID, fenceID)
	if err != nil {
		return fmt.Errorf("%w: deactivating geofence: %v", models.ErrPersistenceFailure, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: geofence %s", models.ErrNotFound, fenceID)
	}
	return nil
}

// GetGeofence looks up one geofence within a tenant.
func (db *DB) GetGeofence(ctx context.Context, tenantID, fenceID string) (*models.Geofence, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, shape, active, created_at, updated_at
		FROM geofences WHERE tenant_id = ? AND id = ?`,
		tenantID, fenceID)

	fence, err := scanGeofence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: geofence %s", models.ErrNotFound, fenceID)
	}
	return fence, err
}

// ListGeofences returns a tenant's geofences, optionally only active ones,
// ordered by creation time.
func (db *DB) ListGeofences(ctx context.Context, tenantID string, activeOnly bool) ([]*models.Geofence, error) {
	query := `
		SELECT id, tenant_id, name, shape, active, created_at, updated_at
		FROM geofences WHERE tenant_id = ?`
	if activeOnly {
		query += ` AND active = true`
	}
	query += ` ORDER BY created_at`

	rows, err := db.conn.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing geofences: %v", models.ErrPersistenceFailure, err)
	}
	defer rows.Close()

	var fences []*models.Geofence
	for rows.Next() {
		fence, err := scanGeofence(rows)
		if err != nil {
			return nil, err
		}
		fences = append(fences, fence)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating geofences: %v", models.ErrPersistenceFailure, err)
	}
	return fences, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGeofence(row rowScanner) (*models.Geofence, error) {
	var fence models.Geofence
	var shapeJSON string
	err := row.Scan(&fence.ID, &fence.TenantID, &fence.Name, &shapeJSON,
		&fence.Active, &fence.CreatedAt, &fence.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scanning geofence: %v", models.ErrPersistenceFailure, err)
	}

	var shape geo.Shape
	if err := json.Unmarshal([]byte(shapeJSON), &shape); err != nil {
		return nil, fmt.Errorf("failed to decode shape of geofence %s: %w", fence.ID, err)
	}
	fence.Shape = shape
	return &fence, nil
}
