// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

// Package models defines the core domain entities of the attendance
// pipeline. Every entity carries its TenantID; nothing in the system is
// shared across schools.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/praesentia/praesentia/internal/geo"
)

// Geofence is a named geographic zone owned by one school.
type Geofence struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Shape     geo.Shape `json:"shape"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewGeofence creates an active geofence with a fresh ID.
func NewGeofence(tenantID, name string, shape geo.Shape) *Geofence {
	now := time.Now().UTC()
	return &Geofence{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Name:      name,
		Shape:     shape,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the geofence's structural invariants.
func (g *Geofence) Validate() error {
	if g.TenantID == "" {
		return fmt.Errorf("geofence tenant_id must not be empty")
	}
	if g.Name == "" {
		return fmt.Errorf("geofence name must not be empty")
	}
	if err := g.Shape.Validate(); err != nil {
		return fmt.Errorf("geofence shape invalid: %w", err)
	}
	return nil
}

// LocationTrace is one accepted location sample. Traces are append-only and
// serve as the reconciliation source when downstream delivery loses events.
type LocationTrace struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	StudentID  string    `json:"student_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	AccuracyM  float64   `json:"accuracy_m"`
	CapturedAt time.Time `json:"captured_at"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewLocationTrace builds a trace with a fresh ID and the receive timestamp
// set to now.
func NewLocationTrace(tenantID, studentID string, lat, lon, accuracyM float64, capturedAt time.Time) *LocationTrace {
	return &LocationTrace{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		StudentID:  studentID,
		Lat:        lat,
		Lon:        lon,
		AccuracyM:  accuracyM,
		CapturedAt: capturedAt.UTC(),
		ReceivedAt: time.Now().UTC(),
	}
}

// Point returns the trace coordinate.
func (t *LocationTrace) Point() geo.Point {
	return geo.Point{Lat: t.Lat, Lon: t.Lon}
}

// EventType distinguishes attendance transitions.
type EventType string

const (
	EventEnter EventType = "ENTER"
	EventExit  EventType = "EXIT"
)

// Valid reports whether the event type is known.
func (e EventType) Valid() bool {
	return e == EventEnter || e == EventExit
}

// AttendanceEvent records one committed membership transition. Events are
// append-only; per (student, geofence) they strictly alternate ENTER and
// EXIT, starting with ENTER.
type AttendanceEvent struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	StudentID  string    `json:"student_id"`
	GeofenceID string    `json:"geofence_id"`
	Type       EventType `json:"type"`
	// OccurredAt is the capture time of the sample that committed the
	// transition, not the wall-clock time of processing.
	OccurredAt time.Time `json:"occurred_at"`
	TraceID    string    `json:"trace_id"`
	RecordedAt time.Time `json:"recorded_at"`
}

// NewAttendanceEvent builds an event with a fresh ID.
func NewAttendanceEvent(tenantID, studentID, geofenceID string, eventType EventType, occurredAt time.Time, traceID string) *AttendanceEvent {
	return &AttendanceEvent{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		StudentID:  studentID,
		GeofenceID: geofenceID,
		Type:       eventType,
		OccurredAt: occurredAt.UTC(),
		TraceID:    traceID,
		RecordedAt: time.Now().UTC(),
	}
}

// Topic returns the fan-out topic for this event's tenant.
func (e *AttendanceEvent) Topic() string {
	return EventTopic(e.TenantID)
}

// EventTopic returns the per-tenant fan-out topic name.
func EventTopic(tenantID string) string {
	return "attendance." + tenantID
}

// Validate checks the event's structural invariants.
func (e *AttendanceEvent) Validate() error {
	if e.TenantID == "" || e.StudentID == "" || e.GeofenceID == "" {
		return fmt.Errorf("attendance event missing identifiers")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown attendance event type %q", e.Type)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("attendance event occurred_at must be set")
	}
	return nil
}

// MembershipState is the committed inside/outside state of one
// (student, geofence) pair. Pairs with no row are outside.
type MembershipState struct {
	TenantID   string    `json:"tenant_id"`
	StudentID  string    `json:"student_id"`
	GeofenceID string    `json:"geofence_id"`
	Inside     bool      `json:"inside"`
	// Since is the OccurredAt of the event that committed this state.
	Since     time.Time `json:"since"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventFilter narrows an event history query. Zero values mean "no
// constraint"; Limit is capped by the API layer.
type EventFilter struct {
	StudentID  string
	GeofenceID string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}
