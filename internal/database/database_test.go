// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package database

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/praesentia/praesentia/internal/config"
	"github.com/praesentia/praesentia/internal/geo"
	"github.com/praesentia/praesentia/internal/logging"
	"github.com/praesentia/praesentia/internal/models"
)

func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(&config.DatabaseConfig{
		Path:                   t.TempDir() + "/test.duckdb",
		MaxMemory:              "256MB",
		Threads:                2,
		PreserveInsertionOrder: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close test database: %v", err)
		}
	})
	return db
}

func testShape() geo.Shape {
	return geo.NewCircle(geo.Point{Lat: 48.1372, Lon: 11.5761}, 80)
}

func TestGeofenceCRUD(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	fence := models.NewGeofence("school-1", "Main entrance", testShape())
	if err := db.InsertGeofence(ctx, fence); err != nil {
		t.Fatalf("InsertGeofence: %v", err)
	}

	got, err := db.GetGeofence(ctx, "school-1", fence.ID)
	if err != nil {
		t.Fatalf("GetGeofence: %v", err)
	}
	if got.Name != "Main entrance" {
		t.Errorf("expected name 'Main entrance', got %q", got.Name)
	}
	if got.Shape.Kind != geo.ShapeCircle || got.Shape.RadiusM != 80 {
		t.Errorf("shape did not round-trip: %+v", got.Shape)
	}

	// Cross-tenant lookups must miss.
	if _, err := db.GetGeofence(ctx, "school-2", fence.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for wrong tenant, got %v", err)
	}

	fence.Name = "Front gate"
	fence.UpdatedAt = time.Now().UTC()
	if err := db.UpdateGeofence(ctx, fence); err != nil {
		t.Fatalf("UpdateGeofence: %v", err)
	}

	if err := db.DeactivateGeofence(ctx, "school-1", fence.ID); err != nil {
		t.Fatalf("DeactivateGeofence: %v", err)
	}

	active, err := db.ListGeofences(ctx, "school-1", true)
	if err != nil {
		t.Fatalf("ListGeofences: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active geofences after deactivation, got %d", len(active))
	}

	all, err := db.ListGeofences(ctx, "school-1", false)
	if err != nil {
		t.Fatalf("ListGeofences: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("deactivation must not delete the row, got %d rows", len(all))
	}
	if all[0].Name != "Front gate" {
		t.Errorf("update did not stick, name = %q", all[0].Name)
	}
}

func TestInsertTraceIdempotence(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	capturedAt := time.Date(2026, 8, 30, 8, 15, 0, 0, time.UTC)
	trace := models.NewLocationTrace("school-1", "student-1", 48.1372, 11.5761, 12, capturedAt)

	inserted, err := db.InsertTrace(ctx, trace)
	if err != nil {
		t.Fatalf("InsertTrace: %v", err)
	}
	if !inserted {
		t.Fatal("first insert must report inserted=true")
	}

	// Resubmission with the same capture key must be a silent no-op.
	dup := models.NewLocationTrace("school-1", "student-1", 48.1372, 11.5761, 12, capturedAt)
	inserted, err = db.InsertTrace(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate InsertTrace: %v", err)
	}
	if inserted {
		t.Error("duplicate insert must report inserted=false")
	}

	// Same capture time for a different student is a different key.
	other := models.NewLocationTrace("school-1", "student-2", 48.14, 11.58, 9, capturedAt)
	inserted, err = db.InsertTrace(ctx, other)
	if err != nil {
		t.Fatalf("other-student InsertTrace: %v", err)
	}
	if !inserted {
		t.Error("different student with same capture time must insert")
	}
}

func TestLastCapturedAt(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	last, err := db.LastCapturedAt(ctx, "school-1", "student-1")
	if err != nil {
		t.Fatalf("LastCapturedAt on empty table: %v", err)
	}
	if !last.IsZero() {
		t.Errorf("expected zero time for unseen student, got %v", last)
	}

	t1 := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	t2 := t1.Add(5 * time.Minute)
	for _, ts := range []time.Time{t2, t1} {
		trace := models.NewLocationTrace("school-1", "student-1", 48.1, 11.5, 10, ts)
		if _, err := db.InsertTrace(ctx, trace); err != nil {
			t.Fatalf("InsertTrace: %v", err)
		}
	}

	last, err = db.LastCapturedAt(ctx, "school-1", "student-1")
	if err != nil {
		t.Fatalf("LastCapturedAt: %v", err)
	}
	if !last.Equal(t2) {
		t.Errorf("expected last capture %v, got %v", t2, last)
	}
}

func TestEventLogAppendAndFilter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	seed := []*models.AttendanceEvent{
		models.NewAttendanceEvent("school-1", "student-1", "fence-a", models.EventEnter, base, "tr1"),
		models.NewAttendanceEvent("school-1", "student-1", "fence-a", models.EventExit, base.Add(30*time.Minute), "tr2"),
		models.NewAttendanceEvent("school-1", "student-2", "fence-b", models.EventEnter, base.Add(10*time.Minute), "tr3"),
		models.NewAttendanceEvent("school-2", "student-9", "fence-z", models.EventEnter, base, "tr4"),
	}
	for _, e := range seed {
		if err := db.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := db.ListEvents(ctx, "school-1", models.EventFilter{Limit: 100})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events for school-1, got %d", len(events))
	}
	// Ordered by occurrence time.
	for i := 1; i < len(events); i++ {
		if events[i].OccurredAt.Before(events[i-1].OccurredAt) {
			t.Error("events must be ordered by occurred_at")
		}
	}

	byStudent, err := db.ListEvents(ctx, "school-1", models.EventFilter{StudentID: "student-1", Limit: 100})
	if err != nil {
		t.Fatalf("ListEvents by student: %v", err)
	}
	if len(byStudent) != 2 {
		t.Errorf("expected 2 events for student-1, got %d", len(byStudent))
	}

	windowed, err := db.ListEvents(ctx, "school-1", models.EventFilter{
		From: base.Add(5 * time.Minute), To: base.Add(20 * time.Minute), Limit: 100,
	})
	if err != nil {
		t.Fatalf("ListEvents windowed: %v", err)
	}
	if len(windowed) != 1 || windowed[0].StudentID != "student-2" {
		t.Errorf("window filter returned wrong events: %+v", windowed)
	}

	// Tenant isolation: school-2 sees only its own event.
	other, err := db.ListEvents(ctx, "school-2", models.EventFilter{Limit: 100})
	if err != nil {
		t.Fatalf("ListEvents school-2: %v", err)
	}
	if len(other) != 1 || other[0].StudentID != "student-9" {
		t.Errorf("expected exactly school-2's event, got %+v", other)
	}
}

func TestMembershipUpsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	state := &models.MembershipState{
		TenantID: "school-1", StudentID: "student-1", GeofenceID: "fence-a",
		Inside: true, Since: now, UpdatedAt: now,
	}
	if err := db.UpsertMembership(ctx, state); err != nil {
		t.Fatalf("UpsertMembership insert: %v", err)
	}

	state.Inside = false
	state.Since = now.Add(time.Hour)
	state.UpdatedAt = now.Add(time.Hour)
	if err := db.UpsertMembership(ctx, state); err != nil {
		t.Fatalf("UpsertMembership update: %v", err)
	}

	states, err := db.ListMemberships(ctx, "school-1", "student-1")
	if err != nil {
		t.Fatalf("ListMemberships: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("expected 1 membership row, got %d", len(states))
	}
	if states[0].Inside {
		t.Error("expected inside=false after update")
	}

	if other, _ := db.ListMemberships(ctx, "school-2", "student-1"); len(other) != 0 {
		t.Errorf("cross-tenant membership read returned %d rows", len(other))
	}
}

func TestPing(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
