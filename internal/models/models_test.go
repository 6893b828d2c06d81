// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package models

import (
	"errors"
	"testing"
	"time"

	"github.com/praesentia/praesentia/internal/geo"
)

func TestNewGeofence(t *testing.T) {
	t.Parallel()

	shape := geo.NewCircle(geo.Point{Lat: 48.1, Lon: 11.5}, 75)
	g := NewGeofence("school-1", "Main entrance", shape)

	if g.ID == "" {
		t.Error("expected generated ID")
	}
	if !g.Active {
		t.Error("new geofence must start active")
	}
	if err := g.Validate(); err != nil {
		t.Errorf("new geofence must validate: %v", err)
	}
}

func TestGeofenceValidate(t *testing.T) {
	t.Parallel()

	shape := geo.NewCircle(geo.Point{Lat: 48.1, Lon: 11.5}, 75)

	tests := []struct {
		name    string
		mutate  func(*Geofence)
		wantErr bool
	}{
		{"valid", func(*Geofence) {}, false},
		{"missing tenant", func(g *Geofence) { g.TenantID = "" }, true},
		{"missing name", func(g *Geofence) { g.Name = "" }, true},
		{"bad shape", func(g *Geofence) { g.Shape.RadiusM = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := NewGeofence("school-1", "Gym", shape)
			tt.mutate(g)
			if err := g.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAttendanceEventValidate(t *testing.T) {
	t.Parallel()

	e := NewAttendanceEvent("school-1", "student-1", "fence-1", EventEnter, time.Now(), "trace-1")
	if err := e.Validate(); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}

	e.Type = "LOITER"
	if err := e.Validate(); err == nil {
		t.Error("unknown event type must be rejected")
	}
}

func TestEventTopic(t *testing.T) {
	t.Parallel()

	e := NewAttendanceEvent("school-7", "s", "f", EventExit, time.Now(), "tr")
	if got := e.Topic(); got != "attendance.school-7" {
		t.Errorf("Topic() = %q, want attendance.school-7", got)
	}
}

func TestErrorWrapping(t *testing.T) {
	t.Parallel()

	err := InvalidSample("accuracy %.0fm above ceiling", 250.0)
	if !errors.Is(err, ErrInvalidSample) {
		t.Error("InvalidSample must wrap ErrInvalidSample")
	}

	err = CrossTenant("school-1", "school-2")
	if !errors.Is(err, ErrCrossTenantAccess) {
		t.Error("CrossTenant must wrap ErrCrossTenantAccess")
	}
}
