// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

// Package tracker maintains the inside/outside membership state of
// (student, geofence) pairs and decides when a transition is real.
//
// A transition commits either after a configurable number of consecutive
// confirming samples, or immediately when a single sample is decisive: its
// distance from the geofence boundary exceeds the sample's reported
// accuracy. Committed states are durable; pending confirmations are
// in-memory only and self-heal on the next sample.
//
// Callers must serialize samples per student. The ingest pipeline holds a
// per-student lock across the whole classify-track-append sequence, so the
// tracker never sees two concurrent samples for the same student.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/praesentia/praesentia/internal/logging"
	"github.com/praesentia/praesentia/internal/metrics"
	"github.com/praesentia/praesentia/internal/models"
)

// StateStore persists committed membership states; the database layer
// implements it.
type StateStore interface {
	ListMemberships(ctx context.Context, tenantID, studentID string) ([]*models.MembershipState, error)
	UpsertMembership(ctx context.Context, state *models.MembershipState) error
}

// pending is a transition candidate awaiting confirmation.
type pending struct {
	eventType models.EventType
	count     int
}

// studentState caches one student's committed inside set plus pending
// candidates. Loaded lazily from the store.
type studentState struct {
	inside  map[string]bool     // geofence ID -> committed inside
	pending map[string]*pending // geofence ID -> candidate
}

// Tracker applies classified samples to membership states and emits the
// resulting attendance events.
type Tracker struct {
	store          StateStore
	confirmSamples int

	mu       sync.Mutex
	students map[string]*studentState // tenantID|studentID
}

// New creates a tracker. confirmSamples is the consecutive-sample threshold
// for non-decisive transitions; values below 1 are treated as 1.
func New(store StateStore, confirmSamples int) *Tracker {
	if confirmSamples < 1 {
		confirmSamples = 1
	}
	return &Tracker{
		store:          store,
		confirmSamples: confirmSamples,
		students:       make(map[string]*studentState),
	}
}

// Process evaluates one accepted, classified sample. active is the tenant's
// current active geofence set; containing are the fences whose shape
// contains the sample point. Returned events are committed to the state
// store but not yet appended to the event log; that is the caller's job.
//
// Per (student, geofence), the emitted sequence strictly alternates ENTER
// and EXIT starting with ENTER: an ENTER candidate exists only while the
// committed state is outside, an EXIT candidate only while it is inside.
func (t *Tracker) Process(ctx context.Context, trace *models.LocationTrace, active map[string]*models.Geofence, containing []*models.Geofence) ([]*models.AttendanceEvent, error) {
	state, err := t.studentStateFor(ctx, trace.TenantID, trace.StudentID)
	if err != nil {
		return nil, err
	}

	inSet := make(map[string]bool, len(containing))
	for _, fence := range containing {
		inSet[fence.ID] = true
	}

	// Confirmation requires consecutive samples: a pending ENTER dies the
	// moment a sample falls outside the fence again. Pending EXITs are
	// cleared in the loop below when the sample is back inside.
	for fenceID, p := range state.pending {
		if p.eventType == models.EventEnter && !inSet[fenceID] {
			delete(state.pending, fenceID)
		}
	}

	var events []*models.AttendanceEvent

	// Candidate ENTERs: containing fences the student is not committed
	// inside of.
	for _, fence := range containing {
		if state.inside[fence.ID] {
			delete(state.pending, fence.ID)
			continue
		}
		event, err := t.evaluate(ctx, state, trace, fence, models.EventEnter)
		if err != nil {
			return events, err
		}
		if event != nil {
			events = append(events, event)
		}
	}

	// Candidate EXITs: committed-inside fences the sample left.
	for fenceID, inside := range state.inside {
		if !inside || inSet[fenceID] {
			continue
		}
		fence, ok := active[fenceID]
		if !ok {
			// Fence deactivated while the student was inside: the pair
			// simply stops producing events.
			delete(state.pending, fenceID)
			continue
		}
		event, err := t.evaluate(ctx, state, trace, fence, models.EventExit)
		if err != nil {
			return events, err
		}
		if event != nil {
			events = append(events, event)
		}
	}

	return events, nil
}

// evaluate applies the debounce policy to one transition candidate.
func (t *Tracker) evaluate(ctx context.Context, state *studentState, trace *models.LocationTrace, fence *models.Geofence, eventType models.EventType) (*models.AttendanceEvent, error) {
	// Decisive sample: the point is further from the boundary than the
	// sample could plausibly be off.
	decisive := fence.Shape.BoundaryDistance(trace.Point()) > trace.AccuracyM

	if !decisive {
		p := state.pending[fence.ID]
		if p == nil || p.eventType != eventType {
			p = &pending{eventType: eventType}
			state.pending[fence.ID] = p
		}
		p.count++
		if p.count < t.confirmSamples {
			metrics.TransitionsPending.Inc()
			return nil, nil
		}
	}
	delete(state.pending, fence.ID)

	return t.commit(ctx, state, trace, fence, eventType)
}

// commit durably flips the membership state and builds the event.
func (t *Tracker) commit(ctx context.Context, state *studentState, trace *models.LocationTrace, fence *models.Geofence, eventType models.EventType) (*models.AttendanceEvent, error) {
	inside := eventType == models.EventEnter
	now := time.Now().UTC()

	err := t.store.UpsertMembership(ctx, &models.MembershipState{
		TenantID:   trace.TenantID,
		StudentID:  trace.StudentID,
		GeofenceID: fence.ID,
		Inside:     inside,
		Since:      trace.CapturedAt,
		UpdatedAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("committing membership transition: %w", err)
	}

	state.inside[fence.ID] = inside
	metrics.RecordTransition(string(eventType))
	logging.Ctx(ctx).Info().
		Str("student_id", trace.StudentID).
		Str("geofence_id", fence.ID).
		Str("event_type", string(eventType)).
		Time("occurred_at", trace.CapturedAt).
		Msg("Membership transition committed")

	return models.NewAttendanceEvent(trace.TenantID, trace.StudentID, fence.ID,
		eventType, trace.CapturedAt, trace.ID), nil
}

// studentStateFor returns the cached state of one student, loading the
// committed rows on first touch so restarts recover durable state.
func (t *Tracker) studentStateFor(ctx context.Context, tenantID, studentID string) (*studentState, error) {
	key := tenantID + "|" + studentID

	t.mu.Lock()
	state, ok := t.students[key]
	t.mu.Unlock()
	if ok {
		return state, nil
	}

	rows, err := t.store.ListMemberships(ctx, tenantID, studentID)
	if err != nil {
		return nil, fmt.Errorf("loading membership states: %w", err)
	}

	state = &studentState{
		inside:  make(map[string]bool, len(rows)),
		pending: make(map[string]*pending),
	}
	for _, row := range rows {
		state.inside[row.GeofenceID] = row.Inside
	}

	t.mu.Lock()
	// Keep an entry a concurrent loader may have installed; per-student
	// serialization makes this a cold-start race only.
	if existing, ok := t.students[key]; ok {
		state = existing
	} else {
		t.students[key] = state
	}
	t.mu.Unlock()
	return state, nil
}
