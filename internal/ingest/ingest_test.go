// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
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

type fakeTraceStore struct {
	mu       sync.Mutex
	traces   []*models.LocationTrace
	last     map[string]time.Time
	failures int
	failErr  error
}

func newFakeTraceStore() *fakeTraceStore {
	return &fakeTraceStore{last: make(map[string]time.Time)}
}

func (s *fakeTraceStore) InsertTrace(_ context.Context, trace *models.LocationTrace) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return false, s.failErr
	}
	key := trace.TenantID + "|" + trace.StudentID
	if !trace.CapturedAt.After(s.last[key]) {
		return false, nil
	}
	s.traces = append(s.traces, trace)
	s.last[key] = trace.CapturedAt
	return true, nil
}

func (s *fakeTraceStore) LastCapturedAt(_ context.Context, tenantID, studentID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[tenantID+"|"+studentID], nil
}

type fakeEventSink struct {
	mu       sync.Mutex
	events   []*models.AttendanceEvent
	err      error
	failures int
	calls    int
}

func (s *fakeEventSink) AppendEvent(_ context.Context, event *models.AttendanceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	if s.failures > 0 {
		s.failures--
		return errors.New("event store unavailable")
	}
	s.events = append(s.events, event)
	return nil
}

type fakeIndex struct {
	fences      map[string]*models.Geofence
	classifyErr error
}

func (f *fakeIndex) Classify(_ context.Context, _ string, p geo.Point) ([]*models.Geofence, error) {
	if f.classifyErr != nil {
		return nil, f.classifyErr
	}
	var hits []*models.Geofence
	for _, fence := range f.fences {
		if fence.Shape.Contains(p) {
			hits = append(hits, fence)
		}
	}
	return hits, nil
}

func (f *fakeIndex) ActiveFences(_ context.Context, _ string) (map[string]*models.Geofence, error) {
	return f.fences, nil
}

type fakeTracker struct {
	mu     sync.Mutex
	calls  int
	events []*models.AttendanceEvent
	err    error
}

func (t *fakeTracker) Process(_ context.Context, _ *models.LocationTrace, _ map[string]*models.Geofence, _ []*models.Geofence) ([]*models.AttendanceEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	return t.events, t.err
}

type fakePublisher struct {
	mu        sync.Mutex
	published []*models.AttendanceEvent
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, event *models.AttendanceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, event)
	return nil
}

func testConfig() config.IngestConfig {
	return config.IngestConfig{
		MaxAccuracyMeters:  100,
		ClockSkewTolerance: 30 * time.Second,
		PipelineTimeout:    2 * time.Second,
		RetryAttempts:      3,
		RetryDelay:         time.Millisecond,
	}
}

type fixtures struct {
	store   *fakeTraceStore
	sink    *fakeEventSink
	index   *fakeIndex
	tracker *fakeTracker
	bus     *fakePublisher
}

func newPipeline(t *testing.T, cfg config.IngestConfig) (*Pipeline, *fixtures) {
	t.Helper()
	f := &fixtures{
		store:   newFakeTraceStore(),
		sink:    &fakeEventSink{},
		index:   &fakeIndex{fences: map[string]*models.Geofence{}},
		tracker: &fakeTracker{},
		bus:     &fakePublisher{},
	}
	return New(f.store, f.sink, f.index, f.tracker, f.bus, cfg, 8), f
}

func TestSubmitAcceptsValidSample(t *testing.T) {
	p, f := newPipeline(t, testConfig())

	trace, err := p.Submit(context.Background(), "tenant-a", "student-1",
		48.1372, 11.5761, 15, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if trace == nil || trace.ID == "" {
		t.Fatal("expected stored trace with an ID")
	}
	if len(f.store.traces) != 1 {
		t.Fatalf("stored traces = %d, want 1", len(f.store.traces))
	}
	if f.tracker.calls != 1 {
		t.Fatalf("tracker calls = %d, want 1", f.tracker.calls)
	}
}

func TestSubmitRejections(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		tenant    string
		student   string
		lat, lon  float64
		accuracy  float64
		captured  time.Time
	}{
		{"missing tenant", "", "s1", 48, 11, 10, now},
		{"missing student", "t1", "", 48, 11, 10, now},
		{"latitude out of range", "t1", "s1", 91, 11, 10, now},
		{"longitude out of range", "t1", "s1", 48, 181, 10, now},
		{"zero accuracy", "t1", "s1", 48, 11, 0, now},
		{"negative accuracy", "t1", "s1", 48, 11, -5, now},
		{"accuracy above ceiling", "t1", "s1", 48, 11, 150, now},
		{"zero timestamp", "t1", "s1", 48, 11, 10, time.Time{}},
		{"future beyond skew", "t1", "s1", 48, 11, 10, now.Add(time.Minute)},
	}

	p, f := newPipeline(t, testConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Submit(context.Background(), tt.tenant, tt.student,
				tt.lat, tt.lon, tt.accuracy, tt.captured)
			if !errors.Is(err, models.ErrInvalidSample) {
				t.Fatalf("Submit() error = %v, want ErrInvalidSample", err)
			}
		})
	}
	if len(f.store.traces) != 0 {
		t.Fatalf("rejected samples must not be stored, got %d", len(f.store.traces))
	}
}

func TestSubmitFutureWithinSkewAccepted(t *testing.T) {
	p, _ := newPipeline(t, testConfig())

	_, err := p.Submit(context.Background(), "t1", "s1",
		48, 11, 10, time.Now().Add(10*time.Second))
	if err != nil {
		t.Fatalf("sample within skew tolerance rejected: %v", err)
	}
}

func TestSubmitRejectsOutOfOrder(t *testing.T) {
	p, f := newPipeline(t, testConfig())
	base := time.Now().Add(-time.Hour)

	if _, err := p.Submit(context.Background(), "t1", "s1", 48, 11, 10, base); err != nil {
		t.Fatalf("first sample: %v", err)
	}

	// Older sample.
	_, err := p.Submit(context.Background(), "t1", "s1", 48, 11, 10, base.Add(-time.Minute))
	if !errors.Is(err, models.ErrInvalidSample) {
		t.Fatalf("older sample: error = %v, want ErrInvalidSample", err)
	}

	// Exact duplicate timestamp.
	_, err = p.Submit(context.Background(), "t1", "s1", 48, 11, 10, base)
	if !errors.Is(err, models.ErrInvalidSample) {
		t.Fatalf("duplicate timestamp: error = %v, want ErrInvalidSample", err)
	}

	if len(f.store.traces) != 1 {
		t.Fatalf("stored traces = %d, want 1", len(f.store.traces))
	}
}

func TestSubmitOrderingSurvivesRestart(t *testing.T) {
	store := newFakeTraceStore()
	cfg := testConfig()
	base := time.Now().Add(-time.Hour)

	first, _ := newPipeline(t, cfg)
	first.traces = store
	if _, err := first.Submit(context.Background(), "t1", "s1", 48, 11, 10, base); err != nil {
		t.Fatalf("first pipeline: %v", err)
	}

	// A fresh pipeline on the same store must still reject older samples.
	f := &fixtures{
		sink:    &fakeEventSink{},
		index:   &fakeIndex{fences: map[string]*models.Geofence{}},
		tracker: &fakeTracker{},
	}
	second := New(store, f.sink, f.index, f.tracker, nil, cfg, 8)
	_, err := second.Submit(context.Background(), "t1", "s1", 48, 11, 10, base.Add(-time.Second))
	if !errors.Is(err, models.ErrInvalidSample) {
		t.Fatalf("after restart: error = %v, want ErrInvalidSample", err)
	}
}

func TestSubmitRetriesTransientStoreFailure(t *testing.T) {
	p, f := newPipeline(t, testConfig())
	f.store.failures = 2
	f.store.failErr = errors.New("io timeout")

	_, err := p.Submit(context.Background(), "t1", "s1", 48, 11, 10, time.Now())
	if err != nil {
		t.Fatalf("Submit() after transient failures: %v", err)
	}
	if len(f.store.traces) != 1 {
		t.Fatalf("stored traces = %d, want 1", len(f.store.traces))
	}
}

func TestSubmitSurfacesPersistenceFailure(t *testing.T) {
	p, f := newPipeline(t, testConfig())
	f.store.failures = 100
	f.store.failErr = errors.New("disk full")

	_, err := p.Submit(context.Background(), "t1", "s1", 48, 11, 10, time.Now())
	if !errors.Is(err, models.ErrPersistenceFailure) {
		t.Fatalf("Submit() error = %v, want ErrPersistenceFailure", err)
	}
}

func TestSubmitClassificationFailureKeepsTrace(t *testing.T) {
	p, f := newPipeline(t, testConfig())
	f.index.classifyErr = models.ErrClassificationTimeout

	trace, err := p.Submit(context.Background(), "t1", "s1", 48, 11, 10, time.Now())
	if err != nil {
		t.Fatalf("Submit() must accept the sample when classification fails: %v", err)
	}
	if trace == nil {
		t.Fatal("expected stored trace")
	}
	if f.tracker.calls != 0 {
		t.Fatalf("tracker must not run after classification failure, calls = %d", f.tracker.calls)
	}
	if len(f.sink.events) != 0 {
		t.Fatalf("no events expected, got %d", len(f.sink.events))
	}
}

func TestSubmitEmitsTrackedEvents(t *testing.T) {
	p, f := newPipeline(t, testConfig())
	event := models.NewAttendanceEvent("t1", "s1", "fence-1", models.EventEnter, time.Now(), "trace-1")
	f.tracker.events = []*models.AttendanceEvent{event}

	if _, err := p.Submit(context.Background(), "t1", "s1", 48, 11, 10, time.Now()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(f.sink.events) != 1 {
		t.Fatalf("appended events = %d, want 1", len(f.sink.events))
	}
	if len(f.bus.published) != 1 {
		t.Fatalf("published events = %d, want 1", len(f.bus.published))
	}
	if f.bus.published[0].ID != event.ID {
		t.Fatalf("published event %s, want %s", f.bus.published[0].ID, event.ID)
	}
}

func TestSubmitPublishFailureIsBestEffort(t *testing.T) {
	p, f := newPipeline(t, testConfig())
	f.tracker.events = []*models.AttendanceEvent{
		models.NewAttendanceEvent("t1", "s1", "fence-1", models.EventEnter, time.Now(), "trace-1"),
	}
	f.bus.err = errors.New("broker down")

	if _, err := p.Submit(context.Background(), "t1", "s1", 48, 11, 10, time.Now()); err != nil {
		t.Fatalf("publish failure must not reject the sample: %v", err)
	}
	if len(f.sink.events) != 1 {
		t.Fatalf("event must still reach the log, got %d", len(f.sink.events))
	}
}

// The tracker commits the membership flip before the log append, so a
// transient event-store failure must be retried: a dropped ENTER would
// leave the pair's log starting with a bare EXIT.
func TestSubmitRetriesEventAppend(t *testing.T) {
	p, f := newPipeline(t, testConfig())
	enter := models.NewAttendanceEvent("t1", "s1", "fence-1", models.EventEnter, time.Now(), "trace-1")
	f.tracker.events = []*models.AttendanceEvent{enter}
	f.sink.failures = 2

	if _, err := p.Submit(context.Background(), "t1", "s1", 48, 11, 10, time.Now()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(f.sink.events) != 1 || f.sink.events[0].Type != models.EventEnter {
		t.Fatalf("ENTER must survive transient append failures, got %v", f.sink.events)
	}
	if f.sink.calls != 3 {
		t.Fatalf("append attempts = %d, want 3", f.sink.calls)
	}
	if len(f.bus.published) != 1 {
		t.Fatalf("published events = %d, want 1", len(f.bus.published))
	}
}

func TestSubmitRateLimitsPerStudent(t *testing.T) {
	cfg := testConfig()
	cfg.RatePerStudent = 1
	cfg.RateBurst = 2
	p, _ := newPipeline(t, cfg)

	base := time.Now().Add(-time.Hour)
	var limited bool
	for i := 0; i < 5; i++ {
		_, err := p.Submit(context.Background(), "t1", "s1",
			48, 11, 10, base.Add(time.Duration(i)*time.Second))
		if errors.Is(err, models.ErrInvalidSample) {
			limited = true
		}
	}
	if !limited {
		t.Fatal("expected burst-exceeding submissions to be throttled")
	}

	// Other students are unaffected.
	if _, err := p.Submit(context.Background(), "t1", "s2", 48, 11, 10, base); err != nil {
		t.Fatalf("unrelated student throttled: %v", err)
	}
}

func TestSubmitConcurrentStudentsIndependent(t *testing.T) {
	p, f := newPipeline(t, testConfig())
	base := time.Now().Add(-time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			student := string(rune('a' + n))
			for j := 0; j < 10; j++ {
				_, err := p.Submit(context.Background(), "t1", student,
					48, 11, 10, base.Add(time.Duration(j)*time.Second))
				if err != nil {
					t.Errorf("student %s sample %d: %v", student, j, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if len(f.store.traces) != 80 {
		t.Fatalf("stored traces = %d, want 80", len(f.store.traces))
	}
}
