// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

// Package ingest is the front door of the attendance pipeline. It validates
// incoming location samples, persists them durably, classifies them against
// the tenant's geofences, feeds the membership tracker, and hands committed
// events to the log and the fan-out bus.
//
// Processing is serialized per student through a sharded lock table;
// samples of different students flow fully in parallel.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/praesentia/praesentia/internal/config"
	"github.com/praesentia/praesentia/internal/geo"
	"github.com/praesentia/praesentia/internal/logging"
	"github.com/praesentia/praesentia/internal/metrics"
	"github.com/praesentia/praesentia/internal/models"
)

// TraceStore persists accepted traces; the database layer implements it.
type TraceStore interface {
	InsertTrace(ctx context.Context, trace *models.LocationTrace) (bool, error)
	LastCapturedAt(ctx context.Context, tenantID, studentID string) (time.Time, error)
}

// EventSink appends committed attendance events to the durable log.
type EventSink interface {
	AppendEvent(ctx context.Context, event *models.AttendanceEvent) error
}

// FenceIndex answers containment queries and exposes the active fence set;
// the classifier implements it.
type FenceIndex interface {
	Classify(ctx context.Context, tenantID string, p geo.Point) ([]*models.Geofence, error)
	ActiveFences(ctx context.Context, tenantID string) (map[string]*models.Geofence, error)
}

// Tracker turns classified samples into membership transitions.
type Tracker interface {
	Process(ctx context.Context, trace *models.LocationTrace, active map[string]*models.Geofence, containing []*models.Geofence) ([]*models.AttendanceEvent, error)
}

// Publisher fans out committed events. Delivery is best-effort; publish
// failures are logged, never retried into the caller's latency budget.
type Publisher interface {
	Publish(ctx context.Context, event *models.AttendanceEvent) error
}

// Pipeline wires the ingest stages together.
type Pipeline struct {
	traces  TraceStore
	events  EventSink
	index   FenceIndex
	tracker Tracker
	bus     Publisher
	cfg     config.IngestConfig

	// locks serializes processing per student.
	locks []sync.Mutex

	// lastSeen caches the newest accepted capture time per student,
	// warmed from storage on first touch.
	lastSeenMu sync.Mutex
	lastSeen   map[string]time.Time

	// limiters throttles per-student submission rates.
	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	// breaker guards the trace insert path against a failing store.
	breaker *gobreaker.CircuitBreaker[bool]
}

// New creates the ingest pipeline. lockShards sizes the per-student lock
// table.
func New(traces TraceStore, events EventSink, index FenceIndex, tr Tracker, bus Publisher, cfg config.IngestConfig, lockShards int) *Pipeline {
	if lockShards < 1 {
		lockShards = 1
	}

	breakerSettings := gobreaker.Settings{
		Name:    "trace-store",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	}

	return &Pipeline{
		traces:   traces,
		events:   events,
		index:    index,
		tracker:  tr,
		bus:      bus,
		cfg:      cfg,
		locks:    make([]sync.Mutex, lockShards),
		lastSeen: make(map[string]time.Time),
		limiters: make(map[string]*rate.Limiter),
		breaker:  gobreaker.NewCircuitBreaker[bool](breakerSettings),
	}
}

// Submit runs one location sample through the pipeline. On acceptance it
// returns the stored trace; rejected samples return an error wrapping
// models.ErrInvalidSample with the reason.
//
// A classification failure after the trace is stored is not an error to the
// caller: the trace is durable, membership state stays untouched, and the
// sample reports accepted.
func (p *Pipeline) Submit(ctx context.Context, tenantID, studentID string, lat, lon, accuracyM float64, capturedAt time.Time) (*models.LocationTrace, error) {
	start := time.Now()

	if err := p.validate(tenantID, studentID, lat, lon, accuracyM, capturedAt); err != nil {
		return nil, err
	}

	if !p.allow(tenantID, studentID) {
		metrics.RecordRejection("rate_limited")
		return nil, models.InvalidSample("student %s exceeds submission rate", studentID)
	}

	// Everything from the ordering check to event emission runs under the
	// student's lock: one student, one sample at a time.
	lock := p.lockFor(tenantID, studentID)
	lock.Lock()
	defer lock.Unlock()

	last, err := p.lastCaptured(ctx, tenantID, studentID)
	if err != nil {
		return nil, err
	}
	if !capturedAt.After(last) {
		metrics.RecordRejection("out_of_order")
		return nil, models.InvalidSample("captured_at %s not after last stored sample %s",
			capturedAt.UTC().Format(time.RFC3339), last.UTC().Format(time.RFC3339))
	}

	trace := models.NewLocationTrace(tenantID, studentID, lat, lon, accuracyM, capturedAt)
	inserted, err := p.persistTrace(ctx, trace)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// The unique constraint caught a duplicate the cache missed.
		metrics.IngestSamplesTotal.WithLabelValues("duplicate").Inc()
		return nil, models.InvalidSample("duplicate sample at %s", capturedAt.UTC().Format(time.RFC3339))
	}
	p.rememberCapture(tenantID, studentID, capturedAt)
	metrics.IngestSamplesTotal.WithLabelValues("accepted").Inc()

	p.detectAndEmit(ctx, trace)

	metrics.IngestPipelineDuration.Observe(time.Since(start).Seconds())
	return trace, nil
}

// validate applies the synchronous rejection rules.
func (p *Pipeline) validate(tenantID, studentID string, lat, lon, accuracyM float64, capturedAt time.Time) error {
	if tenantID == "" || studentID == "" {
		metrics.RecordRejection("identifiers")
		return models.InvalidSample("tenant_id and student_id are required")
	}
	if !(geo.Point{Lat: lat, Lon: lon}).Valid() {
		metrics.RecordRejection("coordinates")
		return models.InvalidSample("coordinates out of range: lat=%g lon=%g", lat, lon)
	}
	if accuracyM <= 0 {
		metrics.RecordRejection("accuracy")
		return models.InvalidSample("accuracy must be positive, got %gm", accuracyM)
	}
	if accuracyM > p.cfg.MaxAccuracyMeters {
		metrics.RecordRejection("accuracy")
		return models.InvalidSample("accuracy %gm above ceiling %gm", accuracyM, p.cfg.MaxAccuracyMeters)
	}
	if capturedAt.IsZero() {
		metrics.RecordRejection("timestamp")
		return models.InvalidSample("captured_at is required")
	}
	if capturedAt.After(time.Now().Add(p.cfg.ClockSkewTolerance)) {
		metrics.RecordRejection("future_timestamp")
		return models.InvalidSample("captured_at %s is in the future beyond skew tolerance",
			capturedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// persistTrace writes the trace with bounded retries behind the circuit
// breaker. Data is never silently dropped: the final failure surfaces as
// ErrPersistenceFailure.
func (p *Pipeline) persistTrace(ctx context.Context, trace *models.LocationTrace) (bool, error) {
	var lastErr error
	delay := p.cfg.RetryDelay

	for attempt := 0; attempt <= p.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, fmt.Errorf("%w: %v", models.ErrPersistenceFailure, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}

		inserted, err := p.breaker.Execute(func() (bool, error) {
			return p.traces.InsertTrace(ctx, trace)
		})
		if err == nil {
			return inserted, nil
		}
		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) {
			// No point hammering an open breaker.
			break
		}
		logging.Ctx(ctx).Warn().Err(err).
			Int("attempt", attempt+1).
			Str("student_id", trace.StudentID).
			Msg("Trace insert failed, retrying")
	}

	if errors.Is(lastErr, models.ErrPersistenceFailure) {
		return false, lastErr
	}
	return false, fmt.Errorf("%w: %v", models.ErrPersistenceFailure, lastErr)
}

// detectAndEmit classifies the stored trace and emits any committed
// transitions. Failures here never surface to the submitter; the trace is
// already durable and states self-heal on the next sample.
func (p *Pipeline) detectAndEmit(ctx context.Context, trace *models.LocationTrace) {
	detectCtx, cancel := context.WithTimeout(ctx, p.cfg.PipelineTimeout)
	defer cancel()

	containing, err := p.index.Classify(detectCtx, trace.TenantID, trace.Point())
	if err != nil {
		if errors.Is(err, models.ErrClassificationTimeout) {
			logging.Ctx(ctx).Warn().Err(err).
				Str("trace_id", trace.ID).
				Msg("Classification timed out, trace stored without events")
		} else {
			logging.Ctx(ctx).Error().Err(err).
				Str("trace_id", trace.ID).
				Msg("Classification failed, trace stored without events")
		}
		return
	}

	active, err := p.index.ActiveFences(detectCtx, trace.TenantID)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("Loading active fences failed")
		return
	}

	events, err := p.tracker.Process(detectCtx, trace, active, containing)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).
			Str("trace_id", trace.ID).
			Msg("Membership tracking failed")
		// Events committed before the failure still need to reach the log.
	}

	for _, event := range events {
		if err := p.appendEvent(detectCtx, event); err != nil {
			// The membership flip is already durable; a lost event here
			// would break the ENTER/EXIT alternation for the pair.
			logging.Ctx(ctx).Error().Err(err).
				Str("event_id", event.ID).
				Str("geofence_id", event.GeofenceID).
				Msg("Event log append failed after retries")
			continue
		}
		if p.bus != nil {
			if err := p.bus.Publish(detectCtx, event); err != nil {
				metrics.FanoutDrops.WithLabelValues("publish").Inc()
				logging.Ctx(ctx).Warn().Err(err).
					Str("event_id", event.ID).
					Msg("Event publish failed, subscribers reconcile from the log")
			}
		}
	}
}

// appendEvent writes one event with the same bounded retry schedule as
// the trace path. The tracker commits state before the log append, so
// the append must not give up on the first transient failure.
func (p *Pipeline) appendEvent(ctx context.Context, event *models.AttendanceEvent) error {
	var lastErr error
	delay := p.cfg.RetryDelay

	for attempt := 0; attempt <= p.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", models.ErrPersistenceFailure, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}

		if err := p.events.AppendEvent(ctx, event); err != nil {
			lastErr = err
			logging.Ctx(ctx).Warn().Err(err).
				Int("attempt", attempt+1).
				Str("event_id", event.ID).
				Msg("Event append failed, retrying")
			continue
		}
		return nil
	}

	return fmt.Errorf("%w: %v", models.ErrPersistenceFailure, lastErr)
}

// lastCaptured returns the newest accepted capture time for the student,
// loading it from storage on first touch so ordering survives restarts.
func (p *Pipeline) lastCaptured(ctx context.Context, tenantID, studentID string) (time.Time, error) {
	key := tenantID + "|" + studentID

	p.lastSeenMu.Lock()
	last, ok := p.lastSeen[key]
	p.lastSeenMu.Unlock()
	if ok {
		return last, nil
	}

	last, err := p.traces.LastCapturedAt(ctx, tenantID, studentID)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: loading last capture time: %v", models.ErrPersistenceFailure, err)
	}
	p.lastSeenMu.Lock()
	p.lastSeen[key] = last
	p.lastSeenMu.Unlock()
	return last, nil
}

func (p *Pipeline) rememberCapture(tenantID, studentID string, capturedAt time.Time) {
	p.lastSeenMu.Lock()
	p.lastSeen[tenantID+"|"+studentID] = capturedAt
	p.lastSeenMu.Unlock()
}

// allow checks the per-student rate limit.
func (p *Pipeline) allow(tenantID, studentID string) bool {
	if p.cfg.RatePerStudent <= 0 {
		return true
	}
	key := tenantID + "|" + studentID

	p.limitersMu.Lock()
	limiter, ok := p.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(p.cfg.RatePerStudent), p.cfg.RateBurst)
		p.limiters[key] = limiter
	}
	p.limitersMu.Unlock()
	return limiter.Allow()
}

func (p *Pipeline) lockFor(tenantID, studentID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(studentID))
	return &p.locks[h.Sum32()%uint32(len(p.locks))]
}
