// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

// Package classifier answers point-in-geofence queries against per-tenant
// spatial index snapshots. Snapshots are immutable and swapped atomically,
// so concurrent classification never blocks on a rebuild.
package classifier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/praesentia/praesentia/internal/geo"
	"github.com/praesentia/praesentia/internal/logging"
	"github.com/praesentia/praesentia/internal/metrics"
	"github.com/praesentia/praesentia/internal/models"
)

// GeofenceSource loads the active geofences of a tenant; the database layer
// implements it.
type GeofenceSource interface {
	ListGeofences(ctx context.Context, tenantID string, activeOnly bool) ([]*models.Geofence, error)
}

// snapshot is one immutable spatial index over a tenant's active geofences.
type snapshot struct {
	tree    *geo.RTree
	fences  map[string]*models.Geofence
	builtAt time.Time
}

// tenantIndex holds the current snapshot of one tenant. The pointer is nil
// after invalidation; rebuildMu serializes rebuilds so concurrent misses
// trigger only one load.
type tenantIndex struct {
	snap      atomic.Pointer[snapshot]
	rebuildMu sync.Mutex
}

// Classifier maps points to the geofences containing them.
type Classifier struct {
	source GeofenceSource

	mu      sync.Mutex
	tenants map[string]*tenantIndex
}

// New creates a classifier over the given geofence source.
func New(source GeofenceSource) *Classifier {
	return &Classifier{
		source:  source,
		tenants: make(map[string]*tenantIndex),
	}
}

// Classify returns the tenant's active geofences containing p, ordered by
// geofence ID for deterministic output. The index prunes by bounding box
// before running exact containment.
func (c *Classifier) Classify(ctx context.Context, tenantID string, p geo.Point) ([]*models.Geofence, error) {
	start := time.Now()

	snap, err := c.snapshotFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var hits []*models.Geofence
	snap.tree.SearchPoint(p, func(e geo.Entry) bool {
		if err := ctx.Err(); err != nil {
			return false
		}
		fence := snap.fences[e.ID]
		if fence != nil && fence.Shape.Contains(p) {
			hits = append(hits, fence)
		}
		return true
	})
	if err := ctx.Err(); err != nil {
		metrics.ClassifyTimeouts.Inc()
		return nil, fmt.Errorf("%w: %v", models.ErrClassificationTimeout, err)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })
	metrics.ClassifyDuration.Observe(time.Since(start).Seconds())
	return hits, nil
}

// ActiveFences returns the tenant's active geofences keyed by ID, from the
// same snapshot classification uses. Callers must treat the map as
// read-only; it is shared with concurrent readers.
func (c *Classifier) ActiveFences(ctx context.Context, tenantID string) (map[string]*models.Geofence, error) {
	snap, err := c.snapshotFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return snap.fences, nil
}

// Invalidate drops the tenant's snapshot. The next classification rebuilds
// it from storage. Call after every geofence mutation.
func (c *Classifier) Invalidate(tenantID string) {
	c.mu.Lock()
	idx, ok := c.tenants[tenantID]
	c.mu.Unlock()
	if ok {
		idx.snap.Store(nil)
		logging.Debug().Str("tenant_id", tenantID).Msg("Classifier snapshot invalidated")
	}
}

// snapshotFor returns the tenant's current snapshot, building it when
// missing.
func (c *Classifier) snapshotFor(ctx context.Context, tenantID string) (*snapshot, error) {
	idx := c.index(tenantID)

	if snap := idx.snap.Load(); snap != nil {
		return snap, nil
	}

	idx.rebuildMu.Lock()
	defer idx.rebuildMu.Unlock()

	// Another goroutine may have rebuilt while we waited.
	if snap := idx.snap.Load(); snap != nil {
		return snap, nil
	}

	snap, err := c.build(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	idx.snap.Store(snap)
	metrics.SnapshotRebuilds.WithLabelValues("lazy").Inc()
	metrics.SnapshotGeofences.WithLabelValues(tenantID).Set(float64(len(snap.fences)))
	return snap, nil
}

func (c *Classifier) index(tenantID string) *tenantIndex {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.tenants[tenantID]
	if !ok {
		idx = &tenantIndex{}
		c.tenants[tenantID] = idx
	}
	return idx
}

func (c *Classifier) build(ctx context.Context, tenantID string) (*snapshot, error) {
	start := time.Now()

	fences, err := c.source.ListGeofences(ctx, tenantID, true)
	if err != nil {
		return nil, fmt.Errorf("loading geofences for snapshot: %w", err)
	}

	byID := make(map[string]*models.Geofence, len(fences))
	entries := make([]geo.Entry, 0, len(fences))
	for _, fence := range fences {
		byID[fence.ID] = fence
		entries = append(entries, geo.Entry{ID: fence.ID, Rect: fence.Shape.BoundingBox()})
	}

	logging.Ctx(ctx).Debug().
		Str("tenant_id", tenantID).
		Int("geofences", len(fences)).
		Dur("build_time", time.Since(start)).
		Msg("Classifier snapshot built")

	return &snapshot{
		tree:    geo.PackRTree(entries),
		fences:  byID,
		builtAt: time.Now(),
	}, nil
}
