// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package geo

import (
	"fmt"
	"math/rand"
	"testing"
)

func TestEmptyRTree(t *testing.T) {
	t.Parallel()

	tree := PackRTree(nil)
	if tree.Size() != 0 {
		t.Errorf("expected size 0, got %d", tree.Size())
	}
	tree.SearchPoint(Point{Lat: 48, Lon: 11}, func(Entry) bool {
		t.Error("empty tree must not visit entries")
		return true
	})
}

func TestRTreeSearchPoint(t *testing.T) {
	t.Parallel()

	entries := []Entry{
		{ID: "a", Rect: Rect{MinLat: 48.0, MinLon: 11.0, MaxLat: 48.1, MaxLon: 11.1}},
		{ID: "b", Rect: Rect{MinLat: 48.05, MinLon: 11.05, MaxLat: 48.15, MaxLon: 11.15}},
		{ID: "c", Rect: Rect{MinLat: 50.0, MinLon: 8.0, MaxLat: 50.1, MaxLon: 8.1}},
	}
	tree := PackRTree(entries)

	if tree.Size() != 3 {
		t.Fatalf("expected size 3, got %d", tree.Size())
	}

	hits := map[string]bool{}
	tree.SearchPoint(Point{Lat: 48.07, Lon: 11.07}, func(e Entry) bool {
		hits[e.ID] = true
		return true
	})

	if !hits["a"] || !hits["b"] {
		t.Errorf("expected hits on a and b, got %v", hits)
	}
	if hits["c"] {
		t.Error("entry c is far away and must not be hit")
	}
}

func TestRTreeEarlyStop(t *testing.T) {
	t.Parallel()

	entries := []Entry{
		{ID: "a", Rect: Rect{MinLat: 0, MinLon: 0, MaxLat: 1, MaxLon: 1}},
		{ID: "b", Rect: Rect{MinLat: 0, MinLon: 0, MaxLat: 1, MaxLon: 1}},
	}
	tree := PackRTree(entries)

	visits := 0
	tree.SearchPoint(Point{Lat: 0.5, Lon: 0.5}, func(Entry) bool {
		visits++
		return false
	})
	if visits != 1 {
		t.Errorf("expected search to stop after first visit, got %d visits", visits)
	}
}

// TestRTreeMatchesLinearScan cross-checks the packed tree against a brute
// force scan over randomized rects.
func TestRTreeMatchesLinearScan(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	entries := make([]Entry, 500)
	for i := range entries {
		lat := 47 + rng.Float64()*2
		lon := 10 + rng.Float64()*2
		entries[i] = Entry{
			ID: fmt.Sprintf("fence-%d", i),
			Rect: Rect{
				MinLat: lat, MinLon: lon,
				MaxLat: lat + rng.Float64()*0.01, MaxLon: lon + rng.Float64()*0.01,
			},
		}
	}
	tree := PackRTree(entries)

	for trial := 0; trial < 50; trial++ {
		p := Point{Lat: 47 + rng.Float64()*2, Lon: 10 + rng.Float64()*2}

		want := map[string]bool{}
		for _, e := range entries {
			if e.Rect.ContainsPoint(p) {
				want[e.ID] = true
			}
		}

		got := map[string]bool{}
		tree.SearchPoint(p, func(e Entry) bool {
			got[e.ID] = true
			return true
		})

		if len(got) != len(want) {
			t.Fatalf("trial %d: tree found %d entries, scan found %d", trial, len(got), len(want))
		}
		for id := range want {
			if !got[id] {
				t.Fatalf("trial %d: tree missed entry %s", trial, id)
			}
		}
	}
}

func TestRectIntersects(t *testing.T) {
	t.Parallel()

	base := Rect{MinLat: 0, MinLon: 0, MaxLat: 10, MaxLon: 10}

	tests := []struct {
		name string
		r    Rect
		want bool
	}{
		{"overlapping", Rect{MinLat: 5, MinLon: 5, MaxLat: 15, MaxLon: 15}, true},
		{"contained", Rect{MinLat: 2, MinLon: 2, MaxLat: 3, MaxLon: 3}, true},
		{"touching edge", Rect{MinLat: 10, MinLon: 0, MaxLat: 20, MaxLon: 10}, true},
		{"disjoint", Rect{MinLat: 20, MinLon: 20, MaxLat: 30, MaxLon: 30}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := base.Intersects(tt.r); got != tt.want {
				t.Errorf("Intersects(%+v) = %v, want %v", tt.r, got, tt.want)
			}
		})
	}
}
