// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package geo

import (
	"fmt"
	"math"
)

// ShapeKind discriminates the geofence shape variants.
type ShapeKind string

const (
	ShapeCircle  ShapeKind = "circle"
	ShapePolygon ShapeKind = "polygon"
)

// Shape is a geofence boundary: a circle (center plus radius) or a polygon
// ring. The zero fields of the inactive variant stay empty, so the struct
// serializes as a tagged union.
type Shape struct {
	Kind ShapeKind `json:"kind"`

	// Circle fields.
	Center  Point   `json:"center,omitempty"`
	RadiusM float64 `json:"radius_m,omitempty"`

	// Polygon fields. Vertices form a ring; the closing edge from the last
	// vertex back to the first is implicit.
	Vertices []Point `json:"vertices,omitempty"`
}

// NewCircle builds a circular shape.
func NewCircle(center Point, radiusM float64) Shape {
	return Shape{Kind: ShapeCircle, Center: center, RadiusM: radiusM}
}

// NewPolygon builds a polygon shape from a vertex ring.
func NewPolygon(vertices []Point) Shape {
	return Shape{Kind: ShapePolygon, Vertices: vertices}
}

// Validate checks the shape's structural invariants.
func (s Shape) Validate() error {
	switch s.Kind {
	case ShapeCircle:
		if !s.Center.Valid() {
			return fmt.Errorf("circle center out of range: %+v", s.Center)
		}
		if s.RadiusM <= 0 || math.IsNaN(s.RadiusM) {
			return fmt.Errorf("circle radius must be positive, got %g", s.RadiusM)
		}
	case ShapePolygon:
		if len(s.Vertices) < 3 {
			return fmt.Errorf("polygon needs at least 3 vertices, got %d", len(s.Vertices))
		}
		for i, v := range s.Vertices {
			if !v.Valid() {
				return fmt.Errorf("polygon vertex %d out of range: %+v", i, v)
			}
		}
	default:
		return fmt.Errorf("unknown shape kind %q", s.Kind)
	}
	return nil
}

// Contains reports whether p lies inside or on the boundary of the shape.
func (s Shape) Contains(p Point) bool {
	switch s.Kind {
	case ShapeCircle:
		return HaversineMeters(s.Center, p) <= s.RadiusM
	case ShapePolygon:
		return polygonContains(s.Vertices, p)
	default:
		return false
	}
}

// BoundaryDistance returns the distance in meters from p to the shape's
// boundary, regardless of which side of it p lies on.
func (s Shape) BoundaryDistance(p Point) float64 {
	switch s.Kind {
	case ShapeCircle:
		return math.Abs(HaversineMeters(s.Center, p) - s.RadiusM)
	case ShapePolygon:
		min := math.Inf(1)
		n := len(s.Vertices)
		for i := 0; i < n; i++ {
			d := pointToSegmentMeters(p, s.Vertices[i], s.Vertices[(i+1)%n])
			if d < min {
				min = d
			}
		}
		return min
	default:
		return math.Inf(1)
	}
}

// BoundingBox returns the minimal lat/lon rect covering the shape.
func (s Shape) BoundingBox() Rect {
	switch s.Kind {
	case ShapeCircle:
		dLat := s.RadiusM / metersPerDegreeLat
		cosLat := math.Cos(s.Center.Lat * math.Pi / 180)
		dLon := dLat
		if cosLat > 1e-9 {
			dLon = s.RadiusM / (metersPerDegreeLat * cosLat)
		}
		return Rect{
			MinLat: s.Center.Lat - dLat, MinLon: s.Center.Lon - dLon,
			MaxLat: s.Center.Lat + dLat, MaxLon: s.Center.Lon + dLon,
		}
	case ShapePolygon:
		r := emptyRect()
		for _, v := range s.Vertices {
			r = r.extend(pointRect(v))
		}
		return r
	default:
		return Rect{}
	}
}

// onSegmentEpsilonM is how close (in meters) a point must be to a polygon
// edge to count as on the boundary.
const onSegmentEpsilonM = 1e-6

// polygonContains runs a ray cast in lat/lon space, treating points on the
// boundary as inside.
func polygonContains(vertices []Point, p Point) bool {
	n := len(vertices)
	if n < 3 {
		return false
	}

	for i := 0; i < n; i++ {
		if pointToSegmentMeters(p, vertices[i], vertices[(i+1)%n]) <= onSegmentEpsilonM {
			return true
		}
	}

	// Standard even-odd ray cast toward +lon.
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := vertices[i], vertices[j]
		if (vi.Lat > p.Lat) != (vj.Lat > p.Lat) {
			crossLon := vj.Lon + (p.Lat-vj.Lat)/(vi.Lat-vj.Lat)*(vi.Lon-vj.Lon)
			if p.Lon < crossLon {
				inside = !inside
			}
		}
	}
	return inside
}
