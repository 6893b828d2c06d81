// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

// Package geo provides the geometric primitives behind geofence
// classification: WGS84 points, great-circle distances, circle and polygon
// containment, and a static R-tree for bounding-box pruning.
package geo

import "math"

// earthRadiusM is the mean Earth radius in meters.
const earthRadiusM = 6371000.0

// metersPerDegreeLat is the approximate north-south extent of one degree of
// latitude, used for local planar approximations.
const metersPerDegreeLat = earthRadiusM * math.Pi / 180.0

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point is a legal WGS84 coordinate.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180 &&
		!math.IsNaN(p.Lat) && !math.IsNaN(p.Lon)
}

// HaversineMeters returns the great-circle distance between two points in
// meters.
func HaversineMeters(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Rect is an axis-aligned bounding box in lat/lon space.
type Rect struct {
	MinLat, MinLon float64
	MaxLat, MaxLon float64
}

// emptyRect sorts before any real rect when extending.
func emptyRect() Rect {
	return Rect{
		MinLat: math.Inf(1), MinLon: math.Inf(1),
		MaxLat: math.Inf(-1), MaxLon: math.Inf(-1),
	}
}

// ContainsPoint reports whether p lies inside or on the rect.
func (r Rect) ContainsPoint(p Point) bool {
	return p.Lat >= r.MinLat && p.Lat <= r.MaxLat &&
		p.Lon >= r.MinLon && p.Lon <= r.MaxLon
}

// Intersects reports whether the two rects overlap (shared edges count).
func (r Rect) Intersects(o Rect) bool {
	return r.MinLat <= o.MaxLat && r.MaxLat >= o.MinLat &&
		r.MinLon <= o.MaxLon && r.MaxLon >= o.MinLon
}

// extend grows r to cover o.
func (r Rect) extend(o Rect) Rect {
	return Rect{
		MinLat: math.Min(r.MinLat, o.MinLat),
		MinLon: math.Min(r.MinLon, o.MinLon),
		MaxLat: math.Max(r.MaxLat, o.MaxLat),
		MaxLon: math.Max(r.MaxLon, o.MaxLon),
	}
}

// center returns the rect midpoint, used for STR packing.
func (r Rect) center() Point {
	return Point{Lat: (r.MinLat + r.MaxLat) / 2, Lon: (r.MinLon + r.MaxLon) / 2}
}

// pointRect returns a degenerate rect covering a single point.
func pointRect(p Point) Rect {
	return Rect{MinLat: p.Lat, MinLon: p.Lon, MaxLat: p.Lat, MaxLon: p.Lon}
}

// localMeters projects q into a planar meter coordinate system centered on
// origin. Accurate for the sub-kilometer extents geofences have.
func localMeters(origin, q Point) (x, y float64) {
	metersPerDegreeLon := metersPerDegreeLat * math.Cos(origin.Lat*math.Pi/180)
	x = (q.Lon - origin.Lon) * metersPerDegreeLon
	y = (q.Lat - origin.Lat) * metersPerDegreeLat
	return x, y
}

// pointToSegmentMeters returns the distance in meters from p to the segment
// ab, using a local planar projection around p.
func pointToSegmentMeters(p, a, b Point) float64 {
	ax, ay := localMeters(p, a)
	bx, by := localMeters(p, b)

	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(ax, ay)
	}

	// Projection parameter of the origin (p) onto ab, clamped to the segment.
	t := -(ax*dx + ay*dy) / lenSq
	t = math.Max(0, math.Min(1, t))

	cx, cy := ax+t*dx, ay+t*dy
	return math.Hypot(cx, cy)
}
