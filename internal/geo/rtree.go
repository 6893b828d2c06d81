// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package geo

import "sort"

// rtreeMaxFill is the node fan-out of the packed R-tree.
const rtreeMaxFill = 16

// Entry is one indexed bounding box. ID carries the geofence identifier so
// callers can map hits back to their own records.
type Entry struct {
	Rect Rect
	ID   string
}

// RTree is a static, bulk-loaded R-tree over geofence bounding boxes. It is
// built once per classifier snapshot and then only read, so it carries no
// locking; rebuilds produce a fresh tree.
type RTree struct {
	root *rtreeNode
	size int
}

type rtreeNode struct {
	rect     Rect
	leaf     bool
	children []*rtreeNode
	entries  []Entry
}

// PackRTree bulk-loads entries into an R-tree using sort-tile-recursive
// packing. A nil tree is returned for an empty input.
func PackRTree(entries []Entry) *RTree {
	if len(entries) == 0 {
		return &RTree{}
	}
	leaves := packLeaves(entries)
	root := packUpward(leaves)
	return &RTree{root: root, size: len(entries)}
}

// Size returns the number of indexed entries.
func (t *RTree) Size() int {
	return t.size
}

// SearchPoint visits every entry whose bounding box contains p. The visit
// function returns false to stop early.
func (t *RTree) SearchPoint(p Point, visit func(Entry) bool) {
	if t.root == nil {
		return
	}
	t.search(t.root, pointRect(p), visit)
}

// Search visits every entry whose bounding box intersects r.
func (t *RTree) Search(r Rect, visit func(Entry) bool) {
	if t.root == nil {
		return
	}
	t.search(t.root, r, visit)
}

func (t *RTree) search(n *rtreeNode, r Rect, visit func(Entry) bool) bool {
	if !n.rect.Intersects(r) {
		return true
	}
	if n.leaf {
		for _, e := range n.entries {
			if e.Rect.Intersects(r) {
				if !visit(e) {
					return false
				}
			}
		}
		return true
	}
	for _, child := range n.children {
		if !t.search(child, r, visit) {
			return false
		}
	}
	return true
}

// packLeaves tiles the entries into leaf nodes: sort by center longitude,
// cut into vertical slices, sort each slice by center latitude, chunk.
func packLeaves(entries []Entry) []*rtreeNode {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Rect.center().Lon < sorted[j].Rect.center().Lon
	})

	sliceSize := stripSize(len(sorted))
	var leaves []*rtreeNode
	for start := 0; start < len(sorted); start += sliceSize {
		end := min(start+sliceSize, len(sorted))
		strip := sorted[start:end]
		sort.Slice(strip, func(i, j int) bool {
			return strip[i].Rect.center().Lat < strip[j].Rect.center().Lat
		})
		for s := 0; s < len(strip); s += rtreeMaxFill {
			e := min(s+rtreeMaxFill, len(strip))
			leaf := &rtreeNode{leaf: true, entries: strip[s:e], rect: emptyRect()}
			for _, entry := range leaf.entries {
				leaf.rect = leaf.rect.extend(entry.Rect)
			}
			leaves = append(leaves, leaf)
		}
	}
	return leaves
}

// packUpward builds internal levels until a single root remains.
func packUpward(nodes []*rtreeNode) *rtreeNode {
	for len(nodes) > 1 {
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].rect.center().Lon < nodes[j].rect.center().Lon
		})
		sliceSize := stripSize(len(nodes))

		var parents []*rtreeNode
		for start := 0; start < len(nodes); start += sliceSize {
			end := min(start+sliceSize, len(nodes))
			strip := nodes[start:end]
			sort.Slice(strip, func(i, j int) bool {
				return strip[i].rect.center().Lat < strip[j].rect.center().Lat
			})
			for s := 0; s < len(strip); s += rtreeMaxFill {
				e := min(s+rtreeMaxFill, len(strip))
				parent := &rtreeNode{children: strip[s:e], rect: emptyRect()}
				for _, child := range parent.children {
					parent.rect = parent.rect.extend(child.rect)
				}
				parents = append(parents, parent)
			}
		}
		nodes = parents
	}
	return nodes[0]
}

// stripSize returns the vertical slice width for STR packing of n items.
func stripSize(n int) int {
	nodeCount := (n + rtreeMaxFill - 1) / rtreeMaxFill
	strips := 1
	for strips*strips < nodeCount {
		strips++
	}
	size := ((nodeCount + strips - 1) / strips) * rtreeMaxFill
	if size < 1 {
		size = 1
	}
	return size
}
