// Package mesh triangulates the planar polygon faces of feature geometries
// for mesh export. Faces are projected onto their dominant plane and
// triangulated by ear clipping; holes are bridged into the exterior ring
// first.
package mesh

import (
	"fmt"
	"math"
	"sort"

	"github.com/featurepack/featurepack/pkg/types"
)

// Triangle is three indices into the geometry vertex list, wound like the
// ring it was cut from.
type Triangle [3]uint32

// Triangulate triangulates every surface of g.
func Triangulate(g *types.Geometry) ([]Triangle, error) {
	var out []Triangle
	for i, s := range g.Surfaces {
		tris, err := Surface(g.Vertices, s)
		if err != nil {
			return nil, fmt.Errorf("surface %d: %w", i, err)
		}
		out = append(out, tris...)
	}
	return out, nil
}

type point struct {
	idx  uint32
	u, v float64
}

// Surface triangulates one surface: the first ring is the exterior, the rest
// are holes. Degenerate (zero area) surfaces produce no triangles.
func Surface(verts []types.Vertex, s types.Surface) ([]Triangle, error) {
	if len(s.Rings) == 0 {
		return nil, nil
	}
	for ri, r := range s.Rings {
		for _, idx := range r {
			if int(idx) >= len(verts) {
				return nil, fmt.Errorf("ring %d references vertex %d of %d", ri, idx, len(verts))
			}
		}
	}
	exterior := s.Rings[0]
	if len(exterior) < 3 {
		return nil, nil
	}
	if len(s.Rings) == 1 && len(exterior) == 3 {
		return []Triangle{{exterior[0], exterior[1], exterior[2]}}, nil
	}

	proj := projection(verts, exterior)
	outer := project(verts, exterior, proj)
	reversed := signedArea(outer) < 0
	if reversed {
		reverse(outer)
	}

	var holes [][]point
	for _, r := range s.Rings[1:] {
		if len(r) < 3 {
			continue
		}
		h := project(verts, r, proj)
		if signedArea(h) > 0 {
			reverse(h)
		}
		holes = append(holes, h)
	}
	poly := bridge(outer, holes)
	tris := clip(poly)

	// The projection keeps the exterior counter-clockwise, so triangles share
	// its winding unless the ring had to be reversed.
	if reversed {
		for i := range tris {
			tris[i][1], tris[i][2] = tris[i][2], tris[i][1]
		}
	}
	return tris, nil
}

// plane selects the two coordinates kept when projecting a face. flip mirrors
// the first so faces with a negative dominant normal keep their handedness.
type plane struct {
	drop int
	flip bool
}

// projection picks the axis-aligned plane onto which the ring projects with
// the largest area, using the Newell normal.
func projection(verts []types.Vertex, ring types.Ring) plane {
	var nx, ny, nz float64
	for i := range ring {
		a := verts[ring[i]]
		b := verts[ring[(i+1)%len(ring)]]
		nx += (a.Y - b.Y) * (a.Z + b.Z)
		ny += (a.Z - b.Z) * (a.X + b.X)
		nz += (a.X - b.X) * (a.Y + b.Y)
	}
	ax, ay, az := math.Abs(nx), math.Abs(ny), math.Abs(nz)
	switch {
	case az >= ax && az >= ay:
		return plane{drop: 2, flip: nz < 0}
	case ax >= ay:
		return plane{drop: 0, flip: nx < 0}
	default:
		return plane{drop: 1, flip: ny < 0}
	}
}

func project(verts []types.Vertex, ring types.Ring, p plane) []point {
	pts := make([]point, len(ring))
	for i, idx := range ring {
		v := verts[idx]
		var u, w float64
		switch p.drop {
		case 0:
			u, w = v.Y, v.Z
		case 1:
			u, w = v.Z, v.X
		default:
			u, w = v.X, v.Y
		}
		if p.flip {
			u = -u
		}
		pts[i] = point{idx: idx, u: u, v: w}
	}
	return pts
}

func signedArea(pts []point) float64 {
	var a float64
	for i := range pts {
		j := (i + 1) % len(pts)
		a += pts[i].u*pts[j].v - pts[j].u*pts[i].v
	}
	return a / 2
}

func reverse(pts []point) {
	for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
		pts[i], pts[j] = pts[j], pts[i]
	}
}

func cross(o, a, b point) float64 {
	return (a.u-o.u)*(b.v-o.v) - (a.v-o.v)*(b.u-o.u)
}

func same(a, b point) bool { return a.u == b.u && a.v == b.v }

// bridge merges the clockwise holes into the counter-clockwise outer ring by
// connecting each hole's rightmost vertex to a visible outer vertex. Holes are
// merged right to left so later bridges cannot cross earlier ones.
func bridge(outer []point, holes [][]point) []point {
	type hole struct {
		pts []point
		m   int
	}
	hs := make([]hole, len(holes))
	for i, h := range holes {
		m := 0
		for j := range h {
			if h[j].u > h[m].u || (h[j].u == h[m].u && h[j].v < h[m].v) {
				m = j
			}
		}
		hs[i] = hole{pts: h, m: m}
	}
	sort.SliceStable(hs, func(i, j int) bool { return hs[i].pts[hs[i].m].u > hs[j].pts[hs[j].m].u })

	poly := outer
	for _, h := range hs {
		m := h.pts[h.m]
		p := visible(poly, m)
		merged := make([]point, 0, len(poly)+len(h.pts)+2)
		merged = append(merged, poly[:p+1]...)
		for k := 0; k <= len(h.pts); k++ {
			merged = append(merged, h.pts[(h.m+k)%len(h.pts)])
		}
		merged = append(merged, poly[p])
		merged = append(merged, poly[p+1:]...)
		poly = merged
	}
	return poly
}

// visible returns the index of an outer vertex that m can be connected to
// without crossing an edge.
func visible(poly []point, m point) int {
	best := -1
	bestX := math.Inf(1)
	var hit point
	for i := range poly {
		a, b := poly[i], poly[(i+1)%len(poly)]
		if a.v == b.v || m.v < math.Min(a.v, b.v) || m.v > math.Max(a.v, b.v) {
			continue
		}
		x := a.u + (m.v-a.v)*(b.u-a.u)/(b.v-a.v)
		if x < m.u || x >= bestX {
			continue
		}
		bestX = x
		hit = point{u: x, v: m.v}
		if a.u > b.u {
			best = i
		} else {
			best = (i + 1) % len(poly)
		}
		if x == a.u && m.v == a.v {
			best = i
		} else if x == b.u && m.v == b.v {
			best = (i + 1) % len(poly)
		}
	}
	if best < 0 {
		return nearest(poly, m)
	}
	if same(poly[best], hit) {
		return best
	}

	// Vertices inside the triangle (m, hit, candidate) could block the view;
	// take the one with the smallest angle to the ray.
	cand := poly[best]
	bestCos := -2.0
	choice := best
	for i, r := range poly {
		if i == best || same(r, m) || !insideTriangle(m, hit, cand, r) {
			continue
		}
		du, dv := r.u-m.u, r.v-m.v
		c := du / math.Hypot(du, dv)
		if c > bestCos {
			bestCos = c
			choice = i
		}
	}
	return choice
}

func nearest(poly []point, m point) int {
	best, bestD := 0, math.Inf(1)
	for i, p := range poly {
		d := math.Hypot(p.u-m.u, p.v-m.v)
		if d < bestD {
			best, bestD = i, d
		}
	}
	return best
}

// insideTriangle reports whether p lies inside or on the triangle abc of
// either orientation.
func insideTriangle(a, b, c, p point) bool {
	d1 := cross(a, b, p)
	d2 := cross(b, c, p)
	d3 := cross(c, a, p)
	neg := d1 < 0 || d2 < 0 || d3 < 0
	pos := d1 > 0 || d2 > 0 || d3 > 0
	return !(neg && pos)
}

// clip runs ear clipping over a counter-clockwise polygon.
func clip(poly []point) []Triangle {
	n := len(poly)
	if n < 3 {
		return nil
	}
	prev := make([]int, n)
	next := make([]int, n)
	for i := range poly {
		prev[i] = (i + n - 1) % n
		next[i] = (i + 1) % n
	}

	tris := make([]Triangle, 0, n-2)
	remaining := n
	i := 0
	stalled := 0
	for remaining > 3 {
		a, b, c := poly[prev[i]], poly[i], poly[next[i]]
		area := cross(a, b, c)
		switch {
		case degenerate(a, b, c, area):
			// Collinear or doubled back: removing b changes no area.
		case area > 0 && isEar(poly, next, prev[i], i, next[i]):
			tris = append(tris, Triangle{a.idx, b.idx, c.idx})
		case stalled >= remaining:
			// No ear left, which only happens on self-intersecting input.
			// Cut the vertex anyway so the loop terminates.
			if area > 0 {
				tris = append(tris, Triangle{a.idx, b.idx, c.idx})
			}
		default:
			i = next[i]
			stalled++
			continue
		}
		next[prev[i]] = next[i]
		prev[next[i]] = prev[i]
		remaining--
		stalled = 0
		i = prev[i]
	}
	a, b, c := poly[prev[i]], poly[i], poly[next[i]]
	if area := cross(a, b, c); area > 0 && !degenerate(a, b, c, area) {
		tris = append(tris, Triangle{a.idx, b.idx, c.idx})
	}
	return tris
}

func degenerate(a, b, c point, area float64) bool {
	la := math.Hypot(b.u-a.u, b.v-a.v)
	lc := math.Hypot(c.u-b.u, c.v-b.v)
	return math.Abs(area) <= 1e-12*la*lc || same(a, b) || same(b, c)
}

// isEar reports whether no other vertex of the remaining polygon lies inside
// the triangle (a, b, c). Vertices coinciding with a corner, as bridge
// duplicates do, are ignored.
func isEar(poly []point, next []int, ia, ib, ic int) bool {
	a, b, c := poly[ia], poly[ib], poly[ic]
	for j := next[ic]; j != ia; j = next[j] {
		p := poly[j]
		if same(p, a) || same(p, b) || same(p, c) {
			continue
		}
		if insideTriangle(a, b, c, p) {
			return false
		}
	}
	return true
}
