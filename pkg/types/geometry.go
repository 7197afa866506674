package types

import "fmt"

// GeometryType is the boundary representation kind of a feature geometry.
type GeometryType uint8

const (
	GeometryPolygon GeometryType = iota + 1
	GeometryMultiSurface
	GeometrySolid
)

// String returns the CityJSON name of the geometry type.
func (t GeometryType) String() string {
	switch t {
	case GeometryPolygon:
		return "Polygon"
	case GeometryMultiSurface:
		return "MultiSurface"
	case GeometrySolid:
		return "Solid"
	default:
		return "Unknown"
	}
}

// ParseGeometryType maps a CityJSON/GeoJSON type name to a GeometryType.
// CompositeSurface is stored as MultiSurface.
func ParseGeometryType(s string) (GeometryType, error) {
	switch s {
	case "Polygon":
		return GeometryPolygon, nil
	case "MultiSurface", "CompositeSurface", "MultiPolygon":
		return GeometryMultiSurface, nil
	case "Solid":
		return GeometrySolid, nil
	default:
		return 0, fmt.Errorf("unsupported geometry type %q", s)
	}
}

// Vertex is a 3D coordinate. Z is zero for 2D input.
type Vertex struct {
	X, Y, Z float64
}

// Ring is a closed ring given as indices into Geometry.Vertices.
// The closing vertex is implicit and not repeated.
type Ring []uint32

// Surface is a planar polygon: the first ring is the exterior, the rest are holes.
type Surface struct {
	Rings []Ring
}

// Geometry is a boundary representation sharing one vertex list.
// For solids, Shells partitions Surfaces into consecutive runs: shell i owns
// Shells[i] surfaces. The first shell is the exterior one.
type Geometry struct {
	Type     GeometryType
	LOD      string
	SRID     uint32
	Vertices []Vertex
	Surfaces []Surface
	Shells   []uint32
}

// BBox computes the 2D bounding box of all vertices.
func (g *Geometry) BBox() BBox {
	b := EmptyBBox()
	for _, v := range g.Vertices {
		b = b.ExtendPoint(v.X, v.Y)
	}
	return b
}

// Validate checks that every ring references existing vertices and that the
// shell partition of a solid covers its surfaces exactly.
func (g *Geometry) Validate() error {
	if g.Type < GeometryPolygon || g.Type > GeometrySolid {
		return fmt.Errorf("invalid geometry type %d", g.Type)
	}
	if len(g.Vertices) == 0 {
		return fmt.Errorf("geometry has no vertices")
	}
	if g.Type == GeometryPolygon && len(g.Surfaces) != 1 {
		return fmt.Errorf("polygon must have exactly one surface, got %d", len(g.Surfaces))
	}
	n := uint32(len(g.Vertices))
	for si, s := range g.Surfaces {
		if len(s.Rings) == 0 {
			return fmt.Errorf("surface %d has no rings", si)
		}
		for ri, r := range s.Rings {
			if len(r) < 3 {
				return fmt.Errorf("surface %d ring %d has %d vertices, need at least 3", si, ri, len(r))
			}
			for _, idx := range r {
				if idx >= n {
					return fmt.Errorf("surface %d ring %d references vertex %d of %d", si, ri, idx, n)
				}
			}
		}
	}
	if g.Type == GeometrySolid && len(g.Shells) > 0 {
		var total uint32
		for _, c := range g.Shells {
			total += c
		}
		if int(total) != len(g.Surfaces) {
			return fmt.Errorf("solid shells cover %d surfaces, geometry has %d", total, len(g.Surfaces))
		}
	}
	return nil
}

// ShellRanges returns [start, end) surface ranges per shell. Non-solids and
// solids without an explicit partition report one shell spanning all surfaces.
func (g *Geometry) ShellRanges() [][2]int {
	if g.Type != GeometrySolid || len(g.Shells) == 0 {
		return [][2]int{{0, len(g.Surfaces)}}
	}
	ranges := make([][2]int, 0, len(g.Shells))
	start := 0
	for _, c := range g.Shells {
		ranges = append(ranges, [2]int{start, start + int(c)})
		start += int(c)
	}
	return ranges
}
