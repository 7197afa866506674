package mesh

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featurepack/featurepack/pkg/types"
)

type vec struct{ x, y, z float64 }

func sub(a, b types.Vertex) vec { return vec{a.X - b.X, a.Y - b.Y, a.Z - b.Z} }

func crossVec(a, b vec) vec {
	return vec{a.y*b.z - a.z*b.y, a.z*b.x - a.x*b.z, a.x*b.y - a.y*b.x}
}

func dot(a, b vec) float64 { return a.x*b.x + a.y*b.y + a.z*b.z }

func norm(a vec) float64 { return math.Sqrt(dot(a, a)) }

func triNormal(verts []types.Vertex, t Triangle) vec {
	return crossVec(sub(verts[t[1]], verts[t[0]]), sub(verts[t[2]], verts[t[0]]))
}

func triArea(verts []types.Vertex, tris []Triangle) float64 {
	var a float64
	for _, t := range tris {
		a += norm(triNormal(verts, t)) / 2
	}
	return a
}

// ringNormal is the Newell normal; its length is twice the ring area.
func ringNormal(verts []types.Vertex, r types.Ring) vec {
	var n vec
	for i := range r {
		a, b := verts[r[i]], verts[r[(i+1)%len(r)]]
		n.x += (a.Y - b.Y) * (a.Z + b.Z)
		n.y += (a.Z - b.Z) * (a.X + b.X)
		n.z += (a.X - b.X) * (a.Y + b.Y)
	}
	return n
}

func assertWinding(t *testing.T, verts []types.Vertex, ring types.Ring, tris []Triangle) {
	t.Helper()
	n := ringNormal(verts, ring)
	for _, tri := range tris {
		assert.Greater(t, dot(n, triNormal(verts, tri)), 0.0, "triangle %v flips the face", tri)
	}
}

func TestSquare(t *testing.T) {
	verts := []types.Vertex{{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0}}
	s := types.Surface{Rings: []types.Ring{{0, 1, 2, 3}}}

	tris, err := Surface(verts, s)
	require.NoError(t, err)
	assert.Len(t, tris, 2)
	assert.InDelta(t, 1.0, triArea(verts, tris), 1e-12)
	assertWinding(t, verts, s.Rings[0], tris)
}

func TestClockwiseRingKeepsWinding(t *testing.T) {
	verts := []types.Vertex{{0, 0, 5}, {0, 2, 5}, {3, 2, 5}, {3, 0, 5}}
	s := types.Surface{Rings: []types.Ring{{0, 1, 2, 3}}}

	tris, err := Surface(verts, s)
	require.NoError(t, err)
	assert.Len(t, tris, 2)
	assert.InDelta(t, 6.0, triArea(verts, tris), 1e-12)
	assertWinding(t, verts, s.Rings[0], tris)
}

func TestConcave(t *testing.T) {
	// L shape.
	verts := []types.Vertex{{0, 0, 0}, {2, 0, 0}, {2, 1, 0}, {1, 1, 0}, {1, 2, 0}, {0, 2, 0}}
	s := types.Surface{Rings: []types.Ring{{0, 1, 2, 3, 4, 5}}}

	tris, err := Surface(verts, s)
	require.NoError(t, err)
	assert.Len(t, tris, 4)
	assert.InDelta(t, 3.0, triArea(verts, tris), 1e-12)
	assertWinding(t, verts, s.Rings[0], tris)
}

func TestHole(t *testing.T) {
	verts := []types.Vertex{
		{0, 0, 0}, {4, 0, 0}, {4, 4, 0}, {0, 4, 0},
		{1, 1, 0}, {1, 3, 0}, {3, 3, 0}, {3, 1, 0},
	}
	s := types.Surface{Rings: []types.Ring{{0, 1, 2, 3}, {4, 5, 6, 7}}}

	tris, err := Surface(verts, s)
	require.NoError(t, err)
	assert.Len(t, tris, 8)
	assert.InDelta(t, 12.0, triArea(verts, tris), 1e-9)
	assertWinding(t, verts, s.Rings[0], tris)
}

func TestTwoHoles(t *testing.T) {
	verts := []types.Vertex{
		{0, 0, 0}, {10, 0, 0}, {10, 4, 0}, {0, 4, 0},
		{1, 1, 0}, {1, 3, 0}, {3, 3, 0}, {3, 1, 0},
		{6, 1, 0}, {6, 3, 0}, {8, 3, 0}, {8, 1, 0},
	}
	s := types.Surface{Rings: []types.Ring{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9, 10, 11}}}

	tris, err := Surface(verts, s)
	require.NoError(t, err)
	assert.InDelta(t, 40.0-4-4, triArea(verts, tris), 1e-9)
	assertWinding(t, verts, s.Rings[0], tris)
}

func TestVerticalWall(t *testing.T) {
	// A wall in the x-z plane with a window.
	verts := []types.Vertex{
		{0, 5, 0}, {4, 5, 0}, {4, 5, 3}, {0, 5, 3},
		{1, 5, 1}, {1, 5, 2}, {2, 5, 2}, {2, 5, 1},
	}
	s := types.Surface{Rings: []types.Ring{{0, 1, 2, 3}, {4, 5, 6, 7}}}

	tris, err := Surface(verts, s)
	require.NoError(t, err)
	assert.InDelta(t, 11.0, triArea(verts, tris), 1e-9)
	assertWinding(t, verts, s.Rings[0], tris)
}

func TestCollinearVertex(t *testing.T) {
	verts := []types.Vertex{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}, {2, 2, 0}, {0, 2, 0}}
	s := types.Surface{Rings: []types.Ring{{0, 1, 2, 3, 4}}}

	tris, err := Surface(verts, s)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, triArea(verts, tris), 1e-12)
	for _, tri := range tris {
		assert.Greater(t, norm(triNormal(verts, tri)), 0.0, "no zero-area triangles")
	}
}

func TestDegenerate(t *testing.T) {
	verts := []types.Vertex{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}}
	tris, err := Surface(verts, types.Surface{Rings: []types.Ring{{0, 1, 2, 0}}})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, triArea(verts, tris), 1e-12)

	_, err = Surface(verts, types.Surface{Rings: []types.Ring{{0, 1, 7}}})
	assert.Error(t, err)
}

func TestTriangulateSolid(t *testing.T) {
	// Unit cube, outward normals.
	verts := []types.Vertex{
		{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
		{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
	}
	g := &types.Geometry{
		Type:     types.GeometrySolid,
		Vertices: verts,
		Surfaces: []types.Surface{
			{Rings: []types.Ring{{0, 3, 2, 1}}},
			{Rings: []types.Ring{{4, 5, 6, 7}}},
			{Rings: []types.Ring{{0, 1, 5, 4}}},
			{Rings: []types.Ring{{1, 2, 6, 5}}},
			{Rings: []types.Ring{{2, 3, 7, 6}}},
			{Rings: []types.Ring{{3, 0, 4, 7}}},
		},
		Shells: []uint32{6},
	}
	tris, err := Triangulate(g)
	require.NoError(t, err)
	assert.Len(t, tris, 12)
	assert.InDelta(t, 6.0, triArea(verts, tris), 1e-12)

	// Outward normals point away from the cube center.
	for _, tri := range tris {
		n := triNormal(verts, tri)
		c := types.Vertex{
			X: (verts[tri[0]].X+verts[tri[1]].X+verts[tri[2]].X)/3 - 0.5,
			Y: (verts[tri[0]].Y+verts[tri[1]].Y+verts[tri[2]].Y)/3 - 0.5,
			Z: (verts[tri[0]].Z+verts[tri[1]].Z+verts[tri[2]].Z)/3 - 0.5,
		}
		assert.Greater(t, dot(n, vec{c.X, c.Y, c.Z}), 0.0)
	}
}

func TestProperty_StarPolygons(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// Star-shaped polygons with alternating radii are concave for most
	// inputs; triangulation must cover exactly their area.
	properties.Property("triangle count is n-2 and area is preserved", prop.ForAll(
		func(n int, r1, r2, rot, tilt float64) bool {
			verts := make([]types.Vertex, n)
			ring := make(types.Ring, n)
			for i := 0; i < n; i++ {
				r := r1
				if i%2 == 1 {
					r = r2
				}
				a := rot + 2*math.Pi*float64(i)/float64(n)
				x, y := r*math.Cos(a), r*math.Sin(a)
				// Tilt the plane around the x axis.
				verts[i] = types.Vertex{X: x, Y: y * math.Cos(tilt), Z: y * math.Sin(tilt)}
				ring[i] = uint32(i)
			}
			tris, err := Surface(verts, types.Surface{Rings: []types.Ring{ring}})
			if err != nil || len(tris) != n-2 {
				return false
			}
			want := norm(ringNormal(verts, ring)) / 2
			if math.Abs(triArea(verts, tris)-want) > 1e-6*want {
				return false
			}
			n0 := ringNormal(verts, ring)
			for _, tri := range tris {
				if dot(n0, triNormal(verts, tri)) <= 0 {
					return false
				}
			}
			return true
		},
		gen.IntRange(3, 40),
		gen.Float64Range(1, 100),
		gen.Float64Range(1, 100),
		gen.Float64Range(0, 2*math.Pi),
		gen.Float64Range(-1.4, 1.4),
	))

	properties.TestingRun(t)
}
