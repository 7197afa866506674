// Package testutil builds synthetic building features for tests.
package testutil

import (
	"fmt"

	"github.com/featurepack/featurepack/pkg/types"
)

// Box returns a solid block footprint spanning b with the given height.
// The geometry is a closed Solid of six quadrilateral faces.
func Box(b types.BBox, height float64) types.Geometry {
	v := []types.Vertex{
		{X: b.MinX, Y: b.MinY, Z: 0},
		{X: b.MaxX, Y: b.MinY, Z: 0},
		{X: b.MaxX, Y: b.MaxY, Z: 0},
		{X: b.MinX, Y: b.MaxY, Z: 0},
		{X: b.MinX, Y: b.MinY, Z: height},
		{X: b.MaxX, Y: b.MinY, Z: height},
		{X: b.MaxX, Y: b.MaxY, Z: height},
		{X: b.MinX, Y: b.MaxY, Z: height},
	}
	faces := [][]uint32{
		{0, 3, 2, 1}, // floor
		{4, 5, 6, 7}, // roof
		{0, 1, 5, 4},
		{1, 2, 6, 5},
		{2, 3, 7, 6},
		{3, 0, 4, 7},
	}
	surfaces := make([]types.Surface, len(faces))
	for i, f := range faces {
		surfaces[i] = types.Surface{Rings: []types.Ring{f}}
	}
	return types.Geometry{
		Type:     types.GeometrySolid,
		LOD:      "2",
		SRID:     7415,
		Vertices: v,
		Surfaces: surfaces,
		Shells:   []uint32{uint32(len(surfaces))},
	}
}

// Footprint returns a flat polygon covering b.
func Footprint(b types.BBox) types.Geometry {
	return types.Geometry{
		Type: types.GeometryPolygon,
		SRID: 28992,
		Vertices: []types.Vertex{
			{X: b.MinX, Y: b.MinY},
			{X: b.MaxX, Y: b.MinY},
			{X: b.MaxX, Y: b.MaxY},
			{X: b.MinX, Y: b.MaxY},
		},
		Surfaces: []types.Surface{{Rings: []types.Ring{{0, 1, 2, 3}}}},
	}
}

// Building returns a feature with a block geometry and the attributes used by
// the pand collection: height, storeys and status.
func Building(id string, b types.BBox, height float64, storeys int, status string) *types.Feature {
	return &types.Feature{
		ID:       id,
		Geometry: Box(b, height),
		Attributes: []types.Attribute{
			{Name: "b3_h_dak_50p", Value: types.Number(height)},
			{Name: "b3_bouwlagen", Value: types.Number(float64(storeys))},
			{Name: "status", Value: types.String(status)},
			{Name: "monument", Value: types.Null()},
		},
	}
}

// Grid returns n buildings laid out on a square grid of 10x10 unit lots,
// with heights cycling 3..60 and storeys cycling 1..12.
func Grid(n int) []*types.Feature {
	side := 1
	for side*side < n {
		side++
	}
	out := make([]*types.Feature, 0, n)
	for i := 0; i < n; i++ {
		x := float64(i%side) * 10
		y := float64(i/side) * 10
		status := "Pand in gebruik"
		if i%7 == 0 {
			status = "Bouw gestart"
		}
		out = append(out, Building(
			fmt.Sprintf("NL.IMBAG.Pand.%016d", i),
			types.BBox{MinX: x, MinY: y, MaxX: x + 8, MaxY: y + 8},
			float64(3+i%58),
			1+i%12,
			status,
		))
	}
	return out
}
