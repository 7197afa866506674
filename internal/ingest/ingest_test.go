package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/pkg/types"
)

const featureCollection = `{
  "type": "FeatureCollection",
  "name": "pand",
  "features": [
    {
      "type": "Feature",
      "id": "NL.IMBAG.Pand.0001",
      "properties": {"status": "Pand in gebruik", "bouwjaar": 1932, "monument": false, "note": null},
      "geometry": {"type": "Polygon", "coordinates": [[[0,0],[10,0],[10,10],[0,10],[0,0]]]}
    },
    {
      "type": "Feature",
      "properties": {"identificatie": "NL.IMBAG.Pand.0002", "bouwjaar": 2001},
      "geometry": {"type": "MultiPolygon", "coordinates": [
        [[[20,0,1],[30,0,1],[30,10,1],[20,10,1],[20,0,1]]],
        [[[30,0,1],[40,0,1],[40,10,1],[30,10,1],[30,0,1]]]
      ]}
    },
    {
      "type": "Feature",
      "id": 3,
      "properties": {},
      "geometry": {"type": "Polygon", "coordinates": [
        [[0,0],[9,0],[9,9],[0,9],[0,0]],
        [[3,3],[6,3],[6,6],[3,6],[3,3]]
      ]}
    }
  ],
  "crs": {"type": "name"}
}`

func TestReadGeoJSON(t *testing.T) {
	features, err := Collect(ReadGeoJSON(strings.NewReader(featureCollection), Options{
		IDProperty: "identificatie",
		SRID:       28992,
	}))
	require.NoError(t, err)
	require.Len(t, features, 3)

	f := features[0]
	assert.Equal(t, "NL.IMBAG.Pand.0001", f.ID)
	assert.Equal(t, types.GeometryPolygon, f.Geometry.Type)
	assert.Equal(t, uint32(28992), f.Geometry.SRID)
	require.Len(t, f.Geometry.Surfaces, 1)
	assert.Equal(t, types.Ring{0, 1, 2, 3}, f.Geometry.Surfaces[0].Rings[0])
	assert.Len(t, f.Geometry.Vertices, 4)
	require.NoError(t, f.Geometry.Validate())

	names := make([]string, len(f.Attributes))
	for i, a := range f.Attributes {
		names[i] = a.Name
	}
	assert.Equal(t, []string{"status", "bouwjaar", "monument", "note"}, names)
	year, _ := f.Attr("bouwjaar")
	n, ok := year.AsNumber()
	require.True(t, ok)
	assert.Equal(t, 1932.0, n)
	note, _ := f.Attr("note")
	assert.True(t, note.IsNull())

	f = features[1]
	assert.Equal(t, "NL.IMBAG.Pand.0002", f.ID)
	assert.Equal(t, types.GeometryMultiSurface, f.Geometry.Type)
	require.Len(t, f.Geometry.Surfaces, 2)
	assert.Len(t, f.Geometry.Vertices, 6, "shared positions are stored once")
	assert.Equal(t, 1.0, f.Geometry.Vertices[0].Z)
	assert.Equal(t, types.BBox{MinX: 20, MinY: 0, MaxX: 40, MaxY: 10}, f.BBox())

	f = features[2]
	assert.Equal(t, "3", f.ID)
	require.Len(t, f.Geometry.Surfaces[0].Rings, 2)
	assert.Empty(t, f.Attributes)
}

func TestReadGeoJSONErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not an object", `[1,2]`},
		{"nested property", `{"features":[{"id":"a","properties":{"x":{"y":1}},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1]]]}}]}`},
		{"array property", `{"features":[{"id":"a","properties":{"x":[1]},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1]]]}}]}`},
		{"point", `{"features":[{"id":"a","geometry":{"type":"Point","coordinates":[0,0]}}]}`},
		{"missing geometry", `{"features":[{"id":"a","properties":{}}]}`},
		{"bad position", `{"features":[{"id":"a","geometry":{"type":"Polygon","coordinates":[[[0],[1,0],[1,1]]]}}]}`},
		{"truncated", `{"features":[{"id":"a"`},
		{"duplicate property", `{"features":[{"id":"a","properties":{"status":"old","status":"new"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1]]]}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Collect(ReadGeoJSON(strings.NewReader(tt.doc), Options{}))
			require.Error(t, err)
			assert.True(t, errors.Is(err, fperrors.ErrBuildFailed), "got %v", err)
		})
	}
}

func TestReadGeoJSONStopsEarly(t *testing.T) {
	n := 0
	for f, err := range ReadGeoJSON(strings.NewReader(featureCollection), Options{}) {
		require.NoError(t, err)
		require.NotNil(t, f)
		n++
		break
	}
	assert.Equal(t, 1, n)
}

const citySeq = `{"type":"CityJSON","version":"2.0","transform":{"scale":[0.001,0.001,0.001],"translate":[1000,2000,0]},"metadata":{"referenceSystem":"https://www.opengis.net/def/crs/EPSG/0/7415"},"CityObjects":{},"vertices":[]}
{"type":"CityJSONFeature","id":"NL.IMBAG.Pand.0001","CityObjects":{"NL.IMBAG.Pand.0001":{"type":"Building","attributes":{"status":"Pand in gebruik","b3_h_maaiveld":-0.5},"children":["NL.IMBAG.Pand.0001-0"]},"NL.IMBAG.Pand.0001-0":{"type":"BuildingPart","parents":["NL.IMBAG.Pand.0001"],"geometry":[{"type":"Solid","lod":"2.2","boundaries":[[[[0,1,2,3]],[[4,7,6,5]],[[0,4,5,1]],[[1,5,6,2]],[[2,6,7,3]],[[3,7,4,0]]]]}]}},"vertices":[[0,0,0],[1000,0,0],[1000,1000,0],[0,1000,0],[0,0,3000],[1000,0,3000],[1000,1000,3000],[0,1000,3000],[5,5,5]]}

{"type":"CityJSONFeature","id":"NL.IMBAG.Pand.0002","CityObjects":{"NL.IMBAG.Pand.0002":{"type":"Building","attributes":{"status":"Verbouwing pand"},"geometry":[{"type":"MultiSurface","lod":0,"boundaries":[[[3,2,1,0]]]},{"type":"MultiSurface","lod":1,"boundaries":[[[0,1,2,3]]]}]}},"vertices":[[0,0,0],[2000,0,0],[2000,2000,0],[0,2000,0]]}
`

func TestReadCityJSONSeq(t *testing.T) {
	features, err := Collect(ReadCityJSONSeq(strings.NewReader(citySeq), Options{}))
	require.NoError(t, err)
	require.Len(t, features, 2)

	f := features[0]
	assert.Equal(t, "NL.IMBAG.Pand.0001", f.ID)
	assert.Equal(t, types.GeometrySolid, f.Geometry.Type)
	assert.Equal(t, "2.2", f.Geometry.LOD)
	assert.Equal(t, uint32(7415), f.Geometry.SRID)
	assert.Equal(t, []uint32{6}, f.Geometry.Shells)
	assert.Len(t, f.Geometry.Surfaces, 6)
	assert.Len(t, f.Geometry.Vertices, 8, "unreferenced vertices are dropped")
	require.NoError(t, f.Geometry.Validate())
	assert.InDelta(t, 1000.0, f.Geometry.Vertices[0].X, 1e-9)
	assert.InDelta(t, 2001.0, f.Geometry.Vertices[2].Y, 1e-9)
	assert.InDelta(t, 3.0, f.Geometry.Vertices[f.Geometry.Surfaces[1].Rings[0][0]].Z, 1e-9)

	h, ok := f.Attr("b3_h_maaiveld")
	require.True(t, ok)
	n, _ := h.AsNumber()
	assert.Equal(t, -0.5, n)

	f = features[1]
	assert.Equal(t, types.GeometryMultiSurface, f.Geometry.Type)
	assert.Equal(t, "0", f.Geometry.LOD, "first geometry is kept")
	assert.Equal(t, types.Ring{0, 1, 2, 3}, f.Geometry.Surfaces[0].Rings[0])
	assert.InDelta(t, 2002.0, f.Geometry.Vertices[0].Y, 1e-9)
}

func TestReadCityJSONSeqLOD(t *testing.T) {
	features, err := Collect(ReadCityJSONSeq(strings.NewReader(citySeq), Options{LOD: "1", SRID: 28992}))
	require.Error(t, err, "first feature has no lod 1 geometry")
	assert.Nil(t, features)

	lines := strings.Split(citySeq, "\n")
	doc := lines[0] + "\n" + lines[3] + "\n"
	features, err = Collect(ReadCityJSONSeq(strings.NewReader(doc), Options{LOD: "1", SRID: 28992}))
	require.NoError(t, err)
	require.Len(t, features, 1)
	assert.Equal(t, "1", features[0].Geometry.LOD)
	assert.Equal(t, uint32(28992), features[0].Geometry.SRID)
}

func TestReadCityJSONSeqErrors(t *testing.T) {
	header := `{"type":"CityJSON","transform":{"scale":[1,1,1],"translate":[0,0,0]}}`
	tests := []struct {
		name string
		doc  string
	}{
		{"no header", `{"type":"CityJSONFeature","id":"a","CityObjects":{},"vertices":[]}`},
		{"missing parent", header + "\n" + `{"type":"CityJSONFeature","id":"a","CityObjects":{"b":{"type":"Building"}},"vertices":[]}`},
		{"vertex out of range", header + "\n" + `{"type":"CityJSONFeature","id":"a","CityObjects":{"a":{"type":"Building","geometry":[{"type":"MultiSurface","boundaries":[[[0,1,7]]]}]}},"vertices":[[0,0,0],[1,0,0]]}`},
		{"unsupported geometry", header + "\n" + `{"type":"CityJSONFeature","id":"a","CityObjects":{"a":{"type":"Building","geometry":[{"type":"MultiPoint","boundaries":[0]}]}},"vertices":[[0,0,0]]}`},
		{"nested attribute", header + "\n" + `{"type":"CityJSONFeature","id":"a","CityObjects":{"a":{"type":"Building","attributes":{"x":{"y":1}},"geometry":[{"type":"MultiSurface","boundaries":[[[0,1,2]]]}]}},"vertices":[[0,0,0],[1,0,0],[1,1,0]]}`},
		{"no geometry", header + "\n" + `{"type":"CityJSONFeature","id":"a","CityObjects":{"a":{"type":"Building"}},"vertices":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Collect(ReadCityJSONSeq(strings.NewReader(tt.doc), Options{}))
			require.Error(t, err)
			assert.True(t, errors.Is(err, fperrors.ErrBuildFailed), "got %v", err)
		})
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	gj := filepath.Join(dir, "pand.geojson")
	require.NoError(t, os.WriteFile(gj, []byte(featureCollection), 0o644))
	seq := filepath.Join(dir, "pand.city.jsonl")
	require.NoError(t, os.WriteFile(seq, []byte(citySeq), 0o644))

	features, err := ReadFile(gj, Options{})
	require.NoError(t, err)
	assert.Len(t, features, 3)

	features, err = ReadFile(seq, Options{})
	require.NoError(t, err)
	assert.Len(t, features, 2)

	_, err = ReadFile(filepath.Join(dir, "missing.geojson"), Options{})
	assert.True(t, errors.Is(err, fperrors.ErrBuildFailed))

	_, err = Collect(Read(strings.NewReader(""), Options{Format: "shp"}))
	assert.True(t, errors.Is(err, fperrors.ErrBuildFailed))
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatCJSeq, DetectFormat("/data/tile.city.jsonl"))
	assert.Equal(t, FormatCJSeq, DetectFormat("tile.CJSEQ"))
	assert.Equal(t, FormatGeoJSON, DetectFormat("pand.geojson"))
	assert.Equal(t, FormatGeoJSON, DetectFormat("pand.json"))
}
