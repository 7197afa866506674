package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"

	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/pkg/types"
)

type geoJSONFeature struct {
	Type       string          `json:"type"`
	ID         json.RawMessage `json:"id"`
	Geometry   *geoJSONGeom    `json:"geometry"`
	Properties json.RawMessage `json:"properties"`
}

type geoJSONGeom struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// ReadGeoJSON streams the features of a GeoJSON FeatureCollection. The
// features array is decoded one element at a time.
func ReadGeoJSON(r io.Reader, opts Options) iter.Seq2[*types.Feature, error] {
	return func(yield func(*types.Feature, error) bool) {
		fail := func(msg string, err error) {
			yield(nil, fperrors.NewBuildFailed(msg, err))
		}

		dec := json.NewDecoder(r)
		if err := expectDelim(dec, '{'); err != nil {
			fail("geojson: expected a FeatureCollection object", err)
			return
		}
		n := 0
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				fail("geojson: malformed document", err)
				return
			}
			if tok != "features" {
				var skip json.RawMessage
				if err := dec.Decode(&skip); err != nil {
					fail("geojson: malformed document", err)
					return
				}
				continue
			}
			if err := expectDelim(dec, '['); err != nil {
				fail("geojson: features must be an array", err)
				return
			}
			for dec.More() {
				var gf geoJSONFeature
				if err := dec.Decode(&gf); err != nil {
					fail(fmt.Sprintf("geojson: feature %d", n), err)
					return
				}
				f, err := convertGeoJSON(&gf, opts)
				if err != nil {
					fail(fmt.Sprintf("geojson: feature %d", n), err)
					return
				}
				n++
				if !yield(f, nil) {
					return
				}
			}
			if _, err := dec.Token(); err != nil {
				fail("geojson: malformed features array", err)
				return
			}
		}
	}
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func convertGeoJSON(gf *geoJSONFeature, opts Options) (*types.Feature, error) {
	attrs, err := decodeAttributes(gf.Properties)
	if err != nil {
		return nil, err
	}
	id, err := decodeID(gf.ID)
	if err != nil {
		return nil, err
	}
	if id == "" && opts.IDProperty != "" {
		for _, a := range attrs {
			if a.Name == opts.IDProperty {
				if s, ok := a.Value.AsString(); ok {
					id = s
				} else if !a.Value.IsNull() {
					id = a.Value.String()
				}
				break
			}
		}
	}
	if gf.Geometry == nil {
		return nil, fmt.Errorf("feature %q has no geometry", id)
	}

	g := types.Geometry{SRID: opts.SRID}
	vt := newVertexTable()
	switch gf.Geometry.Type {
	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(gf.Geometry.Coordinates, &rings); err != nil {
			return nil, fmt.Errorf("polygon coordinates: %w", err)
		}
		s, err := geoJSONSurface(vt, rings)
		if err != nil {
			return nil, err
		}
		g.Type = types.GeometryPolygon
		g.Surfaces = []types.Surface{s}
	case "MultiPolygon":
		var polys [][][][]float64
		if err := json.Unmarshal(gf.Geometry.Coordinates, &polys); err != nil {
			return nil, fmt.Errorf("multipolygon coordinates: %w", err)
		}
		for _, rings := range polys {
			s, err := geoJSONSurface(vt, rings)
			if err != nil {
				return nil, err
			}
			g.Surfaces = append(g.Surfaces, s)
		}
		g.Type = types.GeometryMultiSurface
	default:
		return nil, fmt.Errorf("unsupported geometry type %q", gf.Geometry.Type)
	}
	g.Vertices = vt.vertices

	return &types.Feature{ID: id, Geometry: g, Attributes: attrs}, nil
}

// geoJSONSurface converts closed position rings; the repeated closing
// position is dropped.
func geoJSONSurface(vt *vertexTable, rings [][][]float64) (types.Surface, error) {
	var s types.Surface
	for ri, ring := range rings {
		if len(ring) > 1 && samePosition(ring[0], ring[len(ring)-1]) {
			ring = ring[:len(ring)-1]
		}
		r := make(types.Ring, 0, len(ring))
		for _, pos := range ring {
			if len(pos) < 2 || len(pos) > 3 {
				return s, fmt.Errorf("ring %d: position must have 2 or 3 coordinates", ri)
			}
			v := types.Vertex{X: pos[0], Y: pos[1]}
			if len(pos) == 3 {
				v.Z = pos[2]
			}
			r = append(r, vt.add(v))
		}
		s.Rings = append(s.Rings, r)
	}
	return s, nil
}

func samePosition(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
