package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"github.com/featurepack/featurepack/internal/crs"
	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/pkg/types"
)

// maxLine bounds a single CityJSONFeature line.
const maxLine = 64 << 20

type cityJSONHeader struct {
	Type      string `json:"type"`
	Transform *struct {
		Scale     [3]float64 `json:"scale"`
		Translate [3]float64 `json:"translate"`
	} `json:"transform"`
	Metadata struct {
		ReferenceSystem string `json:"referenceSystem"`
	} `json:"metadata"`
}

type cityJSONFeature struct {
	Type        string                        `json:"type"`
	ID          string                        `json:"id"`
	CityObjects map[string]cityJSONCityObject `json:"CityObjects"`
	Vertices    [][3]float64                  `json:"vertices"`
}

type cityJSONCityObject struct {
	Type       string          `json:"type"`
	Attributes json.RawMessage `json:"attributes"`
	Children   []string        `json:"children"`
	Geometry   []struct {
		Type       string          `json:"type"`
		LOD        json.RawMessage `json:"lod"`
		Boundaries json.RawMessage `json:"boundaries"`
	} `json:"geometry"`
}

// ReadCityJSONSeq streams a CityJSON text sequence: a CityJSON metadata line
// with the vertex transform, then one CityJSONFeature per line. Each
// feature takes the attributes of its parent city object and the first
// geometry found on the parent or, failing that, its children.
func ReadCityJSONSeq(r io.Reader, opts Options) iter.Seq2[*types.Feature, error] {
	return func(yield func(*types.Feature, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 1<<20), maxLine)

		var hdr *cityJSONHeader
		srid := opts.SRID
		line := 0
		for sc.Scan() {
			line++
			b := bytes.TrimSpace(sc.Bytes())
			if len(b) == 0 {
				continue
			}
			if hdr == nil {
				hdr = &cityJSONHeader{}
				if err := json.Unmarshal(b, hdr); err != nil || hdr.Type != "CityJSON" {
					yield(nil, fperrors.NewBuildFailed("cjseq: first line must be a CityJSON object", err))
					return
				}
				if srid == 0 && hdr.Metadata.ReferenceSystem != "" {
					code, err := crs.ParseCode(hdr.Metadata.ReferenceSystem)
					if err != nil {
						yield(nil, fperrors.NewBuildFailed("cjseq: reference system", err))
						return
					}
					srid = uint32(code)
				}
				continue
			}

			var cf cityJSONFeature
			if err := json.Unmarshal(b, &cf); err != nil {
				yield(nil, fperrors.NewBuildFailed(fmt.Sprintf("cjseq: line %d", line), err))
				return
			}
			f, err := convertCityJSON(&cf, hdr, srid, opts.LOD)
			if err != nil {
				yield(nil, fperrors.NewBuildFailed(fmt.Sprintf("cjseq: line %d: feature %q", line, cf.ID), err))
				return
			}
			if !yield(f, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(nil, fperrors.NewBuildFailed("cjseq: read input", err))
		}
	}
}

func convertCityJSON(cf *cityJSONFeature, hdr *cityJSONHeader, srid uint32, lod string) (*types.Feature, error) {
	if cf.Type != "CityJSONFeature" {
		return nil, fmt.Errorf("unexpected type %q", cf.Type)
	}
	parent, ok := cf.CityObjects[cf.ID]
	if !ok {
		return nil, fmt.Errorf("no city object with the feature id")
	}
	attrs, err := decodeAttributes(parent.Attributes)
	if err != nil {
		return nil, err
	}

	candidates := []cityJSONCityObject{parent}
	for _, child := range parent.Children {
		if obj, ok := cf.CityObjects[child]; ok {
			candidates = append(candidates, obj)
		}
	}

	scale := [3]float64{1, 1, 1}
	var translate [3]float64
	if hdr.Transform != nil {
		scale, translate = hdr.Transform.Scale, hdr.Transform.Translate
	}
	resolve := func(i int) (types.Vertex, error) {
		if i < 0 || i >= len(cf.Vertices) {
			return types.Vertex{}, fmt.Errorf("vertex index %d out of range", i)
		}
		v := cf.Vertices[i]
		return types.Vertex{
			X: v[0]*scale[0] + translate[0],
			Y: v[1]*scale[1] + translate[1],
			Z: v[2]*scale[2] + translate[2],
		}, nil
	}

	for _, obj := range candidates {
		for _, geom := range obj.Geometry {
			glod := lodString(geom.LOD)
			if lod != "" && glod != lod {
				continue
			}
			g, err := cityGeometry(geom.Type, geom.Boundaries, resolve)
			if err != nil {
				return nil, err
			}
			g.LOD = glod
			g.SRID = srid
			return &types.Feature{ID: cf.ID, Geometry: g, Attributes: attrs}, nil
		}
	}
	return nil, fmt.Errorf("no geometry")
}

// lodString accepts the numeric lod of CityJSON 1.0 and the string of later
// versions.
func lodString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func cityGeometry(kind string, boundaries json.RawMessage, resolve func(int) (types.Vertex, error)) (types.Geometry, error) {
	gt, err := types.ParseGeometryType(kind)
	if err != nil {
		return types.Geometry{}, err
	}
	g := types.Geometry{Type: gt}
	local := make(map[int]uint32)
	surface := func(rings [][]int) (types.Surface, error) {
		var s types.Surface
		for _, ring := range rings {
			r := make(types.Ring, 0, len(ring))
			for _, idx := range ring {
				li, ok := local[idx]
				if !ok {
					v, err := resolve(idx)
					if err != nil {
						return s, err
					}
					li = uint32(len(g.Vertices))
					g.Vertices = append(g.Vertices, v)
					local[idx] = li
				}
				r = append(r, li)
			}
			s.Rings = append(s.Rings, r)
		}
		return s, nil
	}

	switch gt {
	case types.GeometrySolid:
		var shells [][][][]int
		if err := json.Unmarshal(boundaries, &shells); err != nil {
			return g, fmt.Errorf("solid boundaries: %w", err)
		}
		for _, shell := range shells {
			for _, rings := range shell {
				s, err := surface(rings)
				if err != nil {
					return g, err
				}
				g.Surfaces = append(g.Surfaces, s)
			}
			g.Shells = append(g.Shells, uint32(len(shell)))
		}
	default:
		var surfaces [][][]int
		if err := json.Unmarshal(boundaries, &surfaces); err != nil {
			return g, fmt.Errorf("surface boundaries: %w", err)
		}
		for _, rings := range surfaces {
			s, err := surface(rings)
			if err != nil {
				return g, err
			}
			g.Surfaces = append(g.Surfaces, s)
		}
		if gt == types.GeometryPolygon {
			g.Type = types.GeometryMultiSurface
		}
	}
	return g, nil
}
