package format

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/featurepack/featurepack/pkg/types"
)

// geoJSONEncoder writes a GeoJSON FeatureCollection. Solids and multi
// surfaces are written as MultiPolygon with 3D positions.
type geoJSONEncoder struct {
	buf   []byte
	count int
}

func (e *geoJSONEncoder) ContentType() string { return "application/geo+json" }

func (e *geoJSONEncoder) EncodeHeader(w io.Writer, h Header) error {
	_, err := io.WriteString(w, `{"type":"FeatureCollection","features":[`)
	return err
}

func (e *geoJSONEncoder) EncodeFeature(w io.Writer, f *types.Feature) error {
	e.buf = e.buf[:0]
	if e.count > 0 {
		e.buf = append(e.buf, ',')
	}
	e.buf = appendGeoJSONFeature(e.buf, f)
	e.count++
	_, err := w.Write(e.buf)
	return err
}

func (e *geoJSONEncoder) EncodeFooter(w io.Writer, f Footer) error {
	links := f.Links
	if links == nil {
		links = []Link{}
	}
	l, err := json.Marshal(links)
	if err != nil {
		return err
	}
	b := strconv.AppendInt([]byte(`],"numberReturned":`), int64(f.NumberReturned), 10)
	b = append(b, `,"links":`...)
	b = append(b, l...)
	b = append(b, '}')
	_, err = w.Write(b)
	return err
}

// WriteItem writes the single-feature response {"id": ..., "feature": ...}.
func WriteItem(w io.Writer, f *types.Feature) error {
	b := append([]byte(`{"id":`), appendString(nil, f.ID)...)
	b = append(b, `,"feature":`...)
	b = appendGeoJSONFeature(b, f)
	b = append(b, '}')
	_, err := w.Write(b)
	return err
}

func appendGeoJSONFeature(b []byte, f *types.Feature) []byte {
	b = append(b, `{"type":"Feature","id":`...)
	b = appendString(b, f.ID)
	b = append(b, `,"geometry":`...)
	b = appendGeoJSONGeometry(b, &f.Geometry)
	b = append(b, `,"properties":`...)
	b = appendAttributes(b, f.Attributes)
	return append(b, '}')
}

func appendGeoJSONGeometry(b []byte, g *types.Geometry) []byte {
	if len(g.Surfaces) == 0 {
		return append(b, "null"...)
	}
	if g.Type == types.GeometryPolygon {
		b = append(b, `{"type":"Polygon","coordinates":`...)
		b = appendPolygon(b, g.Vertices, g.Surfaces[0])
		return append(b, '}')
	}
	b = append(b, `{"type":"MultiPolygon","coordinates":[`...)
	for i, s := range g.Surfaces {
		if i > 0 {
			b = append(b, ',')
		}
		b = appendPolygon(b, g.Vertices, s)
	}
	return append(b, "]}"...)
}

// appendPolygon writes the rings of a surface, closing each one.
func appendPolygon(b []byte, verts []types.Vertex, s types.Surface) []byte {
	b = append(b, '[')
	for i, r := range s.Rings {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '[')
		for j := 0; j <= len(r); j++ {
			if j > 0 {
				b = append(b, ',')
			}
			v := verts[r[j%len(r)]]
			b = append(b, '[')
			b = appendFloat(b, v.X)
			b = append(b, ',')
			b = appendFloat(b, v.Y)
			b = append(b, ',')
			b = appendFloat(b, v.Z)
			b = append(b, ']')
		}
		b = append(b, ']')
	}
	return append(b, ']')
}
