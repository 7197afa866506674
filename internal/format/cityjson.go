package format

import (
	"io"
	"math"
	"strconv"

	"github.com/featurepack/featurepack/internal/crs"
	"github.com/featurepack/featurepack/pkg/types"
)

const (
	cityJSONVersion = "2.0"
	// vertexScale quantizes coordinates to millimetres.
	vertexScale = 0.001
)

// transform is the CityJSON vertex compression: real = int*scale + translate.
type transform struct {
	translate [3]float64
}

func newTransform(h Header) transform {
	var t transform
	if h.Extent != nil && !h.Extent.IsEmpty() {
		t.translate = [3]float64{h.Extent.MinX, h.Extent.MinY, 0}
	}
	return t
}

func (t transform) quantize(v types.Vertex) [3]int64 {
	return [3]int64{
		int64(math.Round((v.X - t.translate[0]) / vertexScale)),
		int64(math.Round((v.Y - t.translate[1]) / vertexScale)),
		int64(math.Round((v.Z - t.translate[2]) / vertexScale)),
	}
}

func (t transform) appendJSON(b []byte) []byte {
	b = append(b, `"transform":{"scale":[`...)
	for i := 0; i < 3; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = appendFloat(b, vertexScale)
	}
	b = append(b, `],"translate":[`...)
	for i, c := range t.translate {
		if i > 0 {
			b = append(b, ',')
		}
		b = appendFloat(b, c)
	}
	return append(b, "]}"...)
}

func appendVertex(b []byte, q [3]int64) []byte {
	b = append(b, '[')
	b = strconv.AppendInt(b, q[0], 10)
	b = append(b, ',')
	b = strconv.AppendInt(b, q[1], 10)
	b = append(b, ',')
	b = strconv.AppendInt(b, q[2], 10)
	return append(b, ']')
}

func objectType(h Header) string {
	if h.ObjectType == "" {
		return DefaultObjectType
	}
	return h.ObjectType
}

// appendCityObject writes one city object whose boundaries index the vertex
// list starting at base.
func appendCityObject(b []byte, objType string, f *types.Feature, base int) []byte {
	b = append(b, `{"type":`...)
	b = appendString(b, objType)
	b = append(b, `,"attributes":`...)
	b = appendAttributes(b, f.Attributes)
	b = append(b, `,"geometry":[`...)
	if len(f.Geometry.Surfaces) > 0 {
		b = appendCityGeometry(b, &f.Geometry, base)
	}
	return append(b, "]}"...)
}

func appendCityGeometry(b []byte, g *types.Geometry, base int) []byte {
	kind := "MultiSurface"
	if g.Type == types.GeometrySolid {
		kind = "Solid"
	}
	b = append(b, `{"type":"`...)
	b = append(b, kind...)
	b = append(b, '"')
	if g.LOD != "" {
		b = append(b, `,"lod":`...)
		b = appendString(b, g.LOD)
	}
	b = append(b, `,"boundaries":`...)
	if g.Type == types.GeometrySolid {
		b = append(b, '[')
		for i, r := range g.ShellRanges() {
			if i > 0 {
				b = append(b, ',')
			}
			b = appendSurfaces(b, g.Surfaces[r[0]:r[1]], base)
		}
		b = append(b, ']')
	} else {
		b = appendSurfaces(b, g.Surfaces, base)
	}
	return append(b, '}')
}

func appendSurfaces(b []byte, surfaces []types.Surface, base int) []byte {
	b = append(b, '[')
	for i, s := range surfaces {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '[')
		for j, r := range s.Rings {
			if j > 0 {
				b = append(b, ',')
			}
			b = append(b, '[')
			for k, idx := range r {
				if k > 0 {
					b = append(b, ',')
				}
				b = strconv.AppendInt(b, int64(base)+int64(idx), 10)
			}
			b = append(b, ']')
		}
		b = append(b, ']')
	}
	return append(b, ']')
}

func appendReferenceSystem(b []byte, code int) []byte {
	b = append(b, `"referenceSystem":`...)
	return appendString(b, crs.URI(code))
}

// cityJSONEncoder writes one CityJSON document. City objects are streamed;
// the shared vertex list can only follow them, so the quantized vertices are
// held until the footer.
type cityJSONEncoder struct {
	tr       transform
	objType  string
	crs      int
	buf      []byte
	count    int
	vertices [][3]int64
	extent   [6]float64
}

func (e *cityJSONEncoder) ContentType() string { return "application/city+json" }

func (e *cityJSONEncoder) EncodeHeader(w io.Writer, h Header) error {
	e.tr = newTransform(h)
	e.objType = objectType(h)
	e.crs = h.CRS
	e.extent = [6]float64{math.Inf(1), math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1), math.Inf(-1)}

	b := append([]byte(nil), `{"type":"CityJSON","version":"`+cityJSONVersion+`",`...)
	b = e.tr.appendJSON(b)
	b = append(b, `,"CityObjects":{`...)
	_, err := w.Write(b)
	return err
}

func (e *cityJSONEncoder) EncodeFeature(w io.Writer, f *types.Feature) error {
	e.buf = e.buf[:0]
	if e.count > 0 {
		e.buf = append(e.buf, ',')
	}
	e.buf = appendString(e.buf, f.ID)
	e.buf = append(e.buf, ':')
	e.buf = appendCityObject(e.buf, e.objType, f, len(e.vertices))
	for _, v := range f.Geometry.Vertices {
		e.vertices = append(e.vertices, e.tr.quantize(v))
		e.extent[0] = math.Min(e.extent[0], v.X)
		e.extent[1] = math.Min(e.extent[1], v.Y)
		e.extent[2] = math.Min(e.extent[2], v.Z)
		e.extent[3] = math.Max(e.extent[3], v.X)
		e.extent[4] = math.Max(e.extent[4], v.Y)
		e.extent[5] = math.Max(e.extent[5], v.Z)
	}
	e.count++
	_, err := w.Write(e.buf)
	return err
}

func (e *cityJSONEncoder) EncodeFooter(w io.Writer, _ Footer) error {
	if _, err := io.WriteString(w, `},"vertices":[`); err != nil {
		return err
	}
	for i, q := range e.vertices {
		e.buf = e.buf[:0]
		if i > 0 {
			e.buf = append(e.buf, ',')
		}
		e.buf = appendVertex(e.buf, q)
		if _, err := w.Write(e.buf); err != nil {
			return err
		}
	}
	b := append([]byte(nil), `],"metadata":{`...)
	if e.crs != 0 {
		b = appendReferenceSystem(b, e.crs)
		if len(e.vertices) > 0 {
			b = append(b, ',')
		}
	}
	if len(e.vertices) > 0 {
		b = append(b, `"geographicalExtent":[`...)
		for i, c := range e.extent {
			if i > 0 {
				b = append(b, ',')
			}
			b = appendFloat(b, c)
		}
		b = append(b, ']')
	}
	b = append(b, "}}"...)
	_, err := w.Write(b)
	return err
}

// cjseqEncoder writes CityJSON Text Sequences: a metadata line followed by
// one self-contained CityJSONFeature per line. Memory use does not depend on
// the number of features.
type cjseqEncoder struct {
	tr      transform
	objType string
	buf     []byte
}

func (e *cjseqEncoder) ContentType() string { return "application/city+json-seq" }

func (e *cjseqEncoder) EncodeHeader(w io.Writer, h Header) error {
	e.tr = newTransform(h)
	e.objType = objectType(h)

	b := append([]byte(nil), `{"type":"CityJSON","version":"`+cityJSONVersion+`",`...)
	b = e.tr.appendJSON(b)
	b = append(b, `,"CityObjects":{},"vertices":[],"metadata":{`...)
	if h.CRS != 0 {
		b = appendReferenceSystem(b, h.CRS)
	}
	b = append(b, "}}\n"...)
	_, err := w.Write(b)
	return err
}

func (e *cjseqEncoder) EncodeFeature(w io.Writer, f *types.Feature) error {
	b := append(e.buf[:0], `{"type":"CityJSONFeature","id":`...)
	b = appendString(b, f.ID)
	b = append(b, `,"CityObjects":{`...)
	b = appendString(b, f.ID)
	b = append(b, ':')
	b = appendCityObject(b, e.objType, f, 0)
	b = append(b, `},"vertices":[`...)
	for i, v := range f.Geometry.Vertices {
		if i > 0 {
			b = append(b, ',')
		}
		b = appendVertex(b, e.tr.quantize(v))
	}
	b = append(b, "]}\n"...)
	e.buf = b
	_, err := w.Write(b)
	return err
}

func (e *cjseqEncoder) EncodeFooter(io.Writer, Footer) error { return nil }
