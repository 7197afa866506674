package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/featurepack/featurepack/pkg/types"
)

// Record layout, little endian:
//
//	header   u32 body length | u32 murmur3 checksum of body
//	body     bbox 4*f64
//	         id (uvarint len + bytes)
//	         attributes (uvarint count, then name + kind byte + payload)
//	         geometry (type u8, srid u32, lod, vertices 3*f64, shells, surfaces)
//
// The attribute block precedes the geometry so a summary read can stop early.
const HeaderSize = 8

var (
	errShortBuffer = errors.New("short buffer")
	errTrailing    = errors.New("trailing bytes after record body")
)

// AppendValue appends the binary form of v: a kind byte then the payload.
func AppendValue(buf []byte, v types.Value) []byte {
	buf = append(buf, byte(v.Kind()))
	switch v.Kind() {
	case types.KindBool:
		b, _ := v.AsBool()
		if b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case types.KindNumber:
		f, _ := v.AsNumber()
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
	case types.KindString:
		s, _ := v.AsString()
		buf = appendString(buf, s)
	}
	return buf
}

// ReadValue decodes a value written by AppendValue and returns the remaining bytes.
func ReadValue(data []byte) (types.Value, []byte, error) {
	r := reader{data: data}
	v := r.value()
	if r.err != nil {
		return types.Value{}, nil, r.err
	}
	return v, r.data, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendFloat(buf []byte, f float64) []byte {
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
}

// appendBody encodes everything after the header.
func appendBody(buf []byte, f *types.Feature, box types.BBox) []byte {
	buf = appendFloat(buf, box.MinX)
	buf = appendFloat(buf, box.MinY)
	buf = appendFloat(buf, box.MaxX)
	buf = appendFloat(buf, box.MaxY)
	buf = appendString(buf, f.ID)

	buf = binary.AppendUvarint(buf, uint64(len(f.Attributes)))
	for _, a := range f.Attributes {
		buf = appendString(buf, a.Name)
		buf = AppendValue(buf, a.Value)
	}

	g := &f.Geometry
	buf = append(buf, byte(g.Type))
	buf = binary.LittleEndian.AppendUint32(buf, g.SRID)
	buf = appendString(buf, g.LOD)
	buf = binary.AppendUvarint(buf, uint64(len(g.Vertices)))
	for _, v := range g.Vertices {
		buf = appendFloat(buf, v.X)
		buf = appendFloat(buf, v.Y)
		buf = appendFloat(buf, v.Z)
	}
	buf = binary.AppendUvarint(buf, uint64(len(g.Shells)))
	for _, s := range g.Shells {
		buf = binary.AppendUvarint(buf, uint64(s))
	}
	buf = binary.AppendUvarint(buf, uint64(len(g.Surfaces)))
	for _, s := range g.Surfaces {
		buf = binary.AppendUvarint(buf, uint64(len(s.Rings)))
		for _, r := range s.Rings {
			buf = binary.AppendUvarint(buf, uint64(len(r)))
			for _, idx := range r {
				buf = binary.LittleEndian.AppendUint32(buf, idx)
			}
		}
	}
	return buf
}

// reader is a sticky-error cursor over a record body.
type reader struct {
	data []byte
	err  error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("%s: %w", what, errShortBuffer)
	}
}

func (r *reader) take(n uint64, what string) []byte {
	if r.err != nil {
		return nil
	}
	if uint64(len(r.data)) < n {
		r.fail(what)
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *reader) u8(what string) byte {
	b := r.take(1, what)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32(what string) uint32 {
	b := r.take(4, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) f64(what string) float64 {
	b := r.take(8, what)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func (r *reader) uvarint(what string) uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.data)
	if n <= 0 {
		r.fail(what)
		return 0
	}
	r.data = r.data[n:]
	return v
}

// count reads a length prefix and rejects values that could not possibly fit
// in the remaining bytes given the minimum encoded size of one element.
func (r *reader) count(what string, minElem uint64) int {
	n := r.uvarint(what)
	if r.err != nil {
		return 0
	}
	if minElem > 0 && n > uint64(len(r.data))/minElem {
		r.err = fmt.Errorf("%s count %d exceeds record: %w", what, n, errShortBuffer)
		return 0
	}
	return int(n)
}

func (r *reader) str(what string) string {
	n := r.uvarint(what)
	return string(r.take(n, what))
}

func (r *reader) value() types.Value {
	kind := types.ValueKind(r.u8("value kind"))
	switch kind {
	case types.KindNull:
		return types.Null()
	case types.KindBool:
		return types.Bool(r.u8("bool value") != 0)
	case types.KindNumber:
		return types.Number(r.f64("number value"))
	case types.KindString:
		return types.String(r.str("string value"))
	default:
		if r.err == nil {
			r.err = fmt.Errorf("unknown value kind %d", kind)
		}
		return types.Value{}
	}
}

func (r *reader) bbox() types.BBox {
	return types.BBox{
		MinX: r.f64("bbox"),
		MinY: r.f64("bbox"),
		MaxX: r.f64("bbox"),
		MaxY: r.f64("bbox"),
	}
}

func (r *reader) attributes() []types.Attribute {
	n := r.count("attribute", 2)
	if n == 0 {
		return nil
	}
	attrs := make([]types.Attribute, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		name := r.str("attribute name")
		attrs = append(attrs, types.Attribute{Name: name, Value: r.value()})
	}
	return attrs
}

func (r *reader) geometry() types.Geometry {
	g := types.Geometry{
		Type: types.GeometryType(r.u8("geometry type")),
		SRID: r.u32("srid"),
		LOD:  r.str("lod"),
	}
	nv := r.count("vertex", 24)
	g.Vertices = make([]types.Vertex, nv)
	for i := range g.Vertices {
		g.Vertices[i] = types.Vertex{X: r.f64("vertex"), Y: r.f64("vertex"), Z: r.f64("vertex")}
	}
	if ns := r.count("shell", 1); ns > 0 {
		g.Shells = make([]uint32, ns)
		for i := range g.Shells {
			g.Shells[i] = uint32(r.uvarint("shell"))
		}
	}
	nsurf := r.count("surface", 1)
	g.Surfaces = make([]types.Surface, nsurf)
	for i := 0; i < nsurf && r.err == nil; i++ {
		nr := r.count("ring", 1)
		rings := make([]types.Ring, nr)
		for j := 0; j < nr && r.err == nil; j++ {
			ni := r.count("ring index", 4)
			ring := make(types.Ring, ni)
			for k := range ring {
				ring[k] = r.u32("ring index")
			}
			rings[j] = ring
		}
		g.Surfaces[i] = types.Surface{Rings: rings}
	}
	return g
}
