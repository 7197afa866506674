package format

import (
	"fmt"
	"io"
	"strconv"

	"github.com/featurepack/featurepack/internal/mesh"
	"github.com/featurepack/featurepack/pkg/types"
)

// objEncoder writes a Wavefront OBJ mesh: one object per feature with its
// vertices and triangulated faces. Face indices are global and 1-based.
type objEncoder struct {
	base int
	buf  []byte
}

func (e *objEncoder) ContentType() string { return "model/obj" }

func (e *objEncoder) EncodeHeader(w io.Writer, h Header) error {
	b := append([]byte(nil), "# featurepack"...)
	if h.Collection != "" {
		b = append(b, " collection "...)
		b = append(b, h.Collection...)
	}
	b = append(b, '\n')
	if h.CRS != 0 {
		b = append(b, "# crs EPSG:"...)
		b = strconv.AppendInt(b, int64(h.CRS), 10)
		b = append(b, '\n')
	}
	_, err := w.Write(b)
	return err
}

func (e *objEncoder) EncodeFeature(w io.Writer, f *types.Feature) error {
	tris, err := mesh.Triangulate(&f.Geometry)
	if err != nil {
		return fmt.Errorf("triangulate %s: %w", f.ID, err)
	}

	b := append(e.buf[:0], "o "...)
	b = append(b, objName(f.ID)...)
	b = append(b, '\n')
	for _, v := range f.Geometry.Vertices {
		b = append(b, "v "...)
		b = appendFloat(b, v.X)
		b = append(b, ' ')
		b = appendFloat(b, v.Y)
		b = append(b, ' ')
		b = appendFloat(b, v.Z)
		b = append(b, '\n')
	}
	for _, t := range tris {
		b = append(b, 'f')
		for _, idx := range t {
			b = append(b, ' ')
			b = strconv.AppendInt(b, int64(e.base)+int64(idx)+1, 10)
		}
		b = append(b, '\n')
	}
	e.base += len(f.Geometry.Vertices)
	e.buf = b
	_, err = w.Write(b)
	return err
}

func (e *objEncoder) EncodeFooter(w io.Writer, f Footer) error {
	_, err := fmt.Fprintf(w, "# %d features\n", f.NumberReturned)
	return err
}

// objName makes an identifier safe for an OBJ statement, which ends at
// whitespace.
func objName(id string) string {
	b := []byte(id)
	for i, c := range b {
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			b[i] = '_'
		}
	}
	return string(b)
}
