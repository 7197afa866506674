// Package ingest reads the input of an offline snapshot build: GeoJSON
// feature collections and CityJSON text sequences.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"

	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/pkg/types"
)

// Input formats.
const (
	FormatGeoJSON = "geojson"
	FormatCJSeq   = "cjseq"
)

// Options control how input records become features.
type Options struct {
	// Format is FormatGeoJSON or FormatCJSeq; empty detects it from the
	// file extension.
	Format string

	// IDProperty names the property holding the identifier of GeoJSON
	// features that carry no top-level id.
	IDProperty string

	// SRID overrides the EPSG code recorded on every geometry.
	SRID uint32

	// LOD selects the CityJSON geometry with this level of detail. Empty
	// keeps the first geometry.
	LOD string
}

// DetectFormat maps a file name to an input format.
func DetectFormat(path string) string {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".city.jsonl"),
		strings.HasSuffix(name, ".jsonl"),
		strings.HasSuffix(name, ".cjseq"):
		return FormatCJSeq
	default:
		return FormatGeoJSON
	}
}

// ReadFile reads every feature of the file at path.
func ReadFile(path string, opts Options) ([]*types.Feature, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fperrors.NewBuildFailed("open input", err)
	}
	defer f.Close()

	if opts.Format == "" {
		opts.Format = DetectFormat(path)
	}
	return Collect(Read(f, opts))
}

// Read returns the features of r in input order.
func Read(r io.Reader, opts Options) iter.Seq2[*types.Feature, error] {
	switch opts.Format {
	case FormatCJSeq:
		return ReadCityJSONSeq(r, opts)
	case FormatGeoJSON, "":
		return ReadGeoJSON(r, opts)
	default:
		return func(yield func(*types.Feature, error) bool) {
			yield(nil, fperrors.NewBuildFailed(fmt.Sprintf("unknown input format %q", opts.Format), nil))
		}
	}
}

// Collect drains a feature sequence, stopping at the first error.
func Collect(seq iter.Seq2[*types.Feature, error]) ([]*types.Feature, error) {
	var out []*types.Feature
	for f, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// decodeAttributes decodes a JSON object into attributes, keeping the key
// order of the input. Nested objects and arrays are rejected.
func decodeAttributes(raw json.RawMessage) ([]types.Attribute, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("attributes must be an object")
	}
	var attrs []types.Attribute
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name := tok.(string)
		for _, a := range attrs {
			if a.Name == name {
				return nil, fmt.Errorf("duplicate attribute %q", name)
			}
		}
		var val types.Value
		if err := dec.Decode(&val); err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		attrs = append(attrs, types.Attribute{Name: name, Value: val})
	}
	return attrs, nil
}

// decodeID accepts a string or numeric identifier.
func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("identifier must be a string or a number")
	}
	return n.String(), nil
}

// vertexTable builds a shared vertex list, reusing the index of repeated
// coordinates.
type vertexTable struct {
	vertices []types.Vertex
	index    map[types.Vertex]uint32
}

func newVertexTable() *vertexTable {
	return &vertexTable{index: make(map[types.Vertex]uint32)}
}

func (t *vertexTable) add(v types.Vertex) uint32 {
	if i, ok := t.index[v]; ok {
		return i
	}
	i := uint32(len(t.vertices))
	t.vertices = append(t.vertices, v)
	t.index[v] = i
	return i
}
