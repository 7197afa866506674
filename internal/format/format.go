// Package format encodes feature streams into the output encodings served by
// the query API. Every encoder writes a header, one fragment per feature and
// a footer, so results are never buffered as a whole.
package format

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"sort"
	"strconv"

	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/pkg/types"
)

// Supported format tags.
const (
	JSON     = "json"
	CityJSON = "cityjson"
	CJSeq    = "cjseq"
	OBJ      = "obj"
)

// DefaultObjectType is the CityJSON object type written for every feature.
const DefaultObjectType = "Building"

// Link is a hypermedia link of a feature collection response.
type Link struct {
	Href  string `json:"href"`
	Rel   string `json:"rel"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// Header describes the response being encoded.
type Header struct {
	Collection string
	// CRS is the EPSG code of the coordinates; zero omits the reference system.
	CRS    int
	Extent *types.BBox

	// ObjectType is the CityJSON type of each city object.
	ObjectType string

	Links []Link
	// Next is appended to the footer links when the page is full.
	Next  *Link
	Limit int
}

// Footer closes a response.
type Footer struct {
	NumberReturned int
	Links          []Link
}

// Encoder writes one response. Encoders carry per-response state and must
// not be reused.
type Encoder interface {
	ContentType() string
	EncodeHeader(w io.Writer, h Header) error
	EncodeFeature(w io.Writer, f *types.Feature) error
	EncodeFooter(w io.Writer, f Footer) error
}

var registry = map[string]func() Encoder{
	JSON:     func() Encoder { return &geoJSONEncoder{} },
	CityJSON: func() Encoder { return &cityJSONEncoder{} },
	CJSeq:    func() Encoder { return &cjseqEncoder{} },
	OBJ:      func() Encoder { return &objEncoder{} },
}

// New returns a fresh encoder for tag. An empty tag selects JSON.
func New(tag string) (Encoder, error) {
	if tag == "" {
		tag = JSON
	}
	newEncoder, ok := registry[tag]
	if !ok {
		return nil, fperrors.NewQueryError(fperrors.CodeUnsupportedFormat,
			fmt.Sprintf("unsupported format %q", tag)).
			WithDetails(map[string]interface{}{"supported": Formats()})
	}
	return newEncoder(), nil
}

// Formats lists the supported tags.
func Formats() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Stream encodes a whole response. It stops at the first error of either the
// feature sequence or the writer, which abandons the sequence. It returns the
// number of features written.
func Stream(w io.Writer, enc Encoder, h Header, features iter.Seq2[*types.Feature, error]) (int, error) {
	bw := bufio.NewWriterSize(w, 32*1024)
	if err := enc.EncodeHeader(bw, h); err != nil {
		return 0, err
	}
	n := 0
	for f, err := range features {
		if err != nil {
			return n, err
		}
		if err := enc.EncodeFeature(bw, f); err != nil {
			return n, err
		}
		n++
	}
	footer := Footer{NumberReturned: n, Links: h.Links}
	if h.Next != nil && h.Limit > 0 && n == h.Limit {
		footer.Links = append(append([]Link(nil), h.Links...), *h.Next)
	}
	if err := enc.EncodeFooter(bw, footer); err != nil {
		return n, err
	}
	return n, bw.Flush()
}

// One adapts a single feature to a sequence.
func One(f *types.Feature) iter.Seq2[*types.Feature, error] {
	return func(yield func(*types.Feature, error) bool) {
		yield(f, nil)
	}
}

func appendString(b []byte, s string) []byte {
	q, _ := json.Marshal(s)
	return append(b, q...)
}

func appendFloat(b []byte, f float64) []byte {
	return strconv.AppendFloat(b, f, 'f', -1, 64)
}

func appendValue(b []byte, v types.Value) []byte {
	q, _ := v.MarshalJSON()
	return append(b, q...)
}

// appendAttributes writes the attributes as a JSON object in stored order.
func appendAttributes(b []byte, attrs []types.Attribute) []byte {
	b = append(b, '{')
	for i, a := range attrs {
		if i > 0 {
			b = append(b, ',')
		}
		b = appendString(b, a.Name)
		b = append(b, ':')
		b = appendValue(b, a.Value)
	}
	return append(b, '}')
}
