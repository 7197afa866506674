// Package crs resolves coordinate reference system codes and transforms
// query bounding boxes into the native CRS of a snapshot.
package crs

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/pkg/types"
)

// Well-known EPSG codes.
const (
	WGS84  = 4326
	WGS84H = 4979
	RDNew  = 28992
	RDNAPH = 7415
)

// Transform maps one coordinate pair from a source to a target CRS.
type Transform func(x, y float64) (float64, float64, error)

type pair struct{ from, to int }

// Registry holds transforms keyed by (source, target) horizontal EPSG code.
// It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	transforms map[pair]Transform
}

// NewRegistry returns a registry with the built-in WGS84 <-> RD New transforms.
func NewRegistry() *Registry {
	r := &Registry{transforms: make(map[pair]Transform)}
	r.Register(WGS84, RDNew, WGS84ToRD)
	r.Register(RDNew, WGS84, RDToWGS84)
	return r
}

// Register installs or replaces the transform from one code to another.
func (r *Registry) Register(from, to int, t Transform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[pair{Horizontal(from), Horizontal(to)}] = t
}

// Lookup returns the transform for the pair. Equal horizontal codes resolve to
// the identity.
func (r *Registry) Lookup(from, to int) (Transform, bool) {
	from, to = Horizontal(from), Horizontal(to)
	if from == to {
		return identity, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transforms[pair{from, to}]
	return t, ok
}

// TransformBBox maps the four corners of b and returns their envelope.
// An unknown pair or a failing transform is reported as InvalidBoundingBox.
func (r *Registry) TransformBBox(b types.BBox, from, to int) (types.BBox, error) {
	t, ok := r.Lookup(from, to)
	if !ok {
		return types.BBox{}, fperrors.NewInvalidBoundingBox(
			fmt.Sprintf("no transform from EPSG:%d to EPSG:%d", from, to), nil)
	}
	out := types.EmptyBBox()
	for _, c := range [4][2]float64{
		{b.MinX, b.MinY}, {b.MaxX, b.MinY}, {b.MinX, b.MaxY}, {b.MaxX, b.MaxY},
	} {
		x, y, err := t(c[0], c[1])
		if err != nil {
			return types.BBox{}, fperrors.NewInvalidBoundingBox("bbox transform failed", err)
		}
		out = out.ExtendPoint(x, y)
	}
	if err := out.Validate(); err != nil {
		return types.BBox{}, fperrors.NewInvalidBoundingBox("bbox transform produced an invalid box", err)
	}
	return out, nil
}

func identity(x, y float64) (float64, float64, error) { return x, y, nil }

// Horizontal returns the 2D component of a compound or 3D code.
func Horizontal(code int) int {
	switch code {
	case RDNAPH:
		return RDNew
	case WGS84H:
		return WGS84
	}
	return code
}

// ParseCode accepts "EPSG:n", a bare number, an OGC URI such as
// http://www.opengis.net/def/crs/EPSG/0/28992, or the CRS84 identifiers.
// An empty string returns 0.
func ParseCode(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	upper := strings.ToUpper(s)
	if strings.HasSuffix(upper, "CRS84") || strings.HasSuffix(upper, "CRS84H") {
		return WGS84, nil
	}
	if i := strings.LastIndexAny(s, ":/"); i >= 0 {
		s = s[i+1:]
	}
	code, err := strconv.Atoi(s)
	if err != nil || code <= 0 {
		return 0, fperrors.NewInvalidBoundingBox(fmt.Sprintf("unrecognized CRS %q", s), nil)
	}
	return code, nil
}

// URI formats a code the way OGC API responses reference a CRS.
func URI(code int) string {
	return "https://www.opengis.net/def/crs/EPSG/0/" + strconv.Itoa(code)
}

// Amersfoort reference point for the RD polynomial approximation.
const (
	refLat = 52.15517440
	refLon = 5.38720621
	refX   = 155000.0
	refY   = 463000.0
)

type term struct {
	p, q int
	c    float64
}

var (
	rdX = []term{
		{0, 1, 190094.945}, {1, 1, -11832.228}, {2, 1, -114.221}, {0, 3, -32.391},
		{1, 0, -0.705}, {3, 1, -2.340}, {1, 3, -0.608}, {0, 2, -0.008}, {2, 3, 0.148},
	}
	rdY = []term{
		{1, 0, 309056.544}, {0, 2, 3638.893}, {2, 0, 73.077}, {1, 2, -157.984},
		{3, 0, 59.788}, {0, 1, 0.433}, {2, 2, -6.439}, {1, 1, -0.032},
		{0, 4, 0.092}, {1, 4, -0.054},
	}
	rdLat = []term{
		{0, 1, 3235.65389}, {2, 0, -32.58297}, {0, 2, -0.24750}, {2, 1, -0.84978},
		{0, 3, -0.06550}, {2, 2, -0.01709}, {1, 0, -0.00738}, {4, 0, 0.00530},
		{2, 3, -0.00039}, {4, 1, 0.00033}, {1, 1, -0.00012},
	}
	rdLon = []term{
		{1, 0, 5260.52916}, {1, 1, 105.94684}, {1, 2, 2.45656}, {3, 0, -0.81885},
		{1, 3, 0.05594}, {3, 1, -0.05607}, {0, 1, 0.01199}, {3, 2, -0.00256},
		{1, 4, 0.00128}, {0, 2, 0.00022}, {2, 0, -0.00022}, {5, 0, 0.00026},
	}
)

func poly(terms []term, a, b float64) float64 {
	var sum float64
	for _, t := range terms {
		sum += t.c * math.Pow(a, float64(t.p)) * math.Pow(b, float64(t.q))
	}
	return sum
}

// WGS84ToRD converts longitude/latitude degrees (x = lon, y = lat) to RD New
// metres. Accuracy is about a metre inside the Netherlands.
func WGS84ToRD(lon, lat float64) (float64, float64, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, fmt.Errorf("coordinate (%g, %g) is outside the WGS84 domain", lon, lat)
	}
	dLat := 0.36 * (lat - refLat)
	dLon := 0.36 * (lon - refLon)
	x := refX + poly(rdX, dLat, dLon)
	y := refY + poly(rdY, dLat, dLon)
	return x, y, nil
}

// RDToWGS84 converts RD New metres to longitude/latitude degrees.
func RDToWGS84(x, y float64) (float64, float64, error) {
	dX := (x - refX) * 1e-5
	dY := (y - refY) * 1e-5
	lat := refLat + poly(rdLat, dX, dY)/3600
	lon := refLon + poly(rdLon, dX, dY)/3600
	return lon, lat, nil
}
