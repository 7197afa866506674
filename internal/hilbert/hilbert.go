// Package hilbert maps 2D points onto a Hilbert space-filling curve so that
// spatially close features sort next to each other.
package hilbert

import (
	"fmt"
	"math"

	"github.com/featurepack/featurepack/pkg/types"
)

const (
	// DefaultBitDepth is the per-axis grid resolution used when none is configured.
	DefaultBitDepth = 16
	// MaxBitDepth keeps the curve index within a uint64.
	MaxBitDepth = 32
)

// Index returns the distance of cell (x, y) along a Hilbert curve covering a
// 2^order x 2^order grid. x and y must be below 2^order.
func Index(x, y uint32, order uint) uint64 {
	var d uint64
	n := uint64(1) << order
	ux, uy := uint64(x), uint64(y)
	for s := n >> 1; s > 0; s >>= 1 {
		var rx, ry uint64
		if ux&s != 0 {
			rx = 1
		}
		if uy&s != 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		ux, uy = rotate(n, ux, uy, rx, ry)
	}
	return d
}

// Point is the inverse of Index: it returns the cell at distance d.
func Point(d uint64, order uint) (x, y uint32) {
	n := uint64(1) << order
	var ux, uy uint64
	t := d
	for s := uint64(1); s < n; s <<= 1 {
		rx := 1 & (t / 2)
		ry := 1 & (t ^ rx)
		ux, uy = rotate(s, ux, uy, rx, ry)
		ux += s * rx
		uy += s * ry
		t /= 4
	}
	return uint32(ux), uint32(uy)
}

func rotate(n, x, y, rx, ry uint64) (uint64, uint64) {
	if ry == 0 {
		if rx == 1 {
			x = n - 1 - x
			y = n - 1 - y
		}
		x, y = y, x
	}
	return x, y
}

// Encoder scales coordinates inside a fixed extent onto the curve grid.
type Encoder struct {
	extent types.BBox
	order  uint
	max    float64
}

// NewEncoder creates an encoder for points inside extent at the given bit depth.
func NewEncoder(extent types.BBox, order uint) (*Encoder, error) {
	if order == 0 || order > MaxBitDepth {
		return nil, fmt.Errorf("hilbert bit depth must be in [1, %d], got %d", MaxBitDepth, order)
	}
	if err := extent.Validate(); err != nil {
		return nil, fmt.Errorf("hilbert extent: %w", err)
	}
	return &Encoder{
		extent: extent,
		order:  order,
		max:    float64(uint64(1)<<order - 1),
	}, nil
}

// Encode returns the curve index of the point (x, y). Points outside the
// extent are clamped to its border.
func (e *Encoder) Encode(x, y float64) uint64 {
	return Index(e.scale(x, e.extent.MinX, e.extent.Width()),
		e.scale(y, e.extent.MinY, e.extent.Height()), e.order)
}

// EncodeBBox returns the curve index of the center of b.
func (e *Encoder) EncodeBBox(b types.BBox) uint64 {
	cx, cy := b.Center()
	return e.Encode(cx, cy)
}

func (e *Encoder) scale(v, min, span float64) uint32 {
	if span <= 0 || math.IsNaN(v) {
		return 0
	}
	f := math.Floor(e.max * (v - min) / span)
	if f < 0 {
		f = 0
	}
	if f > e.max {
		f = e.max
	}
	return uint32(f)
}
