package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// BBox is an axis-aligned bounding box in the store's native CRS.
// Degenerate (point or line) boxes are valid.
type BBox struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// EmptyBBox returns an inverted box that any Extend call will replace.
func EmptyBBox() BBox {
	return BBox{
		MinX: math.Inf(1),
		MinY: math.Inf(1),
		MaxX: math.Inf(-1),
		MaxY: math.Inf(-1),
	}
}

// IsEmpty reports whether the box has never been extended.
func (b BBox) IsEmpty() bool {
	return b.MinX > b.MaxX || b.MinY > b.MaxY
}

// Validate checks min <= max on both axes and that all coordinates are numbers.
func (b BBox) Validate() error {
	for _, c := range [4]float64{b.MinX, b.MinY, b.MaxX, b.MaxY} {
		if math.IsNaN(c) {
			return fmt.Errorf("bbox coordinate is NaN")
		}
	}
	if b.MinX > b.MaxX {
		return fmt.Errorf("bbox min_x %g > max_x %g", b.MinX, b.MaxX)
	}
	if b.MinY > b.MaxY {
		return fmt.Errorf("bbox min_y %g > max_y %g", b.MinY, b.MaxY)
	}
	return nil
}

// Intersects reports overlap under closed-interval semantics:
// boxes that only touch at an edge or corner intersect.
func (b BBox) Intersects(o BBox) bool {
	return b.MinX <= o.MaxX && o.MinX <= b.MaxX &&
		b.MinY <= o.MaxY && o.MinY <= b.MaxY
}

// Contains reports whether o lies entirely within b.
func (b BBox) Contains(o BBox) bool {
	return b.MinX <= o.MinX && b.MinY <= o.MinY &&
		b.MaxX >= o.MaxX && b.MaxY >= o.MaxY
}

// Union returns the smallest box containing both b and o.
func (b BBox) Union(o BBox) BBox {
	return BBox{
		MinX: math.Min(b.MinX, o.MinX),
		MinY: math.Min(b.MinY, o.MinY),
		MaxX: math.Max(b.MaxX, o.MaxX),
		MaxY: math.Max(b.MaxY, o.MaxY),
	}
}

// ExtendPoint grows the box to include (x, y).
func (b BBox) ExtendPoint(x, y float64) BBox {
	return BBox{
		MinX: math.Min(b.MinX, x),
		MinY: math.Min(b.MinY, y),
		MaxX: math.Max(b.MaxX, x),
		MaxY: math.Max(b.MaxY, y),
	}
}

// Center returns the midpoint of the box.
func (b BBox) Center() (x, y float64) {
	return (b.MinX + b.MaxX) / 2, (b.MinY + b.MaxY) / 2
}

// Width returns the extent along x.
func (b BBox) Width() float64 { return b.MaxX - b.MinX }

// Height returns the extent along y.
func (b BBox) Height() float64 { return b.MaxY - b.MinY }

// Array returns [minx, miny, maxx, maxy].
func (b BBox) Array() [4]float64 {
	return [4]float64{b.MinX, b.MinY, b.MaxX, b.MaxY}
}

// String formats the box as the comma separated query parameter form.
func (b BBox) String() string {
	return fmt.Sprintf("%g,%g,%g,%g", b.MinX, b.MinY, b.MaxX, b.MaxY)
}

// ParseBBox parses "minx,miny,maxx,maxy" or the six-value 3D form
// "minx,miny,minz,maxx,maxy,maxz" (z is dropped). The result is not validated.
func ParseBBox(s string) (BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 && len(parts) != 6 {
		return BBox{}, fmt.Errorf("bbox must have 4 or 6 values, got %d", len(parts))
	}
	vals := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BBox{}, fmt.Errorf("bbox value %q is not a number", p)
		}
		vals[i] = f
	}
	if len(vals) == 6 {
		return BBox{MinX: vals[0], MinY: vals[1], MaxX: vals[3], MaxY: vals[4]}, nil
	}
	return BBox{MinX: vals[0], MinY: vals[1], MaxX: vals[2], MaxY: vals[3]}, nil
}
