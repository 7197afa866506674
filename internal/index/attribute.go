// Package index implements the attribute and identifier indexes of a snapshot.
// Both are sorted tables of (key, store offset) pairs searched in place, so
// they can be served straight from a memory-mapped artifact.
package index

import (
	"encoding/binary"
	"fmt"
	"iter"
	"sort"

	"github.com/featurepack/featurepack/internal/store"
	"github.com/featurepack/featurepack/pkg/types"
)

// Entry is one (value, offset) pair of an attribute index.
type Entry struct {
	Value  types.Value
	Offset uint64
}

// SortEntries orders entries by value, then by offset.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if c := types.Compare(entries[i].Value, entries[j].Value); c != 0 {
			return c < 0
		}
		return entries[i].Offset < entries[j].Offset
	})
}

// BuildAttribute encodes a sorted attribute index. Entries are sorted here;
// callers need not pre-sort.
func BuildAttribute(entries []Entry) []byte {
	SortEntries(entries)
	raw := make([][]byte, len(entries))
	for i, e := range entries {
		b := store.AppendValue(nil, e.Value)
		raw[i] = binary.LittleEndian.AppendUint64(b, e.Offset)
	}
	return encodeTable(raw)
}

// Attribute is a read-only sorted index over one field.
type Attribute struct {
	field string
	t     table
}

// OpenAttribute wraps an encoded attribute index.
func OpenAttribute(field string, data []byte) (*Attribute, error) {
	t, err := openTable(data)
	if err != nil {
		return nil, fmt.Errorf("attribute index %q: %w", field, err)
	}
	return &Attribute{field: field, t: t}, nil
}

// Field returns the indexed attribute name.
func (a *Attribute) Field() string { return a.field }

// Len returns the number of entries.
func (a *Attribute) Len() int { return a.t.n }

// At returns entry i. Entries that fail to decode come back as a null value
// at offset zero together with the error.
func (a *Attribute) At(i int) (Entry, error) {
	raw := a.t.entry(i)
	v, rest, err := store.ReadValue(raw)
	if err != nil {
		return Entry{}, fmt.Errorf("attribute index %q entry %d: %w", a.field, i, err)
	}
	if len(rest) != 8 {
		return Entry{}, fmt.Errorf("attribute index %q entry %d: bad offset width %d", a.field, i, len(rest))
	}
	return Entry{Value: v, Offset: binary.LittleEndian.Uint64(rest)}, nil
}

func (a *Attribute) value(i int) types.Value {
	e, err := a.At(i)
	if err != nil {
		// A corrupt entry compares as null; the store re-checks every candidate.
		return types.Null()
	}
	return e.Value
}

// Bound is one end of a range. Unbounded extends the range to the end of the
// opposite bound's kind, so "> 50" never reaches string values.
type Bound struct {
	Value     types.Value
	Inclusive bool
	Unbounded bool
}

// Inclusive returns a closed bound at v.
func Inclusive(v types.Value) Bound { return Bound{Value: v, Inclusive: true} }

// Exclusive returns an open bound at v.
func Exclusive(v types.Value) Bound { return Bound{Value: v} }

// Unbounded returns an open-ended bound.
func Unbounded() Bound { return Bound{Unbounded: true} }

// lowerIndex returns the first position whose value is not below b.
func (a *Attribute) lowerIndex(b Bound) int {
	return sort.Search(a.t.n, func(i int) bool {
		c := types.Compare(a.value(i), b.Value)
		if b.Inclusive {
			return c >= 0
		}
		return c > 0
	})
}

// upperIndex returns the first position past the last value not above b.
func (a *Attribute) upperIndex(b Bound) int {
	return sort.Search(a.t.n, func(i int) bool {
		c := types.Compare(a.value(i), b.Value)
		if b.Inclusive {
			return c > 0
		}
		return c >= 0
	})
}

// kindBounds returns [start, end) of the entries of kind k.
func (a *Attribute) kindBounds(k types.ValueKind) (int, int) {
	start := sort.Search(a.t.n, func(i int) bool { return a.value(i).Kind() >= k })
	end := sort.Search(a.t.n, func(i int) bool { return a.value(i).Kind() > k })
	return start, end
}

// Span returns the [start, end) entry positions matching the range lo..hi.
// The span is empty when lo > hi.
func (a *Attribute) Span(lo, hi Bound) (int, int) {
	if !lo.Unbounded && !hi.Unbounded {
		c := types.Compare(lo.Value, hi.Value)
		if c > 0 || (c == 0 && !(lo.Inclusive && hi.Inclusive)) {
			return 0, 0
		}
	}
	start, end := 0, a.t.n
	switch {
	case lo.Unbounded && hi.Unbounded:
	case lo.Unbounded:
		start, _ = a.kindBounds(hi.Value.Kind())
	case hi.Unbounded:
		_, end = a.kindBounds(lo.Value.Kind())
	}
	if !lo.Unbounded {
		start = a.lowerIndex(lo)
	}
	if !hi.Unbounded {
		end = a.upperIndex(hi)
	}
	if end < start {
		end = start
	}
	return start, end
}

func (a *Attribute) offsets(start, end int) iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		for i := start; i < end; i++ {
			e, err := a.At(i)
			if err != nil {
				continue
			}
			if !yield(e.Offset) {
				return
			}
		}
	}
}

// Equals yields the offsets of every entry equal to v, in ascending offset order.
func (a *Attribute) Equals(v types.Value) iter.Seq[uint64] {
	start, end := a.Span(Inclusive(v), Inclusive(v))
	return a.offsets(start, end)
}

// Range yields the offsets of entries between lo and hi in value order.
// Each side is inclusive or exclusive per its bound; lo > hi yields nothing.
func (a *Attribute) Range(lo, hi Bound) iter.Seq[uint64] {
	start, end := a.Span(lo, hi)
	return a.offsets(start, end)
}

// Count returns the number of entries in the range without decoding offsets.
func (a *Attribute) Count(lo, hi Bound) int {
	start, end := a.Span(lo, hi)
	return end - start
}
