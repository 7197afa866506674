// Package spatial implements a static packed Hilbert R-tree.
//
// The tree is stored as a flat array of fixed-size nodes, root level first and
// leaf items last. A leaf item holds a feature bbox and its store offset; an
// internal node holds the union bbox of its children and the array index of its
// first child. Nothing is decoded up front, so a tree can be read directly from
// a memory-mapped snapshot.
package spatial

import (
	"encoding/binary"
	"fmt"
	"iter"
	"math"
	"sort"

	"github.com/featurepack/featurepack/internal/hilbert"
	"github.com/featurepack/featurepack/pkg/types"
)

// NodeSize is the encoded size of one node: four float64 bounds and a uint64.
const NodeSize = 40

const (
	// DefaultFanout is the branching factor used when none is configured.
	DefaultFanout = 16
	// MinFanout is the smallest branching factor that still forms a tree.
	MinFanout = 2
	// MaxFanout bounds the per-node child count.
	MaxFanout = 1 << 16
)

// Item is one leaf entry: a feature bbox and the store offset of the feature.
type Item struct {
	BBox   types.BBox
	Offset uint64
}

// Order returns the permutation that sorts boxes by the Hilbert index of their
// centers, together with the extent the curve was fitted to. Ties keep input order.
func Order(boxes []types.BBox, bitDepth uint) ([]int, types.BBox, error) {
	extent := types.EmptyBBox()
	for _, b := range boxes {
		extent = extent.Union(b)
	}
	perm := make([]int, len(boxes))
	for i := range perm {
		perm[i] = i
	}
	if len(boxes) == 0 {
		return perm, extent, nil
	}
	enc, err := hilbert.NewEncoder(extent, bitDepth)
	if err != nil {
		return nil, extent, err
	}
	keys := make([]uint64, len(boxes))
	for i, b := range boxes {
		keys[i] = enc.EncodeBBox(b)
	}
	sort.SliceStable(perm, func(a, b int) bool {
		return keys[perm[a]] < keys[perm[b]]
	})
	return perm, extent, nil
}

// levelBounds returns the [start, end) node range of every level, leaves first.
// Levels are laid out root first, so the leaf range is at the end of the array.
func levelBounds(numItems uint64, fanout uint64) [][2]uint64 {
	if numItems == 0 {
		return nil
	}
	n := numItems
	counts := []uint64{n}
	total := n
	for n != 1 {
		n = (n + fanout - 1) / fanout
		counts = append(counts, n)
		total += n
	}
	bounds := make([][2]uint64, len(counts))
	end := total
	for i, c := range counts {
		bounds[i] = [2]uint64{end - c, end}
		end -= c
	}
	return bounds
}

// NumNodes returns the total node count of a tree over numItems leaves.
func NumNodes(numItems uint64, fanout uint16) uint64 {
	lb := levelBounds(numItems, uint64(fanout))
	if len(lb) == 0 {
		return 0
	}
	return lb[0][1]
}

// Size returns the encoded byte size of a tree over numItems leaves.
func Size(numItems uint64, fanout uint16) uint64 {
	return NumNodes(numItems, fanout) * NodeSize
}

// Build packs items into a tree. Items must already be in Hilbert order;
// their order is the leaf order and therefore the order of query results.
func Build(items []Item, fanout uint16) ([]byte, error) {
	if fanout < MinFanout {
		return nil, fmt.Errorf("spatial fanout must be at least %d, got %d", MinFanout, fanout)
	}
	for i, it := range items {
		if err := it.BBox.Validate(); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}
	f := uint64(fanout)
	levels := levelBounds(uint64(len(items)), f)
	if len(levels) == 0 {
		return []byte{}, nil
	}
	numNodes := levels[0][1]
	boxes := make([]types.BBox, numNodes)
	refs := make([]uint64, numNodes)

	leafStart := levels[0][0]
	for i, it := range items {
		boxes[leafStart+uint64(i)] = it.BBox
		refs[leafStart+uint64(i)] = it.Offset
	}
	for l := 1; l < len(levels); l++ {
		child := levels[l-1]
		parent := levels[l]
		for p := parent[0]; p < parent[1]; p++ {
			first := child[0] + (p-parent[0])*f
			last := min(first+f, child[1])
			b := types.EmptyBBox()
			for c := first; c < last; c++ {
				b = b.Union(boxes[c])
			}
			boxes[p] = b
			refs[p] = first
		}
	}

	buf := make([]byte, numNodes*NodeSize)
	for i := uint64(0); i < numNodes; i++ {
		putNode(buf[i*NodeSize:], boxes[i], refs[i])
	}
	return buf, nil
}

func putNode(b []byte, box types.BBox, ref uint64) {
	binary.LittleEndian.PutUint64(b[0:], math.Float64bits(box.MinX))
	binary.LittleEndian.PutUint64(b[8:], math.Float64bits(box.MinY))
	binary.LittleEndian.PutUint64(b[16:], math.Float64bits(box.MaxX))
	binary.LittleEndian.PutUint64(b[24:], math.Float64bits(box.MaxY))
	binary.LittleEndian.PutUint64(b[32:], ref)
}

// Tree is a read-only view over an encoded packed tree.
// It is safe for concurrent use.
type Tree struct {
	data     []byte
	numItems uint64
	fanout   uint64
	levels   [][2]uint64
}

// Open wraps encoded tree bytes produced by Build.
func Open(data []byte, numItems uint64, fanout uint16) (*Tree, error) {
	if fanout < MinFanout {
		return nil, fmt.Errorf("spatial fanout must be at least %d, got %d", MinFanout, fanout)
	}
	levels := levelBounds(numItems, uint64(fanout))
	var want uint64
	if len(levels) > 0 {
		want = levels[0][1] * NodeSize
	}
	if uint64(len(data)) != want {
		return nil, fmt.Errorf("spatial tree section is %d bytes, want %d for %d items", len(data), want, numItems)
	}
	t := &Tree{data: data, numItems: numItems, fanout: uint64(fanout), levels: levels}
	if err := t.checkLinks(); err != nil {
		return nil, err
	}
	return t, nil
}

// checkLinks verifies every internal node points at the child run the packing
// rule assigns it, so traversal never indexes outside the node array.
func (t *Tree) checkLinks() error {
	for l := 1; l < len(t.levels); l++ {
		child := t.levels[l-1]
		parent := t.levels[l]
		for p := parent[0]; p < parent[1]; p++ {
			want := child[0] + (p-parent[0])*t.fanout
			if got := t.ref(p); got != want {
				return fmt.Errorf("spatial node %d links to %d, want %d", p, got, want)
			}
		}
	}
	return nil
}

// NumItems returns the number of leaf items.
func (t *Tree) NumItems() uint64 { return t.numItems }

// Fanout returns the branching factor.
func (t *Tree) Fanout() uint16 { return uint16(t.fanout) }

// Height returns the number of internal levels above the leaves,
// ceil(log_fanout(n)). A tree with zero or one item has height 0.
func (t *Tree) Height() int {
	if len(t.levels) == 0 {
		return 0
	}
	return len(t.levels) - 1
}

// Extent returns the root bbox. ok is false for an empty tree.
func (t *Tree) Extent() (b types.BBox, ok bool) {
	if t.numItems == 0 {
		return types.BBox{}, false
	}
	return t.box(0), true
}

func (t *Tree) box(i uint64) types.BBox {
	b := t.data[i*NodeSize:]
	return types.BBox{
		MinX: math.Float64frombits(binary.LittleEndian.Uint64(b[0:])),
		MinY: math.Float64frombits(binary.LittleEndian.Uint64(b[8:])),
		MaxX: math.Float64frombits(binary.LittleEndian.Uint64(b[16:])),
		MaxY: math.Float64frombits(binary.LittleEndian.Uint64(b[24:])),
	}
}

func (t *Tree) ref(i uint64) uint64 {
	return binary.LittleEndian.Uint64(t.data[i*NodeSize+32:])
}

// Item returns the leaf item at position i in Hilbert order.
func (t *Tree) Item(i uint64) Item {
	n := t.levels[0][0] + i
	return Item{BBox: t.box(n), Offset: t.ref(n)}
}

type frame struct {
	node  uint64
	level int
}

// Intersect returns the offsets of every item whose bbox intersects q under
// closed-interval semantics, in leaf (Hilbert) order. The sequence is lazy:
// subtrees are visited only as the consumer pulls, and breaking out of the
// range loop stops the traversal.
func (t *Tree) Intersect(q types.BBox) iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		if t.numItems == 0 {
			return
		}
		stack := []frame{{node: 0, level: len(t.levels) - 1}}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if !t.box(top.node).Intersects(q) {
				continue
			}
			if top.level == 0 {
				if !yield(t.ref(top.node)) {
					return
				}
				continue
			}
			first := t.ref(top.node)
			childEnd := t.levels[top.level-1][1]
			last := min(first+t.fanout, childEnd)
			// Push in reverse so the smallest child is visited first.
			for c := last; c > first; c-- {
				stack = append(stack, frame{node: c - 1, level: top.level - 1})
			}
		}
	}
}

// Search collects Intersect into a slice.
func (t *Tree) Search(q types.BBox) []uint64 {
	var out []uint64
	for off := range t.Intersect(q) {
		out = append(out, off)
	}
	return out
}
