package spatial

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/dhconnelly/rtreego"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featurepack/featurepack/pkg/types"
)

func bbox(minX, minY, maxX, maxY float64) types.BBox {
	return types.BBox{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
}

// buildSorted orders boxes along the curve and assigns each one a synthetic
// store offset equal to its position times 100, the way the snapshot builder
// lays records out.
func buildSorted(t *testing.T, boxes []types.BBox, fanout uint16) (*Tree, map[uint64]int) {
	t.Helper()
	perm, _, err := Order(boxes, 16)
	require.NoError(t, err)

	items := make([]Item, len(boxes))
	byOffset := make(map[uint64]int, len(boxes))
	for pos, idx := range perm {
		off := uint64(pos) * 100
		items[pos] = Item{BBox: boxes[idx], Offset: off}
		byOffset[off] = idx
	}
	data, err := Build(items, fanout)
	require.NoError(t, err)
	tree, err := Open(data, uint64(len(items)), fanout)
	require.NoError(t, err)
	return tree, byOffset
}

func TestIntersect_ThreeFeatureScenario(t *testing.T) {
	boxes := []types.BBox{
		bbox(0, 0, 1, 1),     // A
		bbox(5, 5, 6, 6),     // B
		bbox(0.5, 0.5, 2, 2), // C
	}
	names := []string{"A", "B", "C"}
	tree, byOffset := buildSorted(t, boxes, DefaultFanout)

	var got []string
	var offsets []uint64
	for off := range tree.Intersect(bbox(0, 0, 1, 1)) {
		got = append(got, names[byOffset[off]])
		offsets = append(offsets, off)
	}
	assert.ElementsMatch(t, []string{"A", "C"}, got)
	assert.True(t, sort.SliceIsSorted(offsets, func(i, j int) bool { return offsets[i] < offsets[j] }),
		"results must follow Hilbert order")
}

func TestIntersect_BoundaryTouching(t *testing.T) {
	boxes := []types.BBox{
		bbox(0, 0, 1, 1),
		bbox(1, 1, 2, 2), // touches the query at a corner
		bbox(1, 0, 3, 1), // shares an edge
		bbox(1.0001, 1.0001, 2, 2),
	}
	tree, byOffset := buildSorted(t, boxes, 2)

	var got []int
	for off := range tree.Intersect(bbox(0, 0, 1, 1)) {
		got = append(got, byOffset[off])
	}
	assert.ElementsMatch(t, []int{0, 1, 2}, got)
}

func TestIntersect_PointQuery(t *testing.T) {
	boxes := []types.BBox{bbox(0, 0, 10, 10), bbox(20, 20, 30, 30)}
	tree, byOffset := buildSorted(t, boxes, 4)

	got := tree.Search(bbox(5, 5, 5, 5))
	require.Len(t, got, 1)
	assert.Equal(t, 0, byOffset[got[0]])
}

func TestIntersect_Empty(t *testing.T) {
	data, err := Build(nil, DefaultFanout)
	require.NoError(t, err)
	tree, err := Open(data, 0, DefaultFanout)
	require.NoError(t, err)

	assert.Empty(t, tree.Search(bbox(-1e9, -1e9, 1e9, 1e9)))
	_, ok := tree.Extent()
	assert.False(t, ok)
	assert.Equal(t, 0, tree.Height())
}

func TestIntersect_SingleItem(t *testing.T) {
	tree, _ := buildSorted(t, []types.BBox{bbox(1, 1, 2, 2)}, DefaultFanout)
	assert.Equal(t, []uint64{0}, tree.Search(bbox(0, 0, 1, 1)))
	assert.Empty(t, tree.Search(bbox(3, 3, 4, 4)))
	assert.Equal(t, 0, tree.Height())
}

func TestIntersect_EarlyTermination(t *testing.T) {
	boxes := make([]types.BBox, 500)
	for i := range boxes {
		f := float64(i)
		boxes[i] = bbox(f, 0, f+1, 1)
	}
	tree, _ := buildSorted(t, boxes, DefaultFanout)

	n := 0
	for range tree.Intersect(bbox(0, 0, 1000, 1)) {
		n++
		if n == 10 {
			break
		}
	}
	assert.Equal(t, 10, n)
}

func TestHeight(t *testing.T) {
	tests := []struct {
		items  int
		fanout uint16
		height int
	}{
		{1, 16, 0},
		{2, 16, 1},
		{16, 16, 1},
		{17, 16, 2},
		{256, 16, 2},
		{257, 16, 3},
		{1000, 10, 3},
	}
	for _, tt := range tests {
		boxes := make([]types.BBox, tt.items)
		for i := range boxes {
			boxes[i] = bbox(float64(i), 0, float64(i), 0)
		}
		tree, _ := buildSorted(t, boxes, tt.fanout)
		assert.Equal(t, tt.height, tree.Height(), "items=%d fanout=%d", tt.items, tt.fanout)
	}
}

func TestBuild_ParentContainsChildren(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	boxes := randomBoxes(rng, 300)
	tree, _ := buildSorted(t, boxes, 4)

	for l := 1; l < len(tree.levels); l++ {
		child := tree.levels[l-1]
		parent := tree.levels[l]
		for p := parent[0]; p < parent[1]; p++ {
			first := tree.ref(p)
			last := min(first+tree.fanout, child[1])
			for c := first; c < last; c++ {
				require.True(t, tree.box(p).Contains(tree.box(c)), "node %d must contain child %d", p, c)
			}
		}
	}
	extent, ok := tree.Extent()
	require.True(t, ok)
	for _, b := range boxes {
		assert.True(t, extent.Contains(b))
	}
}

func TestOpen_RejectsBadSection(t *testing.T) {
	items := []Item{{BBox: bbox(0, 0, 1, 1)}, {BBox: bbox(2, 2, 3, 3), Offset: 10}, {BBox: bbox(4, 4, 5, 5), Offset: 20}}
	data, err := Build(items, 2)
	require.NoError(t, err)

	_, err = Open(data[:len(data)-1], 3, 2)
	assert.Error(t, err)

	corrupt := append([]byte(nil), data...)
	corrupt[32] = 0xff // root child link
	_, err = Open(corrupt, 3, 2)
	assert.Error(t, err)

	_, err = Open(data, 3, 1)
	assert.Error(t, err)
}

func TestBuild_RejectsInvalidBBox(t *testing.T) {
	_, err := Build([]Item{{BBox: bbox(2, 0, 1, 1)}}, DefaultFanout)
	assert.Error(t, err)
}

func randomBoxes(rng *rand.Rand, n int) []types.BBox {
	boxes := make([]types.BBox, n)
	for i := range boxes {
		x := rng.Float64() * 1000
		y := rng.Float64() * 1000
		boxes[i] = bbox(x, y, x+0.01+rng.Float64()*20, y+0.01+rng.Float64()*20)
	}
	return boxes
}

type oracleEntry struct {
	idx  int
	rect rtreego.Rect
}

func (e *oracleEntry) Bounds() rtreego.Rect { return e.rect }

func toRect(b types.BBox) rtreego.Rect {
	rect, _ := rtreego.NewRect(rtreego.Point{b.MinX, b.MinY}, []float64{b.Width(), b.Height()})
	return rect
}

// Random boxes with continuous coordinates never touch exactly, so the
// reference tree's boundary convention does not affect the comparison.
func TestIntersect_MatchesReferenceRTree(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	boxes := randomBoxes(rng, 2000)
	tree, byOffset := buildSorted(t, boxes, DefaultFanout)

	oracle := rtreego.NewTree(2, 25, 50)
	for i, b := range boxes {
		oracle.Insert(&oracleEntry{idx: i, rect: toRect(b)})
	}

	for q := 0; q < 200; q++ {
		x := rng.Float64() * 1000
		y := rng.Float64() * 1000
		query := bbox(x, y, x+0.5+rng.Float64()*100, y+0.5+rng.Float64()*100)

		var want []int
		for _, s := range oracle.SearchIntersect(toRect(query)) {
			want = append(want, s.(*oracleEntry).idx)
		}
		var got []int
		for off := range tree.Intersect(query) {
			got = append(got, byOffset[off])
		}
		require.ElementsMatch(t, want, got, "query %v", query)
	}
}

func TestIntersect_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	boxGen := gen.SliceOfN(4, gen.Float64Range(-100, 100)).Map(func(v []float64) types.BBox {
		return bbox(min(v[0], v[2]), min(v[1], v[3]), max(v[0], v[2]), max(v[1], v[3]))
	})

	properties.Property("item returned iff its bbox intersects the query", prop.ForAll(
		func(boxes []types.BBox, query types.BBox, fanout uint16) bool {
			perm, _, err := Order(boxes, 16)
			if err != nil {
				return false
			}
			items := make([]Item, len(boxes))
			for pos, idx := range perm {
				items[pos] = Item{BBox: boxes[idx], Offset: uint64(idx)}
			}
			data, err := Build(items, fanout)
			if err != nil {
				return false
			}
			tree, err := Open(data, uint64(len(items)), fanout)
			if err != nil {
				return false
			}
			got := make(map[uint64]bool)
			for off := range tree.Intersect(query) {
				got[off] = true
			}
			for i, b := range boxes {
				if got[uint64(i)] != b.Intersects(query) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(boxGen),
		boxGen,
		gen.UInt16Range(2, 9),
	))

	properties.TestingRun(t)
}
