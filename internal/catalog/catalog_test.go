package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/internal/snapshot"
	"github.com/featurepack/featurepack/pkg/types"
)

func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	c, err := NewCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func record(collection string, n int) *SnapshotRecord {
	id := fmt.Sprintf("%s-%03d", collection, n)
	return &SnapshotRecord{
		SnapshotID:    id,
		CollectionID:  collection,
		ObjectKey:     "collections/" + collection + "/snapshots/" + id + ".fpk.sz",
		SizeBytes:     int64(1000 + n),
		FeatureCount:  uint64(10 * n),
		CRS:           7415,
		Extent:        &types.BBox{MinX: 0, MinY: 0, MaxX: float64(n), MaxY: float64(n)},
		IndexedFields: []string{"bouwjaar", "status"},
		CreatedAt:     time.Unix(1700000000+int64(n), 0),
	}
}

func TestCatalog_RegisterAndGet(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	rec := record("pand", 1)
	require.NoError(t, c.RegisterSnapshot(ctx, rec))
	assert.Equal(t, StatusPending, rec.Status)

	got, err := c.GetSnapshot(ctx, rec.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, rec.ObjectKey, got.ObjectKey)
	assert.Equal(t, rec.SizeBytes, got.SizeBytes)
	assert.Equal(t, rec.FeatureCount, got.FeatureCount)
	assert.Equal(t, 7415, got.CRS)
	assert.Equal(t, *rec.Extent, *got.Extent)
	assert.Equal(t, []string{"bouwjaar", "status"}, got.IndexedFields)
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.ActivatedAt)

	_, err = c.GetSnapshot(ctx, "missing")
	assert.True(t, errors.Is(err, fperrors.ErrSnapshotUnknown))

	err = c.RegisterSnapshot(ctx, record("pand", 1))
	assert.True(t, errors.Is(err, fperrors.ErrWriteConflict), "got %v", err)

	err = c.RegisterSnapshot(ctx, &SnapshotRecord{CollectionID: "pand"})
	assert.True(t, errors.Is(err, fperrors.ErrInvalidParameter))
}

func TestCatalog_EmptyExtent(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	rec := record("empty", 1)
	rec.Extent = nil
	rec.IndexedFields = nil
	require.NoError(t, c.RegisterSnapshot(ctx, rec))

	got, err := c.GetSnapshot(ctx, rec.SnapshotID)
	require.NoError(t, err)
	assert.Nil(t, got.Extent)
	assert.Empty(t, got.IndexedFields)
}

func TestCatalog_ActivateRetiresPrevious(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.ActiveSnapshot(ctx, "pand")
	assert.True(t, errors.Is(err, fperrors.ErrCollectionUnknown))

	for i := 1; i <= 2; i++ {
		require.NoError(t, c.RegisterSnapshot(ctx, record("pand", i)))
	}

	prev, err := c.Activate(ctx, "pand", "pand-001")
	require.NoError(t, err)
	assert.Empty(t, prev)

	active, err := c.ActiveSnapshot(ctx, "pand")
	require.NoError(t, err)
	assert.Equal(t, "pand-001", active.SnapshotID)
	assert.Equal(t, StatusActive, active.Status)
	require.NotNil(t, active.ActivatedAt)

	prev, err = c.Activate(ctx, "pand", "pand-002")
	require.NoError(t, err)
	assert.Equal(t, "pand-001", prev)

	old, err := c.GetSnapshot(ctx, "pand-001")
	require.NoError(t, err)
	assert.Equal(t, StatusRetired, old.Status)
	require.NotNil(t, old.RetiredAt)

	prev, err = c.Activate(ctx, "pand", "pand-002")
	require.NoError(t, err)
	assert.Empty(t, prev, "activating the active snapshot is a no-op")

	// Rolling back to a retired snapshot.
	prev, err = c.Activate(ctx, "pand", "pand-001")
	require.NoError(t, err)
	assert.Equal(t, "pand-002", prev)
	back, err := c.GetSnapshot(ctx, "pand-001")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, back.Status)
	assert.Nil(t, back.RetiredAt)
}

func TestCatalog_ActivateErrors(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, c.RegisterSnapshot(ctx, record("pand", 1)))

	_, err := c.Activate(ctx, "pand", "nope")
	assert.True(t, errors.Is(err, fperrors.ErrSnapshotUnknown))

	_, err = c.Activate(ctx, "verblijfsobject", "pand-001")
	assert.True(t, errors.Is(err, fperrors.ErrInvalidParameter))
}

func TestCatalog_ConcurrentActivation(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	const n = 8
	for i := 1; i <= n; i++ {
		require.NoError(t, c.RegisterSnapshot(ctx, record("pand", i)))
	}

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Activate(ctx, "pand", fmt.Sprintf("pand-%03d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snaps, err := c.ListSnapshots(ctx, "pand")
	require.NoError(t, err)
	active := 0
	for _, s := range snaps {
		if s.Status == StatusActive {
			active++
		} else {
			assert.Equal(t, StatusRetired, s.Status)
		}
	}
	assert.Equal(t, 1, active)
}

func TestCatalog_ListCollectionsAndSnapshots(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureCollection(ctx, "pand", "Panden", "BAG buildings"))
	for i := 1; i <= 3; i++ {
		require.NoError(t, c.RegisterSnapshot(ctx, record("pand", i)))
	}
	require.NoError(t, c.RegisterSnapshot(ctx, record("weg", 1)))
	_, err := c.Activate(ctx, "pand", "pand-002")
	require.NoError(t, err)

	// An empty title keeps the stored one.
	require.NoError(t, c.EnsureCollection(ctx, "pand", "", ""))
	assert.Error(t, c.EnsureCollection(ctx, "", "x", ""))

	cols, err := c.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "pand", cols[0].CollectionID)
	assert.Equal(t, "Panden", cols[0].Title)
	assert.Equal(t, "BAG buildings", cols[0].Description)
	assert.Equal(t, "pand-002", cols[0].ActiveSnapshotID)
	assert.Equal(t, 3, cols[0].SnapshotCount)
	assert.Equal(t, "weg", cols[1].CollectionID)
	assert.Empty(t, cols[1].ActiveSnapshotID)

	snaps, err := c.ListSnapshots(ctx, "pand")
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, []string{"pand-003", "pand-002", "pand-001"},
		[]string{snaps[0].SnapshotID, snaps[1].SnapshotID, snaps[2].SnapshotID})

	all, err := c.ActiveSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "pand-002", all[0].SnapshotID)
}

func TestCatalog_PurgeRetired(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, c.RegisterSnapshot(ctx, record("pand", i)))
		_, err := c.Activate(ctx, "pand", fmt.Sprintf("pand-%03d", i))
		require.NoError(t, err)
	}
	require.NoError(t, c.RegisterSnapshot(ctx, record("weg", 1)))
	require.NoError(t, c.RegisterSnapshot(ctx, record("weg", 2)))
	_, err := c.Activate(ctx, "weg", "weg-001")
	require.NoError(t, err)
	_, err = c.Activate(ctx, "weg", "weg-002")
	require.NoError(t, err)

	// pand-001..003 are retired, newest retirement first: 003, 002, 001.
	purged, err := c.PurgeRetired(ctx, "pand", 1)
	require.NoError(t, err)
	ids := make([]string, len(purged))
	for i, p := range purged {
		ids[i] = p.SnapshotID
	}
	assert.ElementsMatch(t, []string{"pand-001", "pand-002"}, ids)

	snaps, err := c.ListSnapshots(ctx, "pand")
	require.NoError(t, err)
	assert.Len(t, snaps, 2)

	purged, err = c.PurgeRetired(ctx, "", 0)
	require.NoError(t, err)
	ids = ids[:0]
	for _, p := range purged {
		ids = append(ids, p.SnapshotID)
	}
	assert.ElementsMatch(t, []string{"pand-003", "weg-001"}, ids)

	active, err := c.ActiveSnapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2, "active snapshots are never purged")
}

func TestCatalog_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	ctx := context.Background()

	c, err := NewCatalog(path)
	require.NoError(t, err)
	require.NoError(t, c.RegisterSnapshot(ctx, record("pand", 1)))
	_, err = c.Activate(ctx, "pand", "pand-001")
	require.NoError(t, err)
	require.NoError(t, c.RunAnalyze(ctx))
	require.NoError(t, c.Close())

	c, err = NewCatalog(path)
	require.NoError(t, err)
	defer c.Close()
	active, err := c.ActiveSnapshot(ctx, "pand")
	require.NoError(t, err)
	assert.Equal(t, "pand-001", active.SnapshotID)
}

func TestNewSnapshotRecord(t *testing.T) {
	meta := &snapshot.Metadata{
		SnapshotID:    "s1",
		CollectionID:  "pand",
		CreatedAt:     time.Unix(1700000000, 0),
		FeatureCount:  42,
		Extent:        &types.BBox{MaxX: 1, MaxY: 1},
		CRS:           7415,
		IndexedFields: []string{"status"},
	}
	rec := NewSnapshotRecord(meta, "collections/pand/snapshots/s1.fpk.sz", 512)
	assert.Equal(t, "s1", rec.SnapshotID)
	assert.Equal(t, "pand", rec.CollectionID)
	assert.Equal(t, int64(512), rec.SizeBytes)
	assert.Equal(t, uint64(42), rec.FeatureCount)
	assert.Equal(t, []string{"status"}, rec.IndexedFields)

	meta.IndexedFields[0] = "changed"
	assert.Equal(t, "status", rec.IndexedFields[0])
}
