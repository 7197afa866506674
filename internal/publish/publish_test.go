package publish

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featurepack/featurepack/internal/catalog"
	"github.com/featurepack/featurepack/internal/logging"
	"github.com/featurepack/featurepack/internal/snapshot"
	"github.com/featurepack/featurepack/internal/storage"
	"github.com/featurepack/featurepack/internal/testutil"
)

type env struct {
	store     *storage.LocalStorage
	artifacts *storage.Artifacts
	catalog   *catalog.SQLiteCatalog
	publisher *Publisher
	dir       string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	cat, err := catalog.NewCatalog(filepath.Join(dir, "catalog.db"), catalog.WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	artifacts := storage.NewArtifacts(store, logging.Discard())
	return &env{
		store:     store,
		artifacts: artifacts,
		catalog:   cat,
		publisher: NewPublisher(artifacts, cat, logging.Discard()),
		dir:       dir,
	}
}

func (e *env) build(t *testing.T, n int) (string, *snapshot.Metadata) {
	t.Helper()
	opts := snapshot.DefaultOptions()
	opts.CollectionID = "pand"
	opts.IndexedFields = []string{"status"}
	opts.Logger = logging.Discard()
	path := filepath.Join(e.dir, "build", "pand.fpk")
	meta, err := snapshot.BuildFile(context.Background(), path, testutil.Grid(n), opts)
	require.NoError(t, err)
	return path, meta
}

func TestPublish_Activate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	path, meta := e.build(t, 20)
	res, err := e.publisher.Publish(ctx, path, meta, Options{Title: "Panden", Activate: true})
	require.NoError(t, err)
	assert.Empty(t, res.Retired)
	assert.Equal(t, catalog.StatusActive, res.Record.Status)
	assert.Equal(t, storage.ArtifactKey("pand", meta.SnapshotID), res.Record.ObjectKey)

	obj, err := e.store.Head(ctx, res.Record.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, storage.ArtifactContentType, obj.ContentType)
	assert.Equal(t, meta.SnapshotID, obj.Metadata["snapshot-id"])
	assert.Equal(t, "20", obj.Metadata["feature-count"])

	active, err := e.catalog.ActiveSnapshot(ctx, "pand")
	require.NoError(t, err)
	assert.Equal(t, meta.SnapshotID, active.SnapshotID)
	assert.EqualValues(t, 20, active.FeatureCount)

	path2, meta2 := e.build(t, 30)
	res, err = e.publisher.Publish(ctx, path2, meta2, Options{Activate: true})
	require.NoError(t, err)
	assert.Equal(t, meta.SnapshotID, res.Retired)

	cols, err := e.catalog.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, "Panden", cols[0].Title, "empty title keeps the stored one")
}

func TestPublish_Pending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	path, meta := e.build(t, 5)
	res, err := e.publisher.Publish(ctx, path, meta, Options{})
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusPending, res.Record.Status)

	_, err = e.catalog.ActiveSnapshot(ctx, "pand")
	assert.Error(t, err)
}

func TestPublish_RejectsMismatchedArtifact(t *testing.T) {
	e := newEnv(t)
	path, meta := e.build(t, 5)
	other := *meta
	other.SnapshotID = "not-this-one"

	_, err := e.publisher.Publish(context.Background(), path, &other, Options{Activate: true})
	require.Error(t, err)

	keys, err := e.artifacts.List(context.Background(), "pand")
	require.NoError(t, err)
	assert.Empty(t, keys, "nothing is uploaded for a rejected artifact")
}

func TestGarbageCollector(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var keys []string
	for i := 0; i < 4; i++ {
		path, meta := e.build(t, 10+i)
		res, err := e.publisher.Publish(ctx, path, meta, Options{Activate: true})
		require.NoError(t, err)
		keys = append(keys, res.Record.ObjectKey)
	}

	gc := NewGarbageCollector(e.catalog, e.artifacts, 1, logging.Discard())
	result, err := gc.Collect(ctx, "pand")
	require.NoError(t, err)
	assert.Len(t, result.DeletedSnapshots, 2)
	assert.ElementsMatch(t, keys[:2], result.DeletedObjects)
	assert.Empty(t, result.Errors)

	for i, key := range keys {
		_, err := e.store.Head(ctx, key)
		if i >= 2 {
			assert.NoError(t, err, key)
		} else {
			assert.ErrorIs(t, err, storage.ErrObjectNotFound, key)
		}
	}

	// Nothing left beyond the kept snapshot.
	result, err = gc.Collect(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, result.DeletedSnapshots)
}
