package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featurepack/featurepack/internal/catalog"
	"github.com/featurepack/featurepack/internal/config"
	"github.com/featurepack/featurepack/internal/logging"
	"github.com/featurepack/featurepack/internal/observability"
	"github.com/featurepack/featurepack/internal/publish"
	"github.com/featurepack/featurepack/internal/snapshot"
	"github.com/featurepack/featurepack/internal/storage"
	"github.com/featurepack/featurepack/internal/testutil"
)

// writer is the offline side of a deployment: it builds and publishes
// snapshots into the storage and catalog a server reads.
type writer struct {
	dir       string
	store     *storage.LocalStorage
	catalog   *catalog.SQLiteCatalog
	publisher *publish.Publisher
}

func newWriter(t *testing.T, storagePath, catalogPath string) *writer {
	t.Helper()
	store, err := storage.NewLocalStorage(storagePath)
	require.NoError(t, err)
	cat, err := catalog.NewCatalog(catalogPath, catalog.WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return &writer{
		dir:       t.TempDir(),
		store:     store,
		catalog:   cat,
		publisher: publish.NewPublisher(storage.NewArtifacts(store, logging.Discard()), cat, logging.Discard()),
	}
}

func (w *writer) publish(t *testing.T, collection string, n int) *snapshot.Metadata {
	t.Helper()
	opts := snapshot.DefaultOptions()
	opts.CollectionID = collection
	opts.IndexedFields = []string{"b3_bouwlagen"}
	opts.Logger = logging.Discard()
	path := filepath.Join(w.dir, collection+".fpk")
	meta, err := snapshot.BuildFile(context.Background(), path, testutil.Grid(n), opts)
	require.NoError(t, err)
	_, err = w.publisher.Publish(context.Background(), path, meta, publish.Options{Activate: true})
	require.NoError(t, err)
	return meta
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Catalog.ReloadInterval = 0
	cfg.Resolve()
	return cfg
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestApp_ServesAndReloads(t *testing.T) {
	cfg := testConfig(t)
	w := newWriter(t, cfg.Storage.Path, cfg.Catalog.Path)
	first := w.publish(t, "pand", 40)

	a, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, a.StartListener(context.Background(), ln))
	base := "http://" + ln.Addr().String()

	var page struct {
		NumberReturned int `json:"numberReturned"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, base+"/collections/pand/items?limit=5", &page))
	assert.Equal(t, 5, page.NumberReturned)

	var info struct {
		SnapshotID   string `json:"snapshot_id"`
		FeatureCount int    `json:"feature_count"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, base+"/collections/pand", &info))
	assert.Equal(t, first.SnapshotID, info.SnapshotID)
	assert.Equal(t, 40, info.FeatureCount)

	second := w.publish(t, "pand", 60)
	res, err := a.Reloader().Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"pand"}, res.Published)

	require.Equal(t, http.StatusOK, getJSON(t, base+"/collections/pand", &info))
	assert.Equal(t, second.SnapshotID, info.SnapshotID)
	assert.Equal(t, 60, info.FeatureCount)

	// A second sync has nothing to do.
	res, err = a.Reloader().Sync(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Published)

	require.NoError(t, a.Stop(context.Background()))
	_, err = http.Get(base + "/health")
	assert.Error(t, err, "listener is closed after Stop")
	assert.Empty(t, a.Registry().Collections())
}

func TestApp_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Type = "ftp"
	_, err := New(cfg, logging.Discard())
	assert.Error(t, err)
}

func TestApp_StartTwice(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Stop(context.Background()) })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Error(t, a.StartListener(context.Background(), ln))
}

type reloaderEnv struct {
	writer   *writer
	registry *snapshot.Registry
	cache    *storage.ArtifactCache
	reloader *Reloader
	metrics  *observability.Metrics
}

func newReloaderEnv(t *testing.T, interval time.Duration) *reloaderEnv {
	t.Helper()
	dir := t.TempDir()
	w := newWriter(t, filepath.Join(dir, "objects"), filepath.Join(dir, "catalog.db"))
	cache := storage.NewArtifactCache(0)
	fetcher, err := storage.NewFetcher(storage.NewArtifacts(w.store, logging.Discard()), filepath.Join(dir, "cache"), 2, cache, logging.Discard())
	require.NoError(t, err)
	registry := snapshot.NewRegistry()
	t.Cleanup(func() { registry.Close() })
	metrics := observability.NewMetrics()
	return &reloaderEnv{
		writer:   w,
		registry: registry,
		cache:    cache,
		metrics:  metrics,
		reloader: NewReloader(interval, w.catalog, fetcher, registry, metrics, logging.Discard()),
	}
}

func TestReloader_FailedFetchKeepsPrevious(t *testing.T) {
	env := newReloaderEnv(t, 0)
	ctx := context.Background()

	first := env.writer.publish(t, "pand", 10)
	res, err := env.reloader.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"pand"}, res.Published)

	second := env.writer.publish(t, "pand", 12)
	require.NoError(t, env.writer.store.Delete(ctx, storage.ArtifactKey("pand", second.SnapshotID)))

	res, err = env.reloader.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Published)
	assert.Contains(t, res.Failed, "pand")

	current, ok := env.registry.Current("pand")
	require.True(t, ok)
	assert.Equal(t, first.SnapshotID, current)
}

func TestReloader_UnpinsRetiredArtifact(t *testing.T) {
	env := newReloaderEnv(t, 0)
	ctx := context.Background()

	first := env.writer.publish(t, "pand", 10)
	_, err := env.reloader.Sync(ctx)
	require.NoError(t, err)
	key := storage.ArtifactKey("pand", first.SnapshotID)

	// Hold a reader on the first snapshot across the swap.
	snap, err := env.registry.Acquire("pand")
	require.NoError(t, err)

	env.writer.publish(t, "pand", 11)
	_, err = env.reloader.Sync(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, env.cache.Get(key), "still cached while a reader holds it")
	snap.Release()
	assert.EqualValues(t, 0, snap.Refs())
}

func TestReloader_MultipleCollections(t *testing.T) {
	env := newReloaderEnv(t, 0)
	for i := 0; i < 3; i++ {
		env.writer.publish(t, fmt.Sprintf("col%d", i), 5+i)
	}
	res, err := env.reloader.Sync(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"col0", "col1", "col2"}, res.Published)
	assert.Equal(t, []string{"col0", "col1", "col2"}, env.registry.Collections())
}

func TestReloader_StartStop(t *testing.T) {
	env := newReloaderEnv(t, 10*time.Millisecond)
	require.NoError(t, env.reloader.Start(context.Background()))
	assert.Error(t, env.reloader.Start(context.Background()))

	env.writer.publish(t, "pand", 8)
	require.Eventually(t, func() bool {
		_, ok := env.registry.Current("pand")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.reloader.Stop())
	require.NoError(t, env.reloader.Stop())

	assert.Error(t, NewReloader(0, nil, nil, nil, nil, nil).Start(context.Background()))
}

func TestRegistryIndexedFields(t *testing.T) {
	env := newReloaderEnv(t, 0)
	env.writer.publish(t, "pand", 4)
	_, err := env.reloader.Sync(context.Background())
	require.NoError(t, err)

	p := registryIndexedFields{env.registry}
	fields, ok := p.IndexedFields("pand")
	assert.True(t, ok)
	assert.Equal(t, []string{"b3_bouwlagen"}, fields)

	_, ok = p.IndexedFields("wegdeel")
	assert.False(t, ok)
}
