package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/featurepack/featurepack/internal/catalog"
	"github.com/featurepack/featurepack/internal/logging"
	"github.com/featurepack/featurepack/internal/observability"
	"github.com/featurepack/featurepack/internal/snapshot"
	"github.com/featurepack/featurepack/internal/storage"
)

// Reloader keeps the registry serving the active snapshot of every
// collection in the catalog. Artifacts are fetched into the local cache,
// memory mapped and published; the snapshot they replace is unmapped once
// its last reader releases it.
type Reloader struct {
	interval time.Duration
	catalog  catalog.Catalog
	fetcher  *storage.Fetcher
	registry *snapshot.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger

	syncMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewReloader creates a reloader polling every interval. metrics may be nil.
func NewReloader(interval time.Duration, cat catalog.Catalog, fetcher *storage.Fetcher, registry *snapshot.Registry, metrics *observability.Metrics, logger *slog.Logger) *Reloader {
	return &Reloader{
		interval: interval,
		catalog:  cat,
		fetcher:  fetcher,
		registry: registry,
		metrics:  metrics,
		logger:   logging.Or(logger),
	}
}

// SyncResult reports what one sync changed.
type SyncResult struct {
	Published []string
	Removed   []string
	Failed    map[string]error
}

// Sync publishes every active snapshot that is not served yet and removes
// collections that no longer have one. A snapshot that fails to load leaves
// its collection on the previous snapshot.
func (r *Reloader) Sync(ctx context.Context) (*SyncResult, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	active, err := r.catalog.ActiveSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload: list active snapshots: %w", err)
	}

	result := &SyncResult{Failed: make(map[string]error)}
	wanted := make(map[string]bool, len(active))
	var stale []*catalog.SnapshotRecord
	for _, rec := range active {
		wanted[rec.CollectionID] = true
		if current, ok := r.registry.Current(rec.CollectionID); ok && current == rec.SnapshotID {
			continue
		}
		stale = append(stale, rec)
	}

	for _, collection := range r.registry.Collections() {
		if !wanted[collection] {
			r.registry.Remove(collection)
			result.Removed = append(result.Removed, collection)
			r.logger.Info("collection unpublished", "collection", collection)
		}
	}
	if len(stale) == 0 {
		return result, nil
	}

	// Pin before fetching so one download cannot evict another.
	cache := r.fetcher.Cache()
	keys := make([]string, len(stale))
	for i, rec := range stale {
		keys[i] = rec.ObjectKey
		cache.Pin(rec.ObjectKey)
	}
	fetched, err := r.fetcher.FetchAll(ctx, &storage.FetchRequest{Keys: keys})
	if err != nil {
		for _, key := range keys {
			cache.Unpin(key)
		}
		return nil, fmt.Errorf("reload: fetch artifacts: %w", err)
	}
	if r.metrics != nil {
		r.metrics.ObserveFetch(fetched.CacheHits, fetched.Downloads, len(fetched.Errors))
	}

	for _, rec := range stale {
		local, ok := fetched.LocalPaths[rec.ObjectKey]
		if !ok {
			cache.Unpin(rec.ObjectKey)
			result.Failed[rec.CollectionID] = fetched.Errors[rec.ObjectKey]
			r.logger.Error("artifact fetch failed",
				"collection", rec.CollectionID,
				"snapshot_id", rec.SnapshotID,
				"error", fetched.Errors[rec.ObjectKey])
			continue
		}
		if err := r.publish(rec, local); err != nil {
			cache.Unpin(rec.ObjectKey)
			result.Failed[rec.CollectionID] = err
			r.logger.Error("snapshot load failed",
				"collection", rec.CollectionID,
				"snapshot_id", rec.SnapshotID,
				"error", err)
			continue
		}
		result.Published = append(result.Published, rec.CollectionID)
	}
	return result, nil
}

func (r *Reloader) publish(rec *catalog.SnapshotRecord, local string) error {
	snap, err := snapshot.Open(local, snapshot.WithLogger(r.logger))
	if err != nil {
		// A corrupt local copy is dropped so the next sync downloads it again.
		r.fetcher.Cache().Remove(rec.ObjectKey)
		return err
	}
	meta := snap.Meta()
	if meta.SnapshotID != rec.SnapshotID || meta.CollectionID != rec.CollectionID {
		snap.Close()
		r.fetcher.Cache().Remove(rec.ObjectKey)
		return fmt.Errorf("artifact %s holds snapshot %s/%s", rec.ObjectKey, meta.CollectionID, meta.SnapshotID)
	}

	key := rec.ObjectKey
	cache := r.fetcher.Cache()
	snap.SetOnClose(func() { cache.Unpin(key) })
	r.registry.Publish(snap)
	if r.metrics != nil {
		r.metrics.ObservePublish(rec.CollectionID)
	}
	r.logger.Info("snapshot published",
		"collection", rec.CollectionID,
		"snapshot_id", rec.SnapshotID,
		"features", meta.FeatureCount,
		"path", local)
	return nil
}

// Start begins polling. It runs until the context is cancelled or Stop is called.
func (r *Reloader) Start(ctx context.Context) error {
	if r.interval <= 0 {
		return fmt.Errorf("reload: interval must be positive")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("reload: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.done = make(chan struct{})

	go r.run(ctx)
	return nil
}

// Stop stops polling and waits for a sync in progress.
func (r *Reloader) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}

	r.cancel()
	<-r.done
	r.running = false
	return nil
}

// Close implements io.Closer for the shutdown manager.
func (r *Reloader) Close() error {
	return r.Stop()
}

func (r *Reloader) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.Sync(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("reload failed", "error", err)
				}
				continue
			}
			if len(res.Published) > 0 || len(res.Removed) > 0 {
				r.logger.Debug("reload complete",
					"published", res.Published,
					"removed", res.Removed,
					"failed", len(res.Failed))
			}
		}
	}
}

// registryIndexedFields reports the indexed fields of the published snapshots.
type registryIndexedFields struct {
	registry *snapshot.Registry
}

func (p registryIndexedFields) IndexedFields(collection string) ([]string, bool) {
	snap, err := p.registry.Acquire(collection)
	if err != nil {
		return nil, false
	}
	defer snap.Release()
	return snap.Meta().IndexedFields, true
}
