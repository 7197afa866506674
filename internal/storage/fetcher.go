package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/featurepack/featurepack/internal/logging"
)

// Fetcher materializes snapshot artifacts in a local directory so they can be
// memory mapped. Missing artifacts are downloaded in parallel.
type Fetcher struct {
	artifacts   *Artifacts
	concurrency int
	dir         string
	cache       *ArtifactCache
	logger      *slog.Logger
}

// FetchRequest specifies which artifacts to materialize with optional priorities.
type FetchRequest struct {
	Keys     []string
	Priority []int // 0=active snapshot, 1=prefetch
}

// FetchResult contains the outcome of a FetchAll call.
type FetchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	CacheHits  int
	Downloads  int
}

// NewFetcher creates a fetcher writing into dir. A nil cache gets a
// default-sized ArtifactCache.
func NewFetcher(artifacts *Artifacts, dir string, concurrency int, cache *ArtifactCache, logger *slog.Logger) (*Fetcher, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "featurepack")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if cache == nil {
		cache = NewArtifactCache(0)
	}
	return &Fetcher{
		artifacts:   artifacts,
		concurrency: concurrency,
		dir:         dir,
		cache:       cache,
		logger:      logging.Or(logger),
	}, nil
}

// Cache returns the cache tracking the fetched artifacts.
func (f *Fetcher) Cache() *ArtifactCache { return f.cache }

// LocalPath returns where the artifact stored under key is materialized.
func (f *Fetcher) LocalPath(key string) string {
	name := strings.TrimSuffix(key, compressedExt)
	name = strings.ReplaceAll(filepath.ToSlash(name), "/", "_")
	return filepath.Join(f.dir, name)
}

// Fetch returns the local path of one artifact, downloading it on a miss.
func (f *Fetcher) Fetch(ctx context.Context, key string) (string, error) {
	if local, ok := f.lookup(key); ok {
		return local, nil
	}
	return f.download(ctx, key)
}

// FetchAll materializes several artifacts, priority 0 first. Failures are
// reported per key.
func (f *Fetcher) FetchAll(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	result := &FetchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}
	if len(req.Keys) == 0 {
		return result, nil
	}

	priority := req.Priority
	if len(priority) == 0 {
		priority = make([]int, len(req.Keys))
	} else if len(priority) != len(req.Keys) {
		return nil, fmt.Errorf("priority array length must match keys count")
	}

	type keyWithPriority struct {
		key      string
		priority int
	}
	keys := make([]keyWithPriority, len(req.Keys))
	for i, k := range req.Keys {
		keys[i] = keyWithPriority{key: k, priority: priority[i]}
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return keys[i].priority < keys[j].priority
	})

	var queue []string
	for _, k := range keys {
		if local, ok := f.lookup(k.key); ok {
			result.LocalPaths[k.key] = local
			result.CacheHits++
			continue
		}
		queue = append(queue, k.key)
	}

	sem := semaphore.NewWeighted(int64(f.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, key := range queue {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[key] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(key string) {
			defer sem.Release(1)
			defer wg.Done()

			local, err := f.download(ctx, key)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[key] = err
				return
			}
			result.LocalPaths[key] = local
			result.Downloads++
		}(key)
	}

	wg.Wait()
	return result, nil
}

// lookup reports a cache hit. Artifacts left on disk by a previous process
// are adopted into the cache.
func (f *Fetcher) lookup(key string) (string, bool) {
	if local := f.cache.Get(key); local != "" {
		return local, true
	}
	local := f.LocalPath(key)
	if _, err := os.Stat(local); err == nil {
		f.cache.Put(key, local)
		return local, true
	}
	return "", false
}

func (f *Fetcher) download(ctx context.Context, key string) (string, error) {
	local := f.LocalPath(key)
	meta, err := f.artifacts.Fetch(ctx, key, local)
	if err != nil {
		return "", err
	}
	f.cache.Put(key, local)
	f.logger.Info("artifact fetched",
		"key", key,
		"path", local,
		"snapshot_id", meta.SnapshotID,
		"feature_count", meta.FeatureCount)
	return local, nil
}
