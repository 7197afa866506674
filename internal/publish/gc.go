package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/featurepack/featurepack/internal/catalog"
	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/internal/logging"
	"github.com/featurepack/featurepack/internal/storage"
)

// GarbageCollector removes retired snapshots beyond the newest Keep per
// collection. Kept retired snapshots allow rolling back with Activate, and
// give servers that have not reloaded yet time to move on.
type GarbageCollector struct {
	catalog   catalog.Catalog
	artifacts *storage.Artifacts
	keep      int
	logger    *slog.Logger
}

// NewGarbageCollector creates a garbage collector keeping keep retired
// snapshots per collection.
func NewGarbageCollector(cat catalog.Catalog, artifacts *storage.Artifacts, keep int, logger *slog.Logger) *GarbageCollector {
	if keep < 0 {
		keep = 0
	}
	return &GarbageCollector{catalog: cat, artifacts: artifacts, keep: keep, logger: logging.Or(logger)}
}

// GCResult holds the outcome of a garbage collection run.
type GCResult struct {
	DeletedSnapshots []string
	DeletedObjects   []string
	Errors           []error
}

// Collect purges retired snapshots of collection ("" for all) from the
// catalog and then deletes their artifacts. Catalog rows go first so no
// server is ever told to load a deleted artifact; an artifact whose delete
// fails is left orphaned and reported.
func (gc *GarbageCollector) Collect(ctx context.Context, collection string) (*GCResult, error) {
	purged, err := gc.catalog.PurgeRetired(ctx, collection, gc.keep)
	if err != nil {
		return nil, fmt.Errorf("publish/gc: %w", err)
	}

	result := &GCResult{}
	for _, rec := range purged {
		result.DeletedSnapshots = append(result.DeletedSnapshots, rec.SnapshotID)
		err := gc.artifacts.Delete(ctx, rec.ObjectKey)
		if err != nil && !errors.Is(err, fperrors.ErrArtifactNotFound) && !errors.Is(err, storage.ErrObjectNotFound) {
			gc.logger.Warn("artifact delete failed", "key", rec.ObjectKey, "error", err)
			result.Errors = append(result.Errors, err)
			continue
		}
		result.DeletedObjects = append(result.DeletedObjects, rec.ObjectKey)
	}

	if len(result.DeletedSnapshots) > 0 {
		gc.logger.Info("retired snapshots collected",
			"collection", collection,
			"snapshots", len(result.DeletedSnapshots),
			"objects", len(result.DeletedObjects),
			"errors", len(result.Errors))
	}
	return result, nil
}

// Keep returns how many retired snapshots per collection are kept.
func (gc *GarbageCollector) Keep() int {
	return gc.keep
}
