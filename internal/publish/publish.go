// Package publish moves built snapshot artifacts into object storage and the
// catalog, and removes the artifacts of snapshots that are no longer needed.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/featurepack/featurepack/internal/catalog"
	"github.com/featurepack/featurepack/internal/logging"
	"github.com/featurepack/featurepack/internal/snapshot"
	"github.com/featurepack/featurepack/internal/storage"
)

// Publisher uploads artifacts and registers them in the catalog. It is the
// single writer of a deployment.
type Publisher struct {
	artifacts *storage.Artifacts
	catalog   catalog.Catalog
	logger    *slog.Logger
}

// NewPublisher creates a publisher.
func NewPublisher(artifacts *storage.Artifacts, cat catalog.Catalog, logger *slog.Logger) *Publisher {
	return &Publisher{artifacts: artifacts, catalog: cat, logger: logging.Or(logger)}
}

// Options controls one publish.
type Options struct {
	// Title and Description update the collection when non-empty.
	Title       string
	Description string

	// Activate makes the snapshot the served one once registered.
	Activate bool
}

// Result describes a published snapshot.
type Result struct {
	Record *catalog.SnapshotRecord
	// Retired is the snapshot the activation replaced, if any.
	Retired string
}

// Publish uploads the artifact at localPath built with meta, registers it as
// pending and, if requested, activates it. The artifact is verified by
// opening it before anything is uploaded.
func (p *Publisher) Publish(ctx context.Context, localPath string, meta *snapshot.Metadata, opts Options) (*Result, error) {
	if err := verify(localPath, meta); err != nil {
		return nil, err
	}

	obj, err := p.artifacts.Put(ctx, localPath, storage.ArtifactMeta{
		Collection:   meta.CollectionID,
		SnapshotID:   meta.SnapshotID,
		FeatureCount: meta.FeatureCount,
	})
	if err != nil {
		return nil, err
	}
	key := obj.Key

	if err := p.catalog.EnsureCollection(ctx, meta.CollectionID, opts.Title, opts.Description); err != nil {
		return nil, err
	}
	rec := catalog.NewSnapshotRecord(meta, key, obj.Size)
	if err := p.catalog.RegisterSnapshot(ctx, rec); err != nil {
		return nil, err
	}
	p.logger.Info("snapshot registered",
		"collection", meta.CollectionID,
		"snapshot_id", meta.SnapshotID,
		"features", meta.FeatureCount,
		"key", key)

	res := &Result{Record: rec}
	if !opts.Activate {
		return res, nil
	}
	retired, err := p.catalog.Activate(ctx, meta.CollectionID, meta.SnapshotID)
	if err != nil {
		return nil, err
	}
	res.Retired = retired
	rec.Status = catalog.StatusActive
	p.logger.Info("snapshot activated",
		"collection", meta.CollectionID,
		"snapshot_id", meta.SnapshotID,
		"retired", retired)
	return res, nil
}

// verify opens the artifact the way a server would and checks it is the
// snapshot described by meta.
func verify(localPath string, meta *snapshot.Metadata) error {
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	s, err := snapshot.Open(localPath)
	if err != nil {
		return err
	}
	defer s.Close()
	if got := s.Meta(); got.SnapshotID != meta.SnapshotID || got.CollectionID != meta.CollectionID {
		return fmt.Errorf("publish: artifact %s holds snapshot %s/%s, expected %s/%s",
			localPath, got.CollectionID, got.SnapshotID, meta.CollectionID, meta.SnapshotID)
	}
	return nil
}
