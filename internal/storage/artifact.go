package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/golang/snappy"

	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/internal/logging"
)

const (
	// ArtifactExt is the extension of an uncompressed snapshot artifact.
	ArtifactExt = ".fpk"
	// compressedExt marks artifacts in object storage, which are kept in
	// the snappy framing format.
	compressedExt = ".sz"
)

// ArtifactKey returns the object key of a snapshot artifact.
func ArtifactKey(collection, snapshotID string) string {
	return path.Join("collections", collection, "snapshots", snapshotID+ArtifactExt+compressedExt)
}

// Artifacts publishes and retrieves snapshot artifacts. Artifacts are
// compressed on upload and decompressed on download so the local copy can be
// memory mapped.
type Artifacts struct {
	store  ObjectStorage
	logger *slog.Logger
}

// NewArtifacts wraps an object store.
func NewArtifacts(store ObjectStorage, logger *slog.Logger) *Artifacts {
	return &Artifacts{store: store, logger: logging.Or(logger)}
}

// Put compresses the artifact at localPath and uploads it under meta.Key().
// meta.Size is taken from the file; the rest of meta travels with the object
// as metadata.
func (a *Artifacts) Put(ctx context.Context, localPath string, meta ArtifactMeta) (*Object, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return nil, fperrors.NewStorageError(fperrors.CodeUploadFailed, "open artifact", err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return nil, fperrors.NewStorageError(fperrors.CodeUploadFailed, "stat artifact", err)
	}
	meta.Size = info.Size()
	key := meta.Key()

	tmp, err := os.CreateTemp("", "featurepack-upload-*"+compressedExt)
	if err != nil {
		return nil, fperrors.NewStorageError(fperrors.CodeUploadFailed, "create upload buffer", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	zw := snappy.NewBufferedWriter(tmp)
	if _, err := io.Copy(zw, src); err != nil {
		return nil, fperrors.NewStorageError(fperrors.CodeUploadFailed, "compress artifact", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fperrors.NewStorageError(fperrors.CodeUploadFailed, "compress artifact", err)
	}

	obj, err := a.store.Put(ctx, key, tmp.Name(), ArtifactContentType, meta.encode())
	if err != nil {
		return nil, fperrors.NewStorageError(fperrors.CodeUploadFailed,
			fmt.Sprintf("upload %s", key), err)
	}
	a.logger.Info("artifact uploaded",
		"key", key,
		"snapshot_id", meta.SnapshotID,
		"feature_count", meta.FeatureCount,
		"bytes", meta.Size,
		"compressed_bytes", obj.Size,
		"etag", obj.ETag)
	return obj, nil
}

// Fetch downloads the artifact stored under key and writes the decompressed
// bytes to dstPath. The object's content type and metadata must describe the
// artifact the key names, and the decompressed size must match the recorded
// one. dstPath only ever holds a complete, verified artifact.
func (a *Artifacts) Fetch(ctx context.Context, key, dstPath string) (ArtifactMeta, error) {
	tmp, err := os.CreateTemp("", "featurepack-download-*"+compressedExt)
	if err != nil {
		return ArtifactMeta{}, fperrors.NewStorageError(fperrors.CodeDownloadFailed, "create download buffer", err)
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	obj, err := a.store.Get(ctx, key, tmp.Name())
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return ArtifactMeta{}, fperrors.NewStorageError(fperrors.CodeObjectNotFound,
				fmt.Sprintf("artifact %s not found", key), err)
		}
		return ArtifactMeta{}, fperrors.NewStorageError(fperrors.CodeDownloadFailed,
			fmt.Sprintf("download %s", key), err)
	}

	meta, err := verifyArtifact(key, obj)
	if err != nil {
		return ArtifactMeta{}, fperrors.NewStorageError(fperrors.CodeArtifactMismatch,
			fmt.Sprintf("artifact %s", key), err)
	}

	src, err := os.Open(tmp.Name())
	if err != nil {
		return ArtifactMeta{}, fperrors.NewStorageError(fperrors.CodeDownloadFailed, "open download buffer", err)
	}
	defer src.Close()

	if _, err := copyAtomic(dstPath, snappy.NewReader(src), meta.Size); err != nil {
		return ArtifactMeta{}, fperrors.NewStorageError(fperrors.CodeArtifactMismatch,
			fmt.Sprintf("decompress %s", key), err)
	}
	return meta, nil
}

func verifyArtifact(key string, obj *Object) (ArtifactMeta, error) {
	if obj.ContentType != ArtifactContentType {
		return ArtifactMeta{}, fmt.Errorf("content type %q, want %q", obj.ContentType, ArtifactContentType)
	}
	meta, err := decodeArtifactMeta(obj.Metadata)
	if err != nil {
		return ArtifactMeta{}, err
	}
	if got := meta.Key(); got != key {
		return ArtifactMeta{}, fmt.Errorf("metadata names %s", got)
	}
	return meta, nil
}

// Delete removes the artifact stored under key.
func (a *Artifacts) Delete(ctx context.Context, key string) error {
	if err := a.store.Delete(ctx, key); err != nil {
		return fperrors.NewStorageError(fperrors.CodeDeleteFailed, fmt.Sprintf("delete %s", key), err)
	}
	return nil
}

// List returns the artifact keys of a collection.
func (a *Artifacts) List(ctx context.Context, collection string) ([]string, error) {
	keys, err := a.store.List(ctx, path.Join("collections", collection, "snapshots"))
	if err != nil {
		return nil, fperrors.NewStorageError(fperrors.CodeDownloadFailed, "list artifacts", err)
	}
	return keys, nil
}
