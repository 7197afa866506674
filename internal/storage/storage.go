// Package storage moves snapshot artifacts between object storage and the
// local artifact directory of a server.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ArtifactContentType is the media type of an artifact object: a snapshot
// compressed in the snappy framing format.
const ArtifactContentType = "application/x-snappy-framed"

// Object metadata keys. S3 lower-cases user metadata keys, so these are
// lower case already.
const (
	metaCollection   = "collection"
	metaSnapshotID   = "snapshot-id"
	metaFeatureCount = "feature-count"
	metaArtifactSize = "artifact-size"
)

// ArtifactMeta describes the snapshot held by an artifact object. It is
// recorded as object metadata on upload and checked on every fetch.
type ArtifactMeta struct {
	Collection   string
	SnapshotID   string
	FeatureCount uint64
	// Size is the uncompressed artifact size in bytes.
	Size int64
}

// Key returns the object key the artifact is stored under.
func (m ArtifactMeta) Key() string {
	return ArtifactKey(m.Collection, m.SnapshotID)
}

func (m ArtifactMeta) encode() map[string]string {
	return map[string]string{
		metaCollection:   m.Collection,
		metaSnapshotID:   m.SnapshotID,
		metaFeatureCount: strconv.FormatUint(m.FeatureCount, 10),
		metaArtifactSize: strconv.FormatInt(m.Size, 10),
	}
}

func decodeArtifactMeta(md map[string]string) (ArtifactMeta, error) {
	m := ArtifactMeta{
		Collection: md[metaCollection],
		SnapshotID: md[metaSnapshotID],
	}
	if m.Collection == "" || m.SnapshotID == "" {
		return ArtifactMeta{}, fmt.Errorf("object carries no snapshot metadata")
	}
	var err error
	if m.FeatureCount, err = strconv.ParseUint(md[metaFeatureCount], 10, 64); err != nil {
		return ArtifactMeta{}, fmt.Errorf("%s: %w", metaFeatureCount, err)
	}
	if m.Size, err = strconv.ParseInt(md[metaArtifactSize], 10, 64); err != nil || m.Size < 0 {
		return ArtifactMeta{}, fmt.Errorf("%s: invalid value %q", metaArtifactSize, md[metaArtifactSize])
	}
	return m, nil
}

// Object describes a stored object.
type Object struct {
	Key         string
	Size        int64
	ETag        string
	ContentType string
	Metadata    map[string]string
}

// ObjectStorage abstracts object storage operations.
// Implementations are S3 and the local filesystem.
type ObjectStorage interface {
	// Put uploads the file at localPath under key, recording contentType
	// and metadata with the object.
	Put(ctx context.Context, key, localPath, contentType string, metadata map[string]string) (*Object, error)

	// Get writes the object to localPath and returns its description. A
	// missing object is reported as ErrObjectNotFound.
	Get(ctx context.Context, key, localPath string) (*Object, error)

	// Head describes an object without transferring it.
	Head(ctx context.Context, key string) (*Object, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes. Objects no larger than
	// one part are uploaded in a single request.
	PartSize int64
	// Concurrency is the number of parts in flight.
	Concurrency int
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize:    8 << 20,
		Concurrency: 4,
	}
}
