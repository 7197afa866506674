package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fperrors "github.com/featurepack/featurepack/internal/errors"
)

func writeArtifact(t *testing.T, content []byte) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "snap"+ArtifactExt)
	require.NoError(t, os.WriteFile(src, content, 0644))
	return src
}

func TestArtifacts_RoundTrip(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	require.NoError(t, err)
	a := NewArtifacts(storage, nil)
	ctx := context.Background()

	content := bytes.Repeat([]byte("FPK1 records tree attributes "), 4096)
	obj, err := a.Put(ctx, writeArtifact(t, content), ArtifactMeta{Collection: "pand", SnapshotID: "snap", FeatureCount: 4096})
	require.NoError(t, err)
	key := obj.Key
	assert.Equal(t, ArtifactKey("pand", "snap"), key)
	assert.Less(t, obj.Size, int64(len(content)), "repetitive content compresses")
	assert.Equal(t, ArtifactContentType, obj.ContentType)
	assert.NotEmpty(t, obj.ETag)

	// The stored object is a snappy framed stream.
	raw, err := os.ReadFile(filepath.Join(baseDir, filepath.FromSlash(key)))
	require.NoError(t, err)
	decoded := new(bytes.Buffer)
	_, err = decoded.ReadFrom(snappy.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, content, decoded.Bytes())

	dst := filepath.Join(t.TempDir(), "out", "snap"+ArtifactExt)
	meta, err := a.Fetch(ctx, key, dst)
	require.NoError(t, err)
	assert.Equal(t, ArtifactMeta{Collection: "pand", SnapshotID: "snap", FeatureCount: 4096, Size: int64(len(content))}, meta)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	keys, err := a.List(ctx, "pand")
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)

	require.NoError(t, a.Delete(ctx, key))
	keys, err = a.List(ctx, "pand")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestArtifacts_FetchMissing(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	a := NewArtifacts(storage, nil)

	dst := filepath.Join(t.TempDir(), "x"+ArtifactExt)
	_, err = a.Fetch(context.Background(), ArtifactKey("pand", "nope"), dst)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fperrors.ErrArtifactNotFound))
	assert.False(t, fperrors.IsRetryable(err))

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr), "no partial artifact is left behind")
}

func TestArtifacts_FetchMismatch(t *testing.T) {
	content := bytes.Repeat([]byte("FPK1 "), 1000)
	compressed := new(bytes.Buffer)
	zw := snappy.NewBufferedWriter(compressed)
	_, err := zw.Write(content)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	good := ArtifactMeta{Collection: "pand", SnapshotID: "snap", FeatureCount: 10, Size: int64(len(content))}
	other := good
	other.SnapshotID = "other"
	short := good
	short.Size = int64(len(content)) - 1

	tests := []struct {
		name        string
		body        []byte
		contentType string
		meta        map[string]string
	}{
		{"no metadata", compressed.Bytes(), ArtifactContentType, nil},
		{"wrong content type", compressed.Bytes(), "application/octet-stream", good.encode()},
		{"metadata names another snapshot", compressed.Bytes(), ArtifactContentType, other.encode()},
		{"size differs", compressed.Bytes(), ArtifactContentType, short.encode()},
		{"corrupt stream", []byte("not a snappy stream"), ArtifactContentType, good.encode()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, err := NewLocalStorage(t.TempDir())
			require.NoError(t, err)
			a := NewArtifacts(storage, nil)
			ctx := context.Background()

			key := good.Key()
			src := filepath.Join(t.TempDir(), "obj")
			require.NoError(t, os.WriteFile(src, tt.body, 0644))
			_, err = storage.Put(ctx, key, src, tt.contentType, tt.meta)
			require.NoError(t, err)

			dst := filepath.Join(t.TempDir(), "snap"+ArtifactExt)
			_, err = a.Fetch(ctx, key, dst)
			require.Error(t, err)
			assert.ErrorIs(t, err, fperrors.ErrArtifactMismatch)
			assert.False(t, fperrors.IsRetryable(err))

			_, statErr := os.Stat(dst)
			assert.True(t, os.IsNotExist(statErr), "no unverified artifact is left behind")
		})
	}
}
