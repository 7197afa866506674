package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	tempExt = ".tmp"
	// sidecarExt names the file holding an object's content type, ETag and
	// metadata next to the object itself.
	sidecarExt = ".meta.json"
)

// LocalStorage implements ObjectStorage on a directory of the local
// filesystem. Single-node deployments publish artifacts here; tests use it
// in place of S3.
type LocalStorage struct {
	basePath string
}

type sidecar struct {
	ContentType string            `json:"content_type"`
	ETag        string            `json:"etag"`
	Metadata    map[string]string `json:"metadata"`
}

// NewLocalStorage creates a local storage rooted at basePath.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

func (l *LocalStorage) fullPath(key string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(key))
}

// Put copies localPath into storage. The sidecar is written before the
// object, so a visible object always has its metadata.
func (l *LocalStorage) Put(ctx context.Context, key, localPath, contentType string, metadata map[string]string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer src.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, src); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	sc := sidecar{ContentType: contentType, ETag: hex.EncodeToString(hash.Sum(nil)), Metadata: metadata}
	body, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	dst := l.fullPath(key)
	if _, err := copyAtomic(dst+sidecarExt, strings.NewReader(string(body)), -1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	n, err := copyAtomic(dst, src, -1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return &Object{Key: key, Size: n, ETag: sc.ETag, ContentType: contentType, Metadata: metadata}, nil
}

// Get copies the object to localPath.
func (l *LocalStorage) Get(ctx context.Context, key, localPath string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := os.Open(l.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer src.Close()

	obj, err := l.describe(key, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if _, err := copyAtomic(localPath, src, obj.Size); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return obj, nil
}

// Head describes the object stored under key.
func (l *LocalStorage) Head(ctx context.Context, key string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	defer f.Close()
	return l.describe(key, f)
}

func (l *LocalStorage) describe(key string, f *os.File) (*Object, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	obj := &Object{Key: key, Size: info.Size()}
	raw, err := os.ReadFile(l.fullPath(key) + sidecarExt)
	if err != nil {
		if os.IsNotExist(err) {
			return obj, nil
		}
		return nil, err
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("object %s: metadata: %w", key, err)
	}
	obj.ETag, obj.ContentType, obj.Metadata = sc.ETag, sc.ContentType, sc.Metadata
	return obj, nil
}

// Delete removes the object, then its sidecar.
func (l *LocalStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range []string{l.fullPath(key), l.fullPath(key) + sidecarExt} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
		}
	}
	return nil
}

// List returns the slash-separated keys under prefix.
func (l *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := filepath.WalkDir(l.fullPath(prefix), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, tempExt) || strings.HasSuffix(path, sidecarExt) {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// copyAtomic writes r to a temporary sibling of dst, syncs it and renames it
// into place. When want is not negative, a stream of any other length is
// discarded instead of renamed.
func copyAtomic(dst string, r io.Reader, want int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*"+tempExt)
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err == nil && want >= 0 && n != want {
		err = fmt.Errorf("short object: got %d bytes, want %d", n, want)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	return n, os.Rename(tmp.Name(), dst)
}
