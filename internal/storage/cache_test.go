package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func writeArtifact(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name+ArtifactExt)
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestArtifactCache_HitAndMiss(t *testing.T) {
	dir := t.TempDir()
	cache := NewArtifactCache(1024 * 1024)

	if got := cache.Get("collections/pand/snapshots/a.fpk.sz"); got != "" {
		t.Fatalf("expected miss, got %q", got)
	}

	path := writeArtifact(t, dir, "a", 100)
	cache.Put("collections/pand/snapshots/a.fpk.sz", path)

	if got := cache.Get("collections/pand/snapshots/a.fpk.sz"); got != path {
		t.Fatalf("expected %q, got %q", path, got)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", cache.Len())
	}
	if cache.Size() != 100 {
		t.Fatalf("expected 100 bytes, got %d", cache.Size())
	}
}

func TestArtifactCache_LRUEviction(t *testing.T) {
	dir := t.TempDir()
	cache := NewArtifactCache(250)

	paths := make(map[string]string)
	for _, name := range []string{"a", "b", "c"} {
		paths[name] = writeArtifact(t, dir, name, 100)
		cache.Put(name, paths[name])
	}

	if got := cache.Get("a"); got != "" {
		t.Fatalf("expected eviction of 'a', but got %q", got)
	}
	if _, err := os.Stat(paths["a"]); !os.IsNotExist(err) {
		t.Fatal("expected the evicted file to be deleted")
	}
	if got := cache.Get("b"); got == "" {
		t.Fatal("expected 'b' to be cached")
	}
	if got := cache.Get("c"); got == "" {
		t.Fatal("expected 'c' to be cached")
	}
}

func TestArtifactCache_PinnedSurvivesEviction(t *testing.T) {
	dir := t.TempDir()
	cache := NewArtifactCache(250)

	cache.Put("a", writeArtifact(t, dir, "a", 100))
	cache.Pin("a")
	cache.Put("b", writeArtifact(t, dir, "b", 100))
	cache.Put("c", writeArtifact(t, dir, "c", 100))

	if got := cache.Get("a"); got == "" {
		t.Fatal("expected pinned 'a' to survive")
	}
	if got := cache.Get("b"); got != "" {
		t.Fatal("expected 'b' to be evicted instead")
	}

	cache.Unpin("a")
	cache.Put("d", writeArtifact(t, dir, "d", 100))
	if cache.Size() > 250 {
		t.Fatalf("expected the cache to fit after unpinning, size %d", cache.Size())
	}
}

func TestArtifactCache_OversizedEntryKept(t *testing.T) {
	dir := t.TempDir()
	cache := NewArtifactCache(50)

	path := writeArtifact(t, dir, "big", 100)
	cache.Put("big", path)
	if got := cache.Get("big"); got != path {
		t.Fatal("expected the most recent entry to be kept even above the limit")
	}
}

func TestArtifactCache_StaleFileEvicted(t *testing.T) {
	dir := t.TempDir()
	cache := NewArtifactCache(1024 * 1024)

	path := writeArtifact(t, dir, "x", 50)
	cache.Put("x", path)
	os.Remove(path)

	if got := cache.Get("x"); got != "" {
		t.Fatalf("expected miss for deleted file, got %q", got)
	}
	if cache.Len() != 0 {
		t.Fatalf("expected 0 entries after stale eviction, got %d", cache.Len())
	}
}

func TestArtifactCache_RemoveAndClear(t *testing.T) {
	dir := t.TempDir()
	cache := NewArtifactCache(1024)

	a := writeArtifact(t, dir, "a", 10)
	cache.Put("a", a)
	cache.Put("b", writeArtifact(t, dir, "b", 10))
	cache.Pin("a")

	cache.Remove("a")
	if _, err := os.Stat(a); !os.IsNotExist(err) {
		t.Fatal("expected Remove to delete the file")
	}
	cache.Clear()
	if cache.Len() != 0 || cache.Size() != 0 {
		t.Fatalf("expected empty cache, got len=%d size=%d", cache.Len(), cache.Size())
	}
}
