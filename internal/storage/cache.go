package storage

import (
	"container/list"
	"os"
	"sync"
)

// ArtifactCache is an LRU index over the artifacts materialized in the local
// artifact directory. Entries are keyed by object key; evicting an entry
// deletes its file. A snapshot that still maps an evicted file keeps its
// mapping until it is closed.
type ArtifactCache struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64

	items map[string]*list.Element
	order *list.List // front = most recently used

	pinned map[string]int
}

type cacheEntry struct {
	key       string
	localPath string
	sizeBytes int64
}

// NewArtifactCache creates a cache holding at most maxBytes of artifacts
// (default 10GB).
func NewArtifactCache(maxBytes int64) *ArtifactCache {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024 * 1024 // 10 GB
	}
	return &ArtifactCache{
		maxBytes: maxBytes,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		pinned:   make(map[string]int),
	}
}

// Get returns the local path for a cached artifact, or "" if not cached.
// On hit, the entry is promoted to most-recently-used.
func (c *ArtifactCache) Get(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return ""
	}
	entry := elem.Value.(*cacheEntry)

	info, err := os.Stat(entry.localPath)
	if err != nil || info.Size() != entry.sizeBytes {
		c.removeLocked(elem)
		return ""
	}

	c.order.MoveToFront(elem)
	return entry.localPath
}

// Put records a materialized artifact. If the cache grows beyond maxBytes,
// unpinned entries other than this one are evicted least-recently-used first.
func (c *ArtifactCache) Put(key, localPath string) {
	info, err := os.Stat(localPath)
	if err != nil {
		return
	}
	sizeBytes := info.Size()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		old := elem.Value.(*cacheEntry)
		c.curBytes -= old.sizeBytes
		old.localPath = localPath
		old.sizeBytes = sizeBytes
		c.curBytes += sizeBytes
		c.order.MoveToFront(elem)
	} else {
		elem := c.order.PushFront(&cacheEntry{key: key, localPath: localPath, sizeBytes: sizeBytes})
		c.items[key] = elem
		c.curBytes += sizeBytes
	}

	c.evictLocked()
}

// Pin protects the artifact of an active snapshot from eviction. Pins nest.
func (c *ArtifactCache) Pin(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[key]++
}

// Unpin releases one pin and evicts if the cache is over its limit.
func (c *ArtifactCache) Unpin(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned[key] <= 1 {
		delete(c.pinned, key)
	} else {
		c.pinned[key]--
	}
	c.evictLocked()
}

// Remove drops an entry and deletes its file regardless of pins.
func (c *ArtifactCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
	}
	delete(c.pinned, key)
}

// evictLocked walks from the LRU end and removes unpinned entries until the
// cache fits. The most recently used entry is never evicted. Caller must hold
// c.mu.
func (c *ArtifactCache) evictLocked() {
	elem := c.order.Back()
	for c.curBytes > c.maxBytes && elem != nil && elem != c.order.Front() {
		prev := elem.Prev()
		if c.pinned[elem.Value.(*cacheEntry).key] == 0 {
			c.removeLocked(elem)
		}
		elem = prev
	}
}

// removeLocked removes a specific element from the cache and deletes the file.
// Caller must hold c.mu.
func (c *ArtifactCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.items, entry.key)
	c.curBytes -= entry.sizeBytes

	os.Remove(entry.localPath)
}

// Size returns the current total cached size in bytes.
func (c *ArtifactCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

// Len returns the number of cached entries.
func (c *ArtifactCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear removes all entries and deletes their files.
func (c *ArtifactCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.order.Len() > 0 {
		c.removeLocked(c.order.Back())
	}
	c.pinned = make(map[string]int)
}
