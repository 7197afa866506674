package snapshot

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	fperrors "github.com/featurepack/featurepack/internal/errors"
)

// Registry maps collection ids to their currently published snapshot.
// Publishing swaps a pointer, so readers see either the old or the new
// snapshot in full, never a partial build.
type Registry struct {
	mu    sync.RWMutex
	slots map[string]*atomic.Pointer[Snapshot]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]*atomic.Pointer[Snapshot])}
}

func (r *Registry) slot(collection string, create bool) *atomic.Pointer[Snapshot] {
	r.mu.RLock()
	p := r.slots[collection]
	r.mu.RUnlock()
	if p != nil || !create {
		return p
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p = r.slots[collection]; p == nil {
		p = new(atomic.Pointer[Snapshot])
		r.slots[collection] = p
	}
	return p
}

// Publish makes s the current snapshot of its collection and retires the
// previous one, if any. The registry takes over the caller's reference to s.
func (r *Registry) Publish(s *Snapshot) {
	p := r.slot(s.meta.CollectionID, true)
	if old := p.Swap(s); old != nil && old != s {
		old.Retire()
	}
}

// Remove unpublishes a collection and retires its snapshot.
func (r *Registry) Remove(collection string) {
	r.mu.Lock()
	p := r.slots[collection]
	delete(r.slots, collection)
	r.mu.Unlock()
	if p != nil {
		if old := p.Swap(nil); old != nil {
			old.Retire()
		}
	}
}

// Acquire returns the current snapshot of collection with a reader reference
// held. Callers must Release it when the query is done.
func (r *Registry) Acquire(collection string) (*Snapshot, error) {
	p := r.slot(collection, false)
	if p == nil {
		return nil, fperrors.NewQueryError(fperrors.CodeCollectionUnknown,
			fmt.Sprintf("collection %q", collection))
	}
	for {
		s := p.Load()
		if s == nil {
			return nil, fperrors.NewQueryError(fperrors.CodeCollectionUnknown,
				fmt.Sprintf("collection %q", collection))
		}
		if s.Acquire() {
			return s, nil
		}
		// A publish that tore s down has already swapped in its successor.
		// If s is still in the slot, it was closed directly while published.
		if p.Load() == s {
			return nil, fperrors.New(fperrors.ErrCategorySnapshot, fperrors.CodeRetired,
				fmt.Sprintf("collection %q: snapshot %s is closed", collection, s.ID()))
		}
	}
}

// Current returns the published snapshot id of collection without taking a reference.
func (r *Registry) Current(collection string) (string, bool) {
	p := r.slot(collection, false)
	if p == nil {
		return "", false
	}
	s := p.Load()
	if s == nil {
		return "", false
	}
	return s.ID(), true
}

// Collections returns the ids of every published collection.
func (r *Registry) Collections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.slots))
	for id, p := range r.slots {
		if p.Load() != nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Close retires every published snapshot.
func (r *Registry) Close() error {
	r.mu.Lock()
	slots := r.slots
	r.slots = make(map[string]*atomic.Pointer[Snapshot])
	r.mu.Unlock()
	for _, p := range slots {
		if s := p.Swap(nil); s != nil {
			s.Retire()
		}
	}
	return nil
}
