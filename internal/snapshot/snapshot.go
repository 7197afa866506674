package snapshot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/featurepack/featurepack/internal/bloom"
	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/internal/index"
	"github.com/featurepack/featurepack/internal/logging"
	"github.com/featurepack/featurepack/internal/mmap"
	"github.com/featurepack/featurepack/internal/spatial"
	"github.com/featurepack/featurepack/internal/store"
)

var live atomic.Int64

// Live returns the number of snapshots opened and not yet torn down.
func Live() int64 { return live.Load() }

// Snapshot is an opened, immutable artifact: the feature store plus its
// spatial, attribute and identifier indexes. All read methods are safe for
// concurrent use without locking.
//
// A Snapshot is reference counted. It starts with one reference owned by
// whoever opened it; readers take extra references with Acquire and drop
// them with Release. The mapping is released when the count reaches zero.
type Snapshot struct {
	refs    atomic.Int64
	mapping *mmap.Mapping
	meta    Metadata
	store   *store.Store
	tree    *spatial.Tree
	attrs   *index.AttributeSet
	ids     *index.Identifier
	logger  *slog.Logger
	onClose atomic.Value // stores func()
}

// OpenOption configures Open and FromBytes.
type OpenOption func(*openConfig)

type openConfig struct {
	logger        *slog.Logger
	skipChecksums bool
	advise        mmap.AccessPattern
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *slog.Logger) OpenOption {
	return func(c *openConfig) { c.logger = l }
}

// WithoutRecordChecksums disables per-record checksum verification on reads.
// The trailer checksum is always verified.
func WithoutRecordChecksums() OpenOption {
	return func(c *openConfig) { c.skipChecksums = true }
}

// Open memory-maps the artifact at path and validates it. A damaged artifact
// fails with CorruptRecord and is never returned.
func Open(path string, opts ...OpenOption) (*Snapshot, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, fperrors.NewCorruptRecord(fmt.Sprintf("map snapshot %s", path), err)
	}
	s, err := open(m, opts...)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	return s, nil
}

// FromBytes opens a snapshot held in memory.
func FromBytes(data []byte, opts ...OpenOption) (*Snapshot, error) {
	return open(mmap.FromBytes(data), opts...)
}

func open(m *mmap.Mapping, opts ...OpenOption) (*Snapshot, error) {
	cfg := openConfig{advise: mmap.AccessRandom}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := parse(m.Bytes(), cfg)
	if err != nil {
		return nil, fperrors.NewCorruptRecord("open snapshot", err)
	}
	s.mapping = m
	s.logger = logging.Or(cfg.logger).With("collection", s.meta.CollectionID, "snapshot_id", s.meta.SnapshotID)
	_ = m.Advise(cfg.advise)
	s.refs.Store(1)
	var f func()
	s.onClose.Store(f)
	live.Add(1)
	return s, nil
}

func parse(data []byte, cfg openConfig) (*Snapshot, error) {
	size := uint64(len(data))
	if size < magicSize+TrailerSize {
		return nil, fmt.Errorf("artifact is %d bytes, too small for a snapshot", size)
	}
	if string(data[:magicSize]) != headMagic {
		return nil, fmt.Errorf("bad header magic")
	}
	t, err := decodeTrailer(data[size-TrailerSize:])
	if err != nil {
		return nil, err
	}
	if t.version != FormatVersion {
		return nil, fmt.Errorf("unsupported format version %d", t.version)
	}

	body := size - TrailerSize
	next := uint64(magicSize)
	sections := make([][]byte, numSections)
	for i, sp := range t.sections {
		if sp.Offset != next || sp.Length > body-sp.Offset {
			return nil, fmt.Errorf("%s section [%d,+%d) out of place", Section(i), sp.Offset, sp.Length)
		}
		sections[i] = data[sp.Offset:sp.end()]
		next = sp.end()
	}
	if next != body {
		return nil, fmt.Errorf("%d unaccounted bytes before trailer", body-next)
	}
	if got := checksum(t, sections[SectionTree:]...); got != t.checksum {
		return nil, fmt.Errorf("trailer checksum mismatch: got %08x, want %08x", got, t.checksum)
	}

	s := &Snapshot{}
	if err := json.Unmarshal(sections[SectionMetadata], &s.meta); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	if s.meta.FeatureCount != t.featureCount {
		return nil, fmt.Errorf("metadata feature count %d, trailer %d", s.meta.FeatureCount, t.featureCount)
	}

	s.store = store.Open(sections[SectionRecords], store.WithChecksums(!cfg.skipChecksums))
	if s.tree, err = spatial.Open(sections[SectionTree], t.featureCount, s.meta.Fanout); err != nil {
		return nil, err
	}
	if s.attrs, err = index.OpenAttributeSet(sections[SectionAttributes]); err != nil {
		return nil, err
	}
	filter, err := bloom.Unmarshal(sections[SectionBloom])
	if err != nil {
		return nil, err
	}
	if s.ids, err = index.OpenIdentifier(sections[SectionIdentifiers], filter); err != nil {
		return nil, err
	}
	if uint64(s.ids.Len()) != t.featureCount {
		return nil, fmt.Errorf("identifier index has %d entries, want %d", s.ids.Len(), t.featureCount)
	}
	return s, nil
}

// Meta returns the snapshot metadata.
func (s *Snapshot) Meta() Metadata { return s.meta }

// ID returns the snapshot id.
func (s *Snapshot) ID() string { return s.meta.SnapshotID }

// Store returns the feature store.
func (s *Snapshot) Store() *store.Store { return s.store }

// Tree returns the spatial index.
func (s *Snapshot) Tree() *spatial.Tree { return s.tree }

// Attributes returns the attribute indexes.
func (s *Snapshot) Attributes() *index.AttributeSet { return s.attrs }

// Identifiers returns the identifier index.
func (s *Snapshot) Identifiers() *index.Identifier { return s.ids }

// Refs returns the current reference count.
func (s *Snapshot) Refs() int64 { return s.refs.Load() }

// SetOnClose registers f to run after the snapshot has been torn down,
// typically to delete the local artifact file.
func (s *Snapshot) SetOnClose(f func()) { s.onClose.Store(f) }

// Acquire takes a reader reference. It returns false if the snapshot has
// already been torn down.
func (s *Snapshot) Acquire() bool {
	for {
		refs := s.refs.Load()
		if refs <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// Release drops a reference taken with Acquire.
func (s *Snapshot) Release() {
	if s.refs.Add(-1) == 0 {
		s.teardown()
	}
}

// Retire drops the owner's reference. The snapshot stays readable until the
// last in-flight reader releases it.
func (s *Snapshot) Retire() {
	s.logger.Debug("snapshot retired", "refs", s.refs.Load()-1)
	s.Release()
}

// Close is Retire for callers that own a snapshot outright, such as tools
// that open one artifact and exit.
func (s *Snapshot) Close() error {
	s.Retire()
	return nil
}

func (s *Snapshot) teardown() {
	if err := s.mapping.Close(); err != nil {
		s.logger.Warn("unmap snapshot", "error", err)
	}
	live.Add(-1)
	s.logger.Info("snapshot closed")
	if f, _ := s.onClose.Load().(func()); f != nil {
		f()
	}
}
