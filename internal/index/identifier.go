package index

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/featurepack/featurepack/internal/bloom"
	fperrors "github.com/featurepack/featurepack/internal/errors"
)

// IDEntry maps a feature identifier to its store offset.
type IDEntry struct {
	ID     string
	Offset uint64
}

// BuildIdentifier encodes the identifier index. Identifiers must be unique
// and non-empty.
func BuildIdentifier(entries []IDEntry) ([]byte, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	raw := make([][]byte, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("feature at offset %d has an empty id", e.Offset)
		}
		if i > 0 && entries[i-1].ID == e.ID {
			return nil, fmt.Errorf("duplicate feature id %q", e.ID)
		}
		b := binary.AppendUvarint(nil, uint64(len(e.ID)))
		b = append(b, e.ID...)
		raw[i] = binary.LittleEndian.AppendUint64(b, e.Offset)
	}
	return encodeTable(raw), nil
}

// Identifier resolves feature ids to store offsets by binary search, with an
// optional bloom filter answering definite misses first.
type Identifier struct {
	t      table
	filter *bloom.Filter
}

// OpenIdentifier wraps an encoded identifier index. filter may be nil.
func OpenIdentifier(data []byte, filter *bloom.Filter) (*Identifier, error) {
	t, err := openTable(data)
	if err != nil {
		return nil, fmt.Errorf("identifier index: %w", err)
	}
	return &Identifier{t: t, filter: filter}, nil
}

// Len returns the number of identifiers.
func (x *Identifier) Len() int { return x.t.n }

// At decodes entry i.
func (x *Identifier) At(i int) (IDEntry, error) {
	raw := x.t.entry(i)
	l, n := binary.Uvarint(raw)
	if n <= 0 || uint64(len(raw)-n) != l+8 {
		return IDEntry{}, fperrors.NewCorruptRecord(fmt.Sprintf("identifier index entry %d", i), nil)
	}
	return IDEntry{
		ID:     string(raw[n : n+int(l)]),
		Offset: binary.LittleEndian.Uint64(raw[n+int(l):]),
	}, nil
}

func (x *Identifier) key(i int) []byte {
	raw := x.t.entry(i)
	l, n := binary.Uvarint(raw)
	if n <= 0 || uint64(len(raw)-n) < l {
		return nil
	}
	return raw[n : n+int(l)]
}

// Lookup returns the store offset of id, or a NotFound error.
func (x *Identifier) Lookup(id string) (uint64, error) {
	if x.filter != nil && !x.filter.ContainsString(id) {
		return 0, fperrors.NewNotFound(fmt.Sprintf("feature %q", id))
	}
	i := sort.Search(x.t.n, func(i int) bool { return string(x.key(i)) >= id })
	if i < x.t.n && string(x.key(i)) == id {
		e, err := x.At(i)
		if err != nil {
			return 0, err
		}
		return e.Offset, nil
	}
	return 0, fperrors.NewNotFound(fmt.Sprintf("feature %q", id))
}
