package index

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// AttributeSet is the collection of per-field attribute indexes of a snapshot.
//
// Encoded as a directory followed by the field indexes:
//
//	uvarint field count | per field: uvarint name len, name, u64 offset, u64 length | indexes
//
// Offsets are relative to the end of the directory.
type AttributeSet struct {
	fields map[string]*Attribute
	names  []string
}

// MarshalAttributeSet encodes field indexes built by BuildAttribute.
func MarshalAttributeSet(indexes map[string][]byte) []byte {
	names := make([]string, 0, len(indexes))
	for name := range indexes {
		names = append(names, name)
	}
	sort.Strings(names)

	var dir []byte
	dir = binary.AppendUvarint(dir, uint64(len(names)))
	var off uint64
	for _, name := range names {
		dir = binary.AppendUvarint(dir, uint64(len(name)))
		dir = append(dir, name...)
		dir = binary.LittleEndian.AppendUint64(dir, off)
		dir = binary.LittleEndian.AppendUint64(dir, uint64(len(indexes[name])))
		off += uint64(len(indexes[name]))
	}
	for _, name := range names {
		dir = append(dir, indexes[name]...)
	}
	return dir
}

// OpenAttributeSet parses the directory and opens every field index in place.
func OpenAttributeSet(data []byte) (*AttributeSet, error) {
	s := &AttributeSet{fields: make(map[string]*Attribute)}
	if len(data) == 0 {
		return s, nil
	}
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("attribute directory: invalid field count")
	}
	p := data[n:]
	type slot struct {
		name     string
		off, len uint64
	}
	slots := make([]slot, 0, min(count, 1024))
	for i := uint64(0); i < count; i++ {
		l, n := binary.Uvarint(p)
		if n <= 0 || uint64(len(p)-n) < l+16 {
			return nil, fmt.Errorf("attribute directory: truncated entry %d", i)
		}
		p = p[n:]
		name := string(p[:l])
		p = p[l:]
		slots = append(slots, slot{
			name: name,
			off:  binary.LittleEndian.Uint64(p),
			len:  binary.LittleEndian.Uint64(p[8:]),
		})
		p = p[16:]
	}
	for _, sl := range slots {
		if sl.off > uint64(len(p)) || sl.len > uint64(len(p))-sl.off {
			return nil, fmt.Errorf("attribute index %q: section out of range", sl.name)
		}
		a, err := OpenAttribute(sl.name, p[sl.off:sl.off+sl.len])
		if err != nil {
			return nil, err
		}
		s.fields[sl.name] = a
		s.names = append(s.names, sl.name)
	}
	return s, nil
}

// Field returns the index of the named field.
func (s *AttributeSet) Field(name string) (*Attribute, bool) {
	a, ok := s.fields[name]
	return a, ok
}

// Fields returns the indexed field names in sorted order.
func (s *AttributeSet) Fields() []string {
	return append([]string(nil), s.names...)
}
