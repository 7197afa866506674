// Package snapshot builds, opens and publishes immutable feature snapshots.
//
// A snapshot is one artifact holding the feature store and its three indexes:
//
//	magic | records | spatial tree | attribute indexes | identifier index |
//	identifier bloom filter | metadata JSON | trailer
//
// The fixed-size trailer carries the section table, so a reader finds every
// section without scanning. Records carry their own checksums; the trailer
// checksum covers the section table and every section except the records.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/featurepack/featurepack/pkg/types"
)

const (
	// FormatVersion is bumped on any incompatible layout change.
	FormatVersion uint32 = 1

	headMagic    = "FPACK\x00\x01\x00"
	trailerMagic = "FPACKEND"
	magicSize    = 8

	numSections = 6
	// TrailerSize is the encoded size of the trailer.
	TrailerSize = numSections*16 + 8 + 4 + 4 + magicSize
)

// Section identifies one region of the artifact.
type Section int

const (
	SectionRecords Section = iota
	SectionTree
	SectionAttributes
	SectionIdentifiers
	SectionBloom
	SectionMetadata
)

var sectionNames = [numSections]string{"records", "tree", "attributes", "identifiers", "bloom", "metadata"}

// String returns the section name.
func (s Section) String() string {
	if s < 0 || int(s) >= numSections {
		return fmt.Sprintf("section(%d)", int(s))
	}
	return sectionNames[s]
}

// span is the absolute position of a section within the artifact.
type span struct {
	Offset uint64
	Length uint64
}

func (s span) end() uint64 { return s.Offset + s.Length }

// trailer is the decoded fixed-size footer.
type trailer struct {
	sections     [numSections]span
	featureCount uint64
	version      uint32
	checksum     uint32
}

func (t *trailer) encode() []byte {
	buf := make([]byte, 0, TrailerSize)
	for _, s := range t.sections {
		buf = binary.LittleEndian.AppendUint64(buf, s.Offset)
		buf = binary.LittleEndian.AppendUint64(buf, s.Length)
	}
	buf = binary.LittleEndian.AppendUint64(buf, t.featureCount)
	buf = binary.LittleEndian.AppendUint32(buf, t.version)
	buf = binary.LittleEndian.AppendUint32(buf, t.checksum)
	return append(buf, trailerMagic...)
}

func decodeTrailer(b []byte) (*trailer, error) {
	if len(b) != TrailerSize {
		return nil, fmt.Errorf("trailer is %d bytes, want %d", len(b), TrailerSize)
	}
	if string(b[TrailerSize-magicSize:]) != trailerMagic {
		return nil, fmt.Errorf("bad trailer magic")
	}
	t := &trailer{}
	for i := range t.sections {
		t.sections[i] = span{
			Offset: binary.LittleEndian.Uint64(b[i*16:]),
			Length: binary.LittleEndian.Uint64(b[i*16+8:]),
		}
	}
	p := numSections * 16
	t.featureCount = binary.LittleEndian.Uint64(b[p:])
	t.version = binary.LittleEndian.Uint32(b[p+8:])
	t.checksum = binary.LittleEndian.Uint32(b[p+12:])
	return t, nil
}

// checksum hashes the section table and feature count followed by the
// non-record sections in layout order.
func checksum(t *trailer, sections ...[]byte) uint32 {
	h := murmur3.New32()
	table := t.encode()
	h.Write(table[:numSections*16+8])
	for _, s := range sections {
		h.Write(s)
	}
	return h.Sum32()
}

// FieldInfo describes one attribute field observed at build time.
type FieldInfo struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Indexed bool   `json:"indexed"`
}

// Metadata is the JSON section describing a snapshot.
type Metadata struct {
	SnapshotID      string      `json:"snapshot_id"`
	CollectionID    string      `json:"collection_id"`
	CreatedAt       time.Time   `json:"created_at"`
	FeatureCount    uint64      `json:"feature_count"`
	Extent          *types.BBox `json:"extent,omitempty"`
	CRS             int         `json:"crs"`
	Fanout          uint16      `json:"fanout"`
	HilbertBitDepth uint        `json:"hilbert_bit_depth"`
	IndexedFields   []string    `json:"indexed_fields"`
	Fields          []FieldInfo `json:"fields"`
	BloomFPR        float64     `json:"bloom_fpr"`
	Source          string      `json:"source,omitempty"`
}
