// Package store implements the packed feature store: an append-only arena of
// length-prefixed, checksummed feature records addressed by byte offset.
package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"iter"

	"github.com/spaolacci/murmur3"

	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/pkg/types"
)

// MaxRecordSize bounds a single encoded record.
const MaxRecordSize = 1 << 30

// Encode returns the full record (header and body) for f.
func Encode(f *types.Feature) ([]byte, error) {
	if f.ID == "" {
		return nil, fmt.Errorf("feature has an empty id")
	}
	if err := f.Geometry.Validate(); err != nil {
		return nil, fmt.Errorf("feature %q: %w", f.ID, err)
	}
	box := f.BBox()
	buf := make([]byte, HeaderSize, HeaderSize+64+len(f.Geometry.Vertices)*24)
	buf = appendBody(buf, f, box)
	body := buf[HeaderSize:]
	if len(body) > MaxRecordSize {
		return nil, fmt.Errorf("feature %q record is %d bytes, limit %d", f.ID, len(body), MaxRecordSize)
	}
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(body)))
	binary.LittleEndian.PutUint32(buf[4:], murmur3.Sum32(body))
	return buf, nil
}

// Writer appends records to an underlying stream and hands out their offsets.
type Writer struct {
	w      *bufio.Writer
	offset uint64
	count  uint64
}

// NewWriter creates a Writer. Offsets start at zero, relative to the first
// byte written through this Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 1<<16)}
}

// Append encodes f, writes it and returns the offset of its record.
func (w *Writer) Append(f *types.Feature) (uint64, error) {
	rec, err := Encode(f)
	if err != nil {
		return 0, err
	}
	off := w.offset
	if _, err := w.w.Write(rec); err != nil {
		return 0, fmt.Errorf("write record %q: %w", f.ID, err)
	}
	w.offset += uint64(len(rec))
	w.count++
	return off, nil
}

// Size returns the number of bytes appended so far.
func (w *Writer) Size() uint64 { return w.offset }

// Count returns the number of records appended so far.
func (w *Writer) Count() uint64 { return w.count }

// Flush writes buffered records to the underlying stream.
func (w *Writer) Flush() error { return w.w.Flush() }

// Store is a read-only view over an encoded record section.
// It is safe for concurrent use.
type Store struct {
	data   []byte
	verify bool
}

// Option configures a Store.
type Option func(*Store)

// WithChecksums enables or disables checksum verification on every read.
// Verification is on by default.
func WithChecksums(enabled bool) Option {
	return func(s *Store) { s.verify = enabled }
}

// Open wraps the record section bytes. The bytes are not copied and must stay
// valid for the life of the Store.
func Open(data []byte, opts ...Option) *Store {
	s := &Store{data: data, verify: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Size returns the byte length of the record section.
func (s *Store) Size() uint64 { return uint64(len(s.data)) }

// body bounds-checks the record at off and returns its body and the offset of
// the next record.
func (s *Store) body(off uint64) ([]byte, uint64, error) {
	size := uint64(len(s.data))
	if off > size || size-off < HeaderSize {
		return nil, 0, fperrors.NewCorruptRecord(
			fmt.Sprintf("record header at offset %d outside store of %d bytes", off, size), nil)
	}
	n := uint64(binary.LittleEndian.Uint32(s.data[off:]))
	sum := binary.LittleEndian.Uint32(s.data[off+4:])
	start := off + HeaderSize
	if n == 0 || n > size-start {
		return nil, 0, fperrors.NewCorruptRecord(
			fmt.Sprintf("record at offset %d has length %d, %d bytes remain", off, n, size-start), nil)
	}
	body := s.data[start : start+n]
	if s.verify && murmur3.Sum32(body) != sum {
		return nil, 0, fperrors.NewCorruptRecord(
			fmt.Sprintf("record at offset %d failed checksum", off), nil)
	}
	return body, start + n, nil
}

// Get decodes the full feature stored at off.
func (s *Store) Get(off uint64) (*types.Feature, error) {
	body, _, err := s.body(off)
	if err != nil {
		return nil, err
	}
	return decodeFeature(body, off)
}

func decodeFeature(body []byte, off uint64) (*types.Feature, error) {
	r := reader{data: body}
	_ = r.bbox()
	f := &types.Feature{Offset: off}
	f.ID = r.str("id")
	f.Attributes = r.attributes()
	f.Geometry = r.geometry()
	if r.err == nil && len(r.data) != 0 {
		r.err = errTrailing
	}
	if r.err != nil {
		return nil, fperrors.NewCorruptRecord(fmt.Sprintf("decode record at offset %d", off), r.err)
	}
	return f, nil
}

// Summary decodes only the id, bbox and attributes of the record at off.
// It is used to confirm predicates before paying for the geometry.
func (s *Store) Summary(off uint64) (*types.Summary, error) {
	body, _, err := s.body(off)
	if err != nil {
		return nil, err
	}
	r := reader{data: body}
	sum := &types.Summary{Offset: off}
	sum.BBox = r.bbox()
	sum.ID = r.str("id")
	sum.Attributes = r.attributes()
	if r.err != nil {
		return nil, fperrors.NewCorruptRecord(fmt.Sprintf("decode summary at offset %d", off), r.err)
	}
	return sum, nil
}

// Next returns the offset of the record following the one at off.
func (s *Store) Next(off uint64) (uint64, error) {
	_, next, err := s.body(off)
	return next, err
}

// Offsets yields the offset of every record in [start, end) in storage order.
// start must be a record boundary. A corrupt record ends the sequence with an error.
func (s *Store) Offsets(start, end uint64) iter.Seq2[uint64, error] {
	return func(yield func(uint64, error) bool) {
		end = min(end, s.Size())
		for off := start; off < end; {
			next, err := s.Next(off)
			if err != nil {
				yield(0, err)
				return
			}
			if !yield(off, nil) {
				return
			}
			off = next
		}
	}
}

// IterRange decodes the features in [start, end) in storage order. The
// sequence is lazy and restartable; each range call walks the bytes again.
func (s *Store) IterRange(start, end uint64) iter.Seq2[*types.Feature, error] {
	return func(yield func(*types.Feature, error) bool) {
		for off, err := range s.Offsets(start, end) {
			if err != nil {
				yield(nil, err)
				return
			}
			f, err := s.Get(off)
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}

// Scan decodes every feature in storage order.
func (s *Store) Scan() iter.Seq2[*types.Feature, error] {
	return s.IterRange(0, s.Size())
}
