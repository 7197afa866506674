package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

const headerSize = 24

// Marshal serializes the filter with a Snappy-compressed bit array:
//   - 8 bytes: numBits (uint64, little-endian)
//   - 8 bytes: numHashes (uint64, little-endian)
//   - 8 bytes: count (uint64, little-endian)
//   - remaining: snappy(bit array)
func (f *Filter) Marshal() []byte {
	bitData := make([]byte, len(f.bits)*8)
	for i, word := range f.bits {
		binary.LittleEndian.PutUint64(bitData[i*8:], word)
	}
	compressed := snappy.Encode(nil, bitData)

	buf := make([]byte, headerSize+len(compressed))
	binary.LittleEndian.PutUint64(buf[0:8], f.numBits)
	binary.LittleEndian.PutUint64(buf[8:16], f.numHashes)
	binary.LittleEndian.PutUint64(buf[16:24], f.count)
	copy(buf[headerSize:], compressed)
	return buf
}

// Unmarshal reconstructs a filter written by Marshal.
func Unmarshal(data []byte) (*Filter, error) {
	if len(data) < headerSize {
		return nil, errors.New("bloom: serialized data too short")
	}

	numBits := binary.LittleEndian.Uint64(data[0:8])
	numHashes := binary.LittleEndian.Uint64(data[8:16])
	count := binary.LittleEndian.Uint64(data[16:24])

	if numBits == 0 || numBits%64 != 0 {
		return nil, fmt.Errorf("bloom: invalid bit count %d", numBits)
	}
	if numHashes == 0 || numHashes > 64 {
		return nil, fmt.Errorf("bloom: invalid hash count %d", numHashes)
	}

	numWords := numBits / 64
	decodedLen, err := snappy.DecodedLen(data[headerSize:])
	if err != nil {
		return nil, fmt.Errorf("bloom: snappy header: %w", err)
	}
	if uint64(decodedLen) != numWords*8 {
		return nil, fmt.Errorf("bloom: bit array is %d bytes, want %d", decodedLen, numWords*8)
	}
	bitData, err := snappy.Decode(nil, data[headerSize:])
	if err != nil {
		return nil, fmt.Errorf("bloom: snappy decompress failed: %w", err)
	}

	bits := make([]uint64, numWords)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(bitData[i*8:])
	}
	return &Filter{
		bits:      bits,
		numBits:   numBits,
		numHashes: numHashes,
		count:     count,
	}, nil
}
