package index

import (
	"encoding/binary"
	"fmt"
)

// A table is a sorted run of variable-size entries preceded by a position
// array, so entry i can be located in O(1) for binary search:
//
//	u64 count | count * u64 entry position | entries
//
// Positions are relative to the start of the entry area.
type table struct {
	n       int
	pos     []byte
	entries []byte
}

func encodeTable(entries [][]byte) []byte {
	size := 8 + 8*len(entries)
	for _, e := range entries {
		size += len(e)
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(entries)))
	var p uint64
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint64(buf, p)
		p += uint64(len(e))
	}
	for _, e := range entries {
		buf = append(buf, e...)
	}
	return buf
}

func openTable(data []byte) (table, error) {
	if len(data) < 8 {
		return table{}, fmt.Errorf("index table header: %d bytes", len(data))
	}
	n := binary.LittleEndian.Uint64(data)
	if n > uint64(len(data)-8)/8 {
		return table{}, fmt.Errorf("index table claims %d entries in %d bytes", n, len(data))
	}
	t := table{
		n:       int(n),
		pos:     data[8 : 8+8*n],
		entries: data[8+8*n:],
	}
	var prev uint64
	for i := 0; i < t.n; i++ {
		p := binary.LittleEndian.Uint64(t.pos[8*i:])
		if p < prev || p > uint64(len(t.entries)) {
			return table{}, fmt.Errorf("index table entry %d position %d out of order", i, p)
		}
		prev = p
	}
	return t, nil
}

// entry returns the raw bytes of entry i.
func (t table) entry(i int) []byte {
	start := binary.LittleEndian.Uint64(t.pos[8*i:])
	end := uint64(len(t.entries))
	if i+1 < t.n {
		end = binary.LittleEndian.Uint64(t.pos[8*(i+1):])
	}
	return t.entries[start:end]
}
