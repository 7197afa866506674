// Package observability tracks which attribute fields queries filter on and
// exports query metrics for Prometheus.
package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/featurepack/featurepack/internal/query/parser"
	"github.com/featurepack/featurepack/internal/query/planner"
)

// FilterStats tracks per-collection filter field frequency. Operators pick
// indexed_fields for the next build from it.
type FilterStats struct {
	mu          sync.RWMutex
	collections map[string]map[string]*FieldStats
	window      time.Duration
	now         func() time.Time
}

// FieldStats holds the usage of one field in one collection.
type FieldStats struct {
	Field     string         `json:"field"`
	Frequency int64          `json:"frequency"`
	Indexed   bool           `json:"indexed"`
	Rejected  int64          `json:"rejected"`
	LastSeen  time.Time      `json:"last_seen"`
	Operators map[string]int `json:"operators"`
}

// NewFilterStats creates a tracker. Entries unseen for longer than window
// are dropped by Prune.
func NewFilterStats(window time.Duration) *FilterStats {
	return &FilterStats{
		collections: make(map[string]map[string]*FieldStats),
		window:      window,
		now:         time.Now,
	}
}

func (s *FilterStats) entry(collection, field string) *FieldStats {
	fields, ok := s.collections[collection]
	if !ok {
		fields = make(map[string]*FieldStats)
		s.collections[collection] = fields
	}
	fs, ok := fields[field]
	if !ok {
		fs = &FieldStats{Field: field, Operators: make(map[string]int)}
		fields[field] = fs
	}
	fs.LastSeen = s.now()
	return fs
}

// RecordPredicate records one comparison on field.
func (s *FilterStats) RecordPredicate(collection, field, operator string, indexed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs := s.entry(collection, field)
	fs.Frequency++
	fs.Indexed = indexed
	fs.Operators[operator]++
}

// RecordRejected records a query refused because field is not indexed.
func (s *FilterStats) RecordRejected(collection, field string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs := s.entry(collection, field)
	fs.Frequency++
	fs.Rejected++
	fs.Indexed = false
}

// RecordFilter records every comparison of a planned filter.
func (s *FilterStats) RecordFilter(collection string, expr parser.Expr, fields []planner.FieldUse) {
	if expr == nil {
		return
	}
	indexed := make(map[string]bool, len(fields))
	for _, f := range fields {
		indexed[f.Name] = f.Indexed
	}
	for _, c := range comparisons(expr) {
		s.RecordPredicate(collection, c.Field, c.Op.String(), indexed[c.Field])
	}
}

func comparisons(expr parser.Expr) []*parser.Comparison {
	var out []*parser.Comparison
	var walk func(parser.Expr)
	walk = func(e parser.Expr) {
		switch x := e.(type) {
		case *parser.Comparison:
			out = append(out, x)
		case *parser.And:
			walk(x.Left)
			walk(x.Right)
		case *parser.Or:
			walk(x.Left)
			walk(x.Right)
		case *parser.Not:
			walk(x.Operand)
		}
	}
	walk(expr)
	return out
}

// Top returns copies of the n most used fields of collection, most frequent
// first. n <= 0 returns all of them.
func (s *FilterStats) Top(collection string, n int) []FieldStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields := s.collections[collection]
	out := make([]FieldStats, 0, len(fields))
	for _, fs := range fields {
		cp := *fs
		cp.Operators = make(map[string]int, len(fs.Operators))
		for op, count := range fs.Operators {
			cp.Operators[op] = count
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].Field < out[j].Field
	})
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// Collections returns the collections with recorded usage, sorted.
func (s *FilterStats) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.collections))
	for c := range s.collections {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Prune removes entries not seen within the window.
func (s *FilterStats) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := s.now().Add(-s.window)
	for c, fields := range s.collections {
		for name, fs := range fields {
			if fs.LastSeen.Before(threshold) {
				delete(fields, name)
			}
		}
		if len(fields) == 0 {
			delete(s.collections, c)
		}
	}
}
