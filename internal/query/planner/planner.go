// Package planner turns a query request into an access plan over one snapshot:
// which index drives candidate generation and which checks confirm candidates.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/featurepack/featurepack/internal/crs"
	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/internal/index"
	"github.com/featurepack/featurepack/internal/query/parser"
	"github.com/featurepack/featurepack/internal/snapshot"
	"github.com/featurepack/featurepack/pkg/types"
)

// Request is the set of constraints of one query, as received from a caller.
type Request struct {
	// BBox is optional. BBoxCRS is its EPSG code; zero means the snapshot's native CRS.
	BBox    *types.BBox
	BBoxCRS int

	// ID selects a single feature by identifier.
	ID string

	// Filter is an attribute filter expression; empty means none.
	Filter string

	// Limit of zero selects the configured default.
	Limit  int
	Offset int
}

// AccessPath is the index that produces candidates.
type AccessPath int

const (
	// PathEmpty means the plan is known to produce nothing.
	PathEmpty AccessPath = iota
	PathIdentifier
	PathAttribute
	PathSpatial
	PathScan
)

// String returns the metric label for the path.
func (p AccessPath) String() string {
	switch p {
	case PathEmpty:
		return "empty"
	case PathIdentifier:
		return "identifier"
	case PathAttribute:
		return "attribute"
	case PathSpatial:
		return "spatial"
	case PathScan:
		return "scan"
	default:
		return "unknown"
	}
}

// FieldUse records one field referenced by the filter.
type FieldUse struct {
	Name    string
	Indexed bool
}

// IndexRange is one attribute index lookup the attribute path intersects.
type IndexRange struct {
	Field  string
	Lo, Hi index.Bound
	Count  int
}

// String renders the range for plan explanations.
func (r IndexRange) String() string {
	var sb strings.Builder
	if r.Lo.Unbounded {
		sb.WriteString("(-inf")
	} else {
		if r.Lo.Inclusive {
			sb.WriteByte('[')
		} else {
			sb.WriteByte('(')
		}
		sb.WriteString(r.Lo.Value.String())
	}
	sb.WriteString(", ")
	if r.Hi.Unbounded {
		sb.WriteString("+inf)")
	} else {
		sb.WriteString(r.Hi.Value.String())
		if r.Hi.Inclusive {
			sb.WriteByte(']')
		} else {
			sb.WriteByte(')')
		}
	}
	return fmt.Sprintf("%s in %s (%d)", r.Field, sb.String(), r.Count)
}

// Plan is the access plan for one query against one snapshot.
type Plan struct {
	Path AccessPath

	ID     string
	BBox   *types.BBox // in the snapshot's native CRS
	Filter parser.Expr

	// Ranges are intersected by the attribute path, most selective first.
	Ranges []IndexRange

	// CheckBBox and CheckFilter say which constraints the candidates do not
	// already guarantee and must be confirmed per candidate.
	CheckBBox   bool
	CheckFilter bool

	Limit  int
	Offset int

	Fields []FieldUse
	Stats  PlanStats
}

// PlanStats describes how the plan was chosen.
type PlanStats struct {
	// Estimated is an upper bound on candidates, or -1 when unknown.
	Estimated int

	// FullScan is set when the plan reads every record.
	FullScan bool

	// PrunedBy names the check that proved the result empty, if any.
	PrunedBy string
}

// Explain renders the plan on one line for logs and the query CLI.
func (p *Plan) Explain() string {
	var parts []string
	parts = append(parts, "path="+p.Path.String())
	if p.ID != "" {
		parts = append(parts, fmt.Sprintf("id=%q", p.ID))
	}
	if p.BBox != nil {
		parts = append(parts, "bbox="+p.BBox.String())
	}
	for _, r := range p.Ranges {
		parts = append(parts, "range="+r.String())
	}
	if p.Filter != nil {
		parts = append(parts, "filter="+p.Filter.String())
	}
	if p.CheckBBox || p.CheckFilter {
		parts = append(parts, fmt.Sprintf("confirm=bbox:%t,filter:%t", p.CheckBBox, p.CheckFilter))
	}
	if p.Stats.PrunedBy != "" {
		parts = append(parts, "pruned_by="+p.Stats.PrunedBy)
	}
	parts = append(parts, fmt.Sprintf("limit=%d offset=%d", p.Limit, p.Offset))
	return strings.Join(parts, " ")
}

// Config holds the query limits and the unindexed-filter policy.
type Config struct {
	DefaultLimit int
	MaxLimit     int

	// FullScanFallback serves filters on unindexed fields with a full scan
	// instead of failing with UnindexedField.
	FullScanFallback bool

	// IntersectFactor bounds which secondary ranges the attribute path
	// intersects: a range is intersected only when it has at most
	// IntersectFactor times the candidates of the driving range. Wider
	// ranges are confirmed per candidate instead.
	IntersectFactor int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:    10,
		MaxLimit:        1000,
		IntersectFactor: 8,
	}
}

// Planner builds plans. It is stateless across queries and safe for concurrent use.
type Planner struct {
	cfg Config
	crs *crs.Registry
}

// New creates a planner. A nil registry gets the built-in transforms.
func New(cfg Config, registry *crs.Registry) *Planner {
	def := DefaultConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = cfg.MaxLimit
	}
	if cfg.IntersectFactor <= 0 {
		cfg.IntersectFactor = def.IntersectFactor
	}
	if registry == nil {
		registry = crs.NewRegistry()
	}
	return &Planner{cfg: cfg, crs: registry}
}

// Config returns the effective configuration.
func (p *Planner) Config() Config { return p.cfg }

// Plan validates req and chooses an access path over snap.
func (p *Planner) Plan(snap *snapshot.Snapshot, req Request) (*Plan, error) {
	plan := &Plan{ID: req.ID, Stats: PlanStats{Estimated: -1}}

	switch {
	case req.Limit < 0:
		return nil, fperrors.NewValidationError(fperrors.CodeInvalidParameter, "limit must not be negative")
	case req.Limit == 0:
		plan.Limit = p.cfg.DefaultLimit
	default:
		plan.Limit = min(req.Limit, p.cfg.MaxLimit)
	}
	if req.Offset < 0 {
		return nil, fperrors.NewValidationError(fperrors.CodeInvalidParameter, "offset must not be negative")
	}
	plan.Offset = req.Offset

	expr, err := parser.Parse(req.Filter)
	if err != nil {
		return nil, fperrors.NewInvalidFilter(err.Error(), err)
	}
	plan.Filter = expr

	meta := snap.Meta()
	if req.BBox != nil {
		b, err := p.resolveBBox(*req.BBox, req.BBoxCRS, meta.CRS)
		if err != nil {
			return nil, err
		}
		plan.BBox = &b
	}

	attrs := snap.Attributes()
	var unindexed []string
	for _, name := range parser.Fields(expr) {
		_, ok := attrs.Field(name)
		plan.Fields = append(plan.Fields, FieldUse{Name: name, Indexed: ok})
		if !ok {
			unindexed = append(unindexed, name)
		}
	}

	// The identifier path touches at most one record, so any filter can be
	// confirmed against it directly.
	if req.ID != "" {
		plan.Path = PathIdentifier
		plan.CheckBBox = plan.BBox != nil
		plan.CheckFilter = expr != nil
		plan.Stats.Estimated = 1
		return plan, nil
	}

	if len(unindexed) > 0 && !p.cfg.FullScanFallback {
		return nil, fperrors.NewQueryError(fperrors.CodeUnindexedField,
			fmt.Sprintf("field %s is not indexed", strings.Join(unindexed, ", "))).
			WithDetails(map[string]interface{}{"fields": unindexed, "indexed_fields": attrs.Fields()})
	}

	if plan.BBox != nil && (meta.Extent == nil || !meta.Extent.Intersects(*plan.BBox)) {
		return plan.empty("extent"), nil
	}

	comparisons, residual := parser.Split(expr)
	exact := residual == nil
	var indexed []*parser.Comparison
	for _, c := range comparisons {
		if _, ok := attrs.Field(c.Field); ok {
			indexed = append(indexed, c)
		} else {
			exact = false
		}
	}

	ranges, hasEquality, pruned := p.lookupRanges(attrs, parser.Ranges(indexed))
	if pruned != "" {
		return plan.empty(pruned), nil
	}

	switch {
	case len(ranges) > 0 && (plan.BBox == nil || hasEquality):
		plan.Path = PathAttribute
		plan.Ranges = p.selectRanges(ranges)
		plan.Stats.Estimated = plan.Ranges[0].Count
		plan.CheckBBox = plan.BBox != nil
		plan.CheckFilter = !exact || len(plan.Ranges) < len(ranges)
	case plan.BBox != nil:
		plan.Path = PathSpatial
		plan.CheckFilter = expr != nil
	default:
		plan.Path = PathScan
		plan.CheckFilter = expr != nil
		plan.Stats.Estimated = int(meta.FeatureCount)
		plan.Stats.FullScan = true
	}
	return plan, nil
}

// empty marks the plan as proven empty by the named check.
func (p *Plan) empty(by string) *Plan {
	p.Path = PathEmpty
	p.Stats.PrunedBy = by
	p.Stats.Estimated = 0
	return p
}

func (p *Planner) resolveBBox(b types.BBox, from, native int) (types.BBox, error) {
	if err := b.Validate(); err != nil {
		return types.BBox{}, fperrors.NewInvalidBoundingBox(err.Error(), err)
	}
	if from == 0 || native == 0 {
		return b, nil
	}
	return p.crs.TransformBBox(b, from, native)
}

// lookupRanges converts merged field ranges to index bounds and counts their
// entries. A contradictory or empty range proves the conjunction empty.
func (p *Planner) lookupRanges(attrs *index.AttributeSet, merged []*parser.FieldRange) ([]IndexRange, bool, string) {
	var out []IndexRange
	hasEquality := false
	for _, fr := range merged {
		if fr.Empty {
			return nil, false, "contradiction:" + fr.Field
		}
		a, _ := attrs.Field(fr.Field)
		r := IndexRange{Field: fr.Field, Lo: toBound(fr.Lo), Hi: toBound(fr.Hi)}
		r.Count = a.Count(r.Lo, r.Hi)
		if r.Count == 0 {
			return nil, false, "index:" + fr.Field
		}
		hasEquality = hasEquality || fr.Equal
		out = append(out, r)
	}
	return out, hasEquality, ""
}

// selectRanges orders ranges by selectivity and keeps the driving range plus
// every range narrow enough to be worth intersecting.
func (p *Planner) selectRanges(ranges []IndexRange) []IndexRange {
	sort.SliceStable(ranges, func(i, j int) bool { return ranges[i].Count < ranges[j].Count })
	limit := ranges[0].Count * p.cfg.IntersectFactor
	n := 1
	for n < len(ranges) && ranges[n].Count <= limit {
		n++
	}
	return ranges[:n]
}

func toBound(b *parser.Bound) index.Bound {
	switch {
	case b == nil:
		return index.Unbounded()
	case b.Inclusive:
		return index.Inclusive(b.Value)
	default:
		return index.Exclusive(b.Value)
	}
}
