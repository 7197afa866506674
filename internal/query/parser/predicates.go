package parser

import (
	"sort"

	"github.com/featurepack/featurepack/pkg/types"
)

// Attributes is anything that can report attribute values by name.
// Both types.Feature and types.Summary satisfy it.
type Attributes interface {
	Attr(name string) (types.Value, bool)
}

// Eval reports whether attrs satisfy the expression. A nil expression matches
// everything. A comparison against a missing attribute, or against a value of
// a different kind, is false; `= NULL` matches attributes whose value is null.
func Eval(expr Expr, attrs Attributes) bool {
	switch e := expr.(type) {
	case nil:
		return true
	case *Comparison:
		return e.Matches(attrs)
	case *And:
		return Eval(e.Left, attrs) && Eval(e.Right, attrs)
	case *Or:
		return Eval(e.Left, attrs) || Eval(e.Right, attrs)
	case *Not:
		return !Eval(e.Operand, attrs)
	}
	return false
}

// Matches evaluates one comparison.
func (c *Comparison) Matches(attrs Attributes) bool {
	v, ok := attrs.Attr(c.Field)
	if !ok || v.Kind() != c.Value.Kind() {
		return false
	}
	cmp := types.Compare(v, c.Value)
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	}
	return false
}

// Indexable reports whether the comparison can be answered from a sorted
// attribute index. Inequality cannot.
func (c *Comparison) Indexable() bool {
	return c.Op != OpNe
}

// Conjuncts flattens a tree of ANDs into its operands. OR and NOT nodes are
// returned whole.
func Conjuncts(expr Expr) []Expr {
	if expr == nil {
		return nil
	}
	var out []Expr
	var walk func(Expr)
	walk = func(e Expr) {
		if a, ok := e.(*And); ok {
			walk(a.Left)
			walk(a.Right)
			return
		}
		out = append(out, e)
	}
	walk(expr)
	return out
}

// Split partitions a filter into the comparisons an index can serve and the
// residual expression that must be confirmed per candidate. The residual is
// nil when every conjunct is indexable.
func Split(expr Expr) (indexable []*Comparison, residual Expr) {
	for _, c := range Conjuncts(expr) {
		if cmp, ok := c.(*Comparison); ok && cmp.Indexable() {
			indexable = append(indexable, cmp)
			continue
		}
		if residual == nil {
			residual = c
		} else {
			residual = &And{Left: residual, Right: c}
		}
	}
	return indexable, residual
}

// IsConjunctive reports whether the expression is a pure AND of indexable
// comparisons.
func IsConjunctive(expr Expr) bool {
	_, residual := Split(expr)
	return residual == nil
}

// Fields returns the distinct field names referenced anywhere in expr, sorted.
func Fields(expr Expr) []string {
	seen := make(map[string]bool)
	var walk func(Expr)
	walk = func(e Expr) {
		switch x := e.(type) {
		case *Comparison:
			seen[x.Field] = true
		case *And:
			walk(x.Left)
			walk(x.Right)
		case *Or:
			walk(x.Left)
			walk(x.Right)
		case *Not:
			walk(x.Operand)
		}
	}
	walk(expr)
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// FieldRange is the intersection of all indexable comparisons on one field.
// Equal is set when the range collapses to an equality.
type FieldRange struct {
	Field     string
	Lo, Hi    *Bound
	Equal     bool
	Empty     bool
	Predicate []*Comparison
}

// Bound is one side of a FieldRange.
type Bound struct {
	Value     types.Value
	Inclusive bool
}

// Ranges merges indexable comparisons per field, tightening bounds so each
// field is looked up once. Fields are returned in the order first seen.
func Ranges(comparisons []*Comparison) []*FieldRange {
	byField := make(map[string]*FieldRange)
	var order []*FieldRange
	for _, c := range comparisons {
		r, ok := byField[c.Field]
		if !ok {
			r = &FieldRange{Field: c.Field}
			byField[c.Field] = r
			order = append(order, r)
		}
		r.Predicate = append(r.Predicate, c)
		switch c.Op {
		case OpEq:
			r.tightenLo(Bound{Value: c.Value, Inclusive: true})
			r.tightenHi(Bound{Value: c.Value, Inclusive: true})
		case OpGt:
			r.tightenLo(Bound{Value: c.Value})
		case OpGe:
			r.tightenLo(Bound{Value: c.Value, Inclusive: true})
		case OpLt:
			r.tightenHi(Bound{Value: c.Value})
		case OpLe:
			r.tightenHi(Bound{Value: c.Value, Inclusive: true})
		}
	}
	for _, r := range order {
		r.settle()
	}
	return order
}

func (r *FieldRange) tightenLo(b Bound) {
	if r.Lo == nil {
		r.Lo = &b
		return
	}
	if r.Lo.Value.Kind() != b.Value.Kind() {
		r.Empty = true
		return
	}
	c := types.Compare(b.Value, r.Lo.Value)
	if c > 0 || (c == 0 && !b.Inclusive) {
		r.Lo = &b
	}
}

func (r *FieldRange) tightenHi(b Bound) {
	if r.Hi == nil {
		r.Hi = &b
		return
	}
	if r.Hi.Value.Kind() != b.Value.Kind() {
		r.Empty = true
		return
	}
	c := types.Compare(b.Value, r.Hi.Value)
	if c < 0 || (c == 0 && !b.Inclusive) {
		r.Hi = &b
	}
}

func (r *FieldRange) settle() {
	if r.Empty || r.Lo == nil || r.Hi == nil {
		return
	}
	if r.Lo.Value.Kind() != r.Hi.Value.Kind() {
		r.Empty = true
		return
	}
	c := types.Compare(r.Lo.Value, r.Hi.Value)
	switch {
	case c > 0:
		r.Empty = true
	case c == 0:
		if r.Lo.Inclusive && r.Hi.Inclusive {
			r.Equal = true
		} else {
			r.Empty = true
		}
	}
}
