package parser

import (
	"fmt"

	"github.com/featurepack/featurepack/pkg/types"
)

// Expr is a node of a parsed filter expression.
type Expr interface {
	exprNode()
	String() string
}

// Operator is a comparison operator.
type Operator int

const (
	OpEq Operator = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

// String returns the filter syntax of the operator.
func (o Operator) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	default:
		return "?"
	}
}

func operatorFor(t TokenType) (Operator, bool) {
	switch t {
	case TokenEq:
		return OpEq, true
	case TokenNe:
		return OpNe, true
	case TokenLt:
		return OpLt, true
	case TokenLe:
		return OpLe, true
	case TokenGt:
		return OpGt, true
	case TokenGe:
		return OpGe, true
	}
	return 0, false
}

// flip mirrors the operator for a literal written on the left: 5 < x is x > 5.
func (o Operator) flip() Operator {
	switch o {
	case OpLt:
		return OpGt
	case OpLe:
		return OpGe
	case OpGt:
		return OpLt
	case OpGe:
		return OpLe
	}
	return o
}

// Comparison is `field op literal`.
type Comparison struct {
	Field string
	Op    Operator
	Value types.Value
}

func (*Comparison) exprNode() {}

func (c *Comparison) String() string {
	return fmt.Sprintf("%s %s %s", c.Field, c.Op, c.Value)
}

// And is a conjunction.
type And struct {
	Left, Right Expr
}

func (*And) exprNode() {}

func (a *And) String() string {
	return fmt.Sprintf("(%s AND %s)", a.Left, a.Right)
}

// Or is a disjunction.
type Or struct {
	Left, Right Expr
}

func (*Or) exprNode() {}

func (o *Or) String() string {
	return fmt.Sprintf("(%s OR %s)", o.Left, o.Right)
}

// Not negates its operand.
type Not struct {
	Operand Expr
}

func (*Not) exprNode() {}

func (n *Not) String() string {
	return fmt.Sprintf("NOT %s", n.Operand)
}
