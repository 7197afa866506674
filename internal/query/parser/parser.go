package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/featurepack/featurepack/pkg/types"
)

// ParseError represents a parsing error with location information.
type ParseError struct {
	Message  string
	Position int
	Token    Token
}

func (e *ParseError) Error() string {
	if e.Token.Type == TokenEOF {
		return fmt.Sprintf("parse error at position %d: %s (got end of input)", e.Position, e.Message)
	}
	return fmt.Sprintf("parse error at position %d: %s (got %s)", e.Position, e.Message, e.Token.Literal)
}

// Operator precedence levels
const (
	precLowest = iota
	precOr
	precAnd
)

// maxDepth bounds nesting so hostile input cannot exhaust the stack.
const maxDepth = 64

// Parser parses filter expressions into an AST.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
	depth     int
}

// NewParser creates a new Parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{
		lexer: NewLexer(input),
	}
	// Read two tokens to initialize curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses a complete filter expression. An empty or all-whitespace
// input yields a nil expression and no error.
func Parse(input string) (Expr, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}
	p := NewParser(input)
	expr, err := p.parseExpression(precLowest)
	if err != nil {
		return nil, err
	}
	if !p.curTokenIs(TokenEOF) {
		return nil, p.errorf("unexpected token after expression")
	}
	return expr, nil
}

// nextToken advances to the next token.
func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

// curTokenIs checks if the current token is of the given type.
func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

func (p *Parser) errorf(format string, args ...interface{}) *ParseError {
	return &ParseError{
		Message:  fmt.Sprintf(format, args...),
		Position: p.curToken.Pos,
		Token:    p.curToken,
	}
}

// getPrecedence returns the binding power of the current token.
func (p *Parser) getPrecedence() int {
	switch p.curToken.Type {
	case TokenOr:
		return precOr
	case TokenAnd:
		return precAnd
	default:
		return precLowest
	}
}

// parseExpression parses an expression with operator precedence.
func (p *Parser) parseExpression(precedence int) (Expr, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxDepth {
		return nil, p.errorf("expression nested too deeply")
	}

	left, err := p.parsePrefixExpression()
	if err != nil {
		return nil, err
	}

	for !p.curTokenIs(TokenEOF) && precedence < p.getPrecedence() {
		left, err = p.parseInfixExpression(left)
		if err != nil {
			return nil, err
		}
	}

	return left, nil
}

// parsePrefixExpression parses a comparison, a grouped expression or NOT.
func (p *Parser) parsePrefixExpression() (Expr, error) {
	switch p.curToken.Type {
	case TokenIdent:
		return p.parseComparison()
	case TokenNumber, TokenString, TokenTrue, TokenFalse, TokenNull:
		return p.parseReversedComparison()
	case TokenLParen:
		return p.parseGroupedExpression()
	case TokenNot:
		return p.parseNotExpression()
	case TokenIllegal:
		return nil, p.errorf("illegal character")
	case TokenEOF:
		return nil, p.errorf("expected expression")
	default:
		return nil, p.errorf("unexpected token in expression")
	}
}

// parseInfixExpression parses AND/OR.
func (p *Parser) parseInfixExpression(left Expr) (Expr, error) {
	tok := p.curToken
	prec := p.getPrecedence()
	p.nextToken()

	right, err := p.parseExpression(prec)
	if err != nil {
		return nil, err
	}
	if tok.Type == TokenOr {
		return &Or{Left: left, Right: right}, nil
	}
	return &And{Left: left, Right: right}, nil
}

// parseComparison parses `field op literal`.
func (p *Parser) parseComparison() (Expr, error) {
	field := p.curToken.Literal
	p.nextToken()

	op, ok := operatorFor(p.curToken.Type)
	if !ok {
		return nil, p.errorf("expected comparison operator after %q", field)
	}
	p.nextToken()

	value, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &Comparison{Field: field, Op: op, Value: value}, nil
}

// parseReversedComparison parses `literal op field`, normalized so the
// field is on the left.
func (p *Parser) parseReversedComparison() (Expr, error) {
	value, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	op, ok := operatorFor(p.curToken.Type)
	if !ok {
		return nil, p.errorf("expected comparison operator")
	}
	p.nextToken()
	if !p.curTokenIs(TokenIdent) {
		return nil, p.errorf("expected field name")
	}
	field := p.curToken.Literal
	p.nextToken()
	return &Comparison{Field: field, Op: op.flip(), Value: value}, nil
}

// parseLiteral parses a number, string, boolean or NULL and advances past it.
func (p *Parser) parseLiteral() (types.Value, error) {
	tok := p.curToken
	var v types.Value
	switch tok.Type {
	case TokenNumber:
		f, err := strconv.ParseFloat(tok.Literal, 64)
		if err != nil {
			return types.Value{}, p.errorf("invalid number")
		}
		v = types.Number(f)
	case TokenString:
		v = types.String(tok.Literal)
	case TokenTrue:
		v = types.Bool(true)
	case TokenFalse:
		v = types.Bool(false)
	case TokenNull:
		v = types.Null()
	case TokenIllegal:
		return types.Value{}, p.errorf("illegal literal")
	default:
		return types.Value{}, p.errorf("expected literal")
	}
	p.nextToken()
	return v, nil
}

// parseGroupedExpression parses a parenthesized expression.
func (p *Parser) parseGroupedExpression() (Expr, error) {
	p.nextToken() // skip (

	expr, err := p.parseExpression(precLowest)
	if err != nil {
		return nil, err
	}

	if !p.curTokenIs(TokenRParen) {
		return nil, p.errorf("expected )")
	}
	p.nextToken() // skip )

	return expr, nil
}

// parseNotExpression parses NOT. It binds tighter than AND.
func (p *Parser) parseNotExpression() (Expr, error) {
	p.nextToken() // skip NOT

	operand, err := p.parseExpression(precAnd)
	if err != nil {
		return nil, err
	}
	return &Not{Operand: operand}, nil
}
