// Package parser implements the lexer and parser for attribute filter
// expressions such as `b3_h_dak_50p > 50 AND status = 'Pand in gebruik'`.
package parser

import (
	"strings"
	"unicode"
)

// TokenType represents the type of a lexical token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenIllegal

	// Literals
	TokenIdent  // field names
	TokenNumber // 123, 45.67, -3, 1e6
	TokenString // 'string literal'

	// Keywords
	TokenAnd
	TokenOr
	TokenNot
	TokenNull
	TokenTrue
	TokenFalse

	// Operators
	TokenEq // =
	TokenNe // != or <>
	TokenLt // <
	TokenGt // >
	TokenLe // <=
	TokenGe // >=

	// Delimiters
	TokenLParen // (
	TokenRParen // )
)

var tokenNames = map[TokenType]string{
	TokenEOF:     "EOF",
	TokenIllegal: "ILLEGAL",
	TokenIdent:   "IDENT",
	TokenNumber:  "NUMBER",
	TokenString:  "STRING",
	TokenAnd:     "AND",
	TokenOr:      "OR",
	TokenNot:     "NOT",
	TokenNull:    "NULL",
	TokenTrue:    "TRUE",
	TokenFalse:   "FALSE",
	TokenEq:      "=",
	TokenNe:      "!=",
	TokenLt:      "<",
	TokenGt:      ">",
	TokenLe:      "<=",
	TokenGe:      ">=",
	TokenLParen:  "(",
	TokenRParen:  ")",
}

// String returns the string representation of a token type.
func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsComparison reports whether t is a comparison operator.
func (t TokenType) IsComparison() bool {
	return t >= TokenEq && t <= TokenGe
}

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string
	Pos     int // Position in input
}

var keywords = map[string]TokenType{
	"AND":   TokenAnd,
	"OR":    TokenOr,
	"NOT":   TokenNot,
	"NULL":  TokenNull,
	"TRUE":  TokenTrue,
	"FALSE": TokenFalse,
}

// Lexer tokenizes filter expressions.
type Lexer struct {
	input   string
	pos     int  // current position in input (points to current char)
	readPos int  // current reading position (after current char)
	ch      byte // current char under examination
	prev    TokenType
}

// NewLexer creates a new Lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input, prev: TokenIllegal}
	l.readChar()
	return l
}

// readChar reads the next character and advances the position.
func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

// peekChar returns the next character without advancing.
func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

// skipWhitespace skips whitespace characters.
func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	tok := l.next()
	l.prev = tok.Type
	return tok
}

func (l *Lexer) next() Token {
	l.skipWhitespace()

	tok := Token{Pos: l.pos}

	switch l.ch {
	case 0:
		tok.Type = TokenEOF
		tok.Literal = ""
		return tok
	case '=':
		tok.Type = TokenEq
		tok.Literal = "="
		if l.peekChar() == '=' {
			l.readChar()
			tok.Literal = "=="
		}
	case '<':
		switch l.peekChar() {
		case '=':
			l.readChar()
			tok.Type = TokenLe
			tok.Literal = "<="
		case '>':
			l.readChar()
			tok.Type = TokenNe
			tok.Literal = "<>"
		default:
			tok.Type = TokenLt
			tok.Literal = "<"
		}
	case '>':
		if l.peekChar() == '=' {
			l.readChar()
			tok.Type = TokenGe
			tok.Literal = ">="
		} else {
			tok.Type = TokenGt
			tok.Literal = ">"
		}
	case '!':
		if l.peekChar() == '=' {
			l.readChar()
			tok.Type = TokenNe
			tok.Literal = "!="
		} else {
			tok.Type = TokenIllegal
			tok.Literal = "!"
		}
	case '(':
		tok.Type = TokenLParen
		tok.Literal = "("
	case ')':
		tok.Type = TokenRParen
		tok.Literal = ")"
	case '\'':
		return l.readString()
	case '"':
		return l.readQuotedIdentifier()
	case '-', '+':
		// A sign only starts a number where a literal is expected.
		if l.prev.IsComparison() && (isDigit(l.peekChar()) || l.peekChar() == '.') {
			return l.readNumber()
		}
		tok.Type = TokenIllegal
		tok.Literal = string(l.ch)
	default:
		if isLetter(l.ch) {
			tok.Literal = l.readIdentifier()
			if kw, ok := keywords[strings.ToUpper(tok.Literal)]; ok {
				tok.Type = kw
			} else {
				tok.Type = TokenIdent
			}
			return tok
		}
		if isDigit(l.ch) || (l.ch == '.' && isDigit(l.peekChar())) {
			return l.readNumber()
		}
		tok.Type = TokenIllegal
		tok.Literal = string(l.ch)
	}

	l.readChar()
	return tok
}

// readIdentifier reads a field name. Dots, colons and dashes are allowed
// after the first character so namespaced attribute names lex as one token.
func (l *Lexer) readIdentifier() string {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '.' || l.ch == ':' || l.ch == '-' {
		l.readChar()
	}
	return l.input[start:l.pos]
}

// readQuotedIdentifier reads a double-quoted field name.
func (l *Lexer) readQuotedIdentifier() Token {
	start := l.pos
	l.readChar() // skip opening quote
	var sb strings.Builder
	for l.ch != '"' {
		if l.ch == 0 {
			return Token{Type: TokenIllegal, Literal: l.input[start:], Pos: start}
		}
		sb.WriteByte(l.ch)
		l.readChar()
	}
	l.readChar() // skip closing quote
	return Token{Type: TokenIdent, Literal: sb.String(), Pos: start}
}

// readNumber reads an optionally signed decimal number with an optional exponent.
func (l *Lexer) readNumber() Token {
	start := l.pos
	if l.ch == '-' || l.ch == '+' {
		l.readChar()
	}
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' {
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if l.ch == 'e' || l.ch == 'E' {
		next := l.peekChar()
		if isDigit(next) || next == '-' || next == '+' {
			l.readChar()
			if l.ch == '-' || l.ch == '+' {
				l.readChar()
			}
			for isDigit(l.ch) {
				l.readChar()
			}
		}
	}
	return Token{Type: TokenNumber, Literal: l.input[start:l.pos], Pos: start}
}

// readString reads a single-quoted string literal. Two consecutive quotes
// stand for one quote character.
func (l *Lexer) readString() Token {
	start := l.pos
	l.readChar() // skip opening quote
	var sb strings.Builder
	for {
		if l.ch == 0 {
			return Token{Type: TokenIllegal, Literal: l.input[start:], Pos: start}
		}
		if l.ch == '\'' {
			if l.peekChar() == '\'' {
				sb.WriteByte('\'')
				l.readChar()
				l.readChar()
				continue
			}
			break
		}
		sb.WriteByte(l.ch)
		l.readChar()
	}
	l.readChar() // skip closing quote
	return Token{Type: TokenString, Literal: sb.String(), Pos: start}
}

// Tokenize returns all remaining tokens, ending with EOF or the first
// illegal token.
func (l *Lexer) Tokenize() []Token {
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF || tok.Type == TokenIllegal {
			break
		}
	}
	return tokens
}

// isLetter checks if a character starts or continues an identifier.
func isLetter(ch byte) bool {
	return ch == '_' || ch >= 0x80 || unicode.IsLetter(rune(ch))
}

// isDigit checks if a character is a digit.
func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}
