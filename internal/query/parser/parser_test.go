package parser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featurepack/featurepack/pkg/types"
)

func TestLexer(t *testing.T) {
	tests := []struct {
		input    string
		expected []TokenType
	}{
		{
			"b3_h_dak_50p>50",
			[]TokenType{TokenIdent, TokenGt, TokenNumber, TokenEOF},
		},
		{
			"status = 'Pand in gebruik' AND b3_bouwlagen >= 5",
			[]TokenType{TokenIdent, TokenEq, TokenString, TokenAnd, TokenIdent, TokenGe, TokenNumber, TokenEOF},
		},
		{
			"NOT (a <> 1 or b != 2)",
			[]TokenType{TokenNot, TokenLParen, TokenIdent, TokenNe, TokenNumber, TokenOr, TokenIdent, TokenNe, TokenNumber, TokenRParen, TokenEOF},
		},
		{
			"monument = null AND gebruik <= -1.5e3",
			[]TokenType{TokenIdent, TokenEq, TokenNull, TokenAnd, TokenIdent, TokenLe, TokenNumber, TokenEOF},
		},
		{
			"a = 1 ; drop",
			[]TokenType{TokenIdent, TokenEq, TokenNumber, TokenIllegal},
		},
	}

	for _, tt := range tests {
		tokens := NewLexer(tt.input).Tokenize()

		if len(tokens) != len(tt.expected) {
			t.Errorf("input %q: expected %d tokens, got %d", tt.input, len(tt.expected), len(tokens))
			continue
		}

		for i, tok := range tokens {
			if tok.Type != tt.expected[i] {
				t.Errorf("input %q: token %d: expected %s, got %s", tt.input, i, tt.expected[i], tok.Type)
			}
		}
	}
}

func TestLexerLiterals(t *testing.T) {
	tokens := NewLexer(`"bag:status" = 'it''s' AND h > -3 AND oppervlakte.m2 < .5`).Tokenize()
	require.Len(t, tokens, 12)
	assert.Equal(t, "bag:status", tokens[0].Literal)
	assert.Equal(t, "it's", tokens[2].Literal)
	assert.Equal(t, "-3", tokens[6].Literal)
	assert.Equal(t, "oppervlakte.m2", tokens[8].Literal)
	assert.Equal(t, ".5", tokens[10].Literal)
	assert.Equal(t, 0, tokens[0].Pos)
}

func TestParseComparison(t *testing.T) {
	tests := []struct {
		input string
		field string
		op    Operator
		value types.Value
	}{
		{"b3_h_dak_50p>50", "b3_h_dak_50p", OpGt, types.Number(50)},
		{"b3_bouwlagen > 5", "b3_bouwlagen", OpGt, types.Number(5)},
		{"status='Pand in gebruik'", "status", OpEq, types.String("Pand in gebruik")},
		{"h <= -2.5", "h", OpLe, types.Number(-2.5)},
		{"h == 3", "h", OpEq, types.Number(3)},
		{"monument = NULL", "monument", OpEq, types.Null()},
		{"valid = true", "valid", OpEq, types.Bool(true)},
		{"h <> 1", "h", OpNe, types.Number(1)},
		{"10 < h", "h", OpGt, types.Number(10)},
		{"10 >= h", "h", OpLe, types.Number(10)},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			expr, err := Parse(tt.input)
			require.NoError(t, err)
			c, ok := expr.(*Comparison)
			require.True(t, ok, "expected *Comparison, got %T", expr)
			assert.Equal(t, tt.field, c.Field)
			assert.Equal(t, tt.op, c.Op)
			assert.True(t, types.Equal(tt.value, c.Value), "value %s, want %s", c.Value, tt.value)
		})
	}
}

func TestParsePrecedence(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"a = 1 AND b = 2", "(a = 1 AND b = 2)"},
		{"a = 1 OR b = 2 AND c = 3", "(a = 1 OR (b = 2 AND c = 3))"},
		{"(a = 1 OR b = 2) AND c = 3", "((a = 1 OR b = 2) AND c = 3)"},
		{"NOT a = 1 AND b = 2", "(NOT a = 1 AND b = 2)"},
		{"a = 1 AND b = 2 AND c = 3", "((a = 1 AND b = 2) AND c = 3)"},
		{"status = 'x''y'", "status = 'x''y'"},
	}
	for _, tt := range tests {
		expr, err := Parse(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, expr.String(), tt.input)
	}
}

func TestParseEmpty(t *testing.T) {
	expr, err := Parse("   ")
	require.NoError(t, err)
	assert.Nil(t, expr)
	assert.True(t, Eval(expr, &types.Summary{}))
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		input string
		pos   int
	}{
		{"b3_h_dak_50p >", 14},
		{"b3_h_dak_50p 50", 13},
		{"status = 'open", 9},
		{"a = 1 AND", 9},
		{"(a = 1", 6},
		{"a = 1)", 5},
		{"a = b", 4},
		{"a = 1 ; b = 2", 6},
		{"AND a = 1", 0},
		{"= 5", 0},
		{"a = 1 b = 2", 6},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := Parse(tt.input)
			require.Error(t, err)
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "expected *ParseError, got %T", err)
			assert.Equal(t, tt.pos, pe.Position)
		})
	}
}

func TestParseDepthLimit(t *testing.T) {
	input := ""
	for i := 0; i < 200; i++ {
		input += "("
	}
	input += "a = 1"
	_, err := Parse(input)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Message, "nested")
}

func attrs(kv ...interface{}) *types.Summary {
	s := &types.Summary{}
	for i := 0; i < len(kv); i += 2 {
		v, err := types.ValueOf(kv[i+1])
		if err != nil {
			panic(err)
		}
		s.Attributes = append(s.Attributes, types.Attribute{Name: kv[i].(string), Value: v})
	}
	return s
}

func TestEval(t *testing.T) {
	f := attrs("h", 12.5, "status", "Pand in gebruik", "monument", nil, "valid", true)
	tests := []struct {
		filter string
		want   bool
	}{
		{"h > 10", true},
		{"h > 12.5", false},
		{"h >= 12.5", true},
		{"h < 12.5", false},
		{"h != 3", true},
		{"status = 'Pand in gebruik'", true},
		{"status > 'A'", true},
		{"h = 'twelve'", false},
		{"h != 'twelve'", false},
		{"missing = 1", false},
		{"missing != 1", false},
		{"NOT missing = 1", true},
		{"monument = NULL", true},
		{"monument != NULL", false},
		{"valid = TRUE", true},
		{"valid = 1", false},
		{"h > 10 AND status = 'Bouw gestart'", false},
		{"h > 100 OR status = 'Pand in gebruik'", true},
		{"NOT (h > 100 OR valid = false)", true},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			expr, err := Parse(tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, Eval(expr, f))
		})
	}
}

func TestSplit(t *testing.T) {
	expr, err := Parse("a > 1 AND (b = 2 OR c = 3) AND d != 4 AND e <= 5")
	require.NoError(t, err)

	idx, residual := Split(expr)
	require.Len(t, idx, 2)
	assert.Equal(t, "a", idx[0].Field)
	assert.Equal(t, "e", idx[1].Field)
	require.NotNil(t, residual)
	assert.Equal(t, "((b = 2 OR c = 3) AND d != 4)", residual.String())
	assert.False(t, IsConjunctive(expr))

	expr, err = Parse("a > 1 AND b = 'x'")
	require.NoError(t, err)
	assert.True(t, IsConjunctive(expr))

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, Fields(mustParse(t, "e = 1 AND (d = 1 OR NOT c = 1) AND b = 1 AND a = 1 AND a = 2")))
}

func mustParse(t *testing.T, s string) Expr {
	t.Helper()
	expr, err := Parse(s)
	require.NoError(t, err)
	return expr
}

func TestRanges(t *testing.T) {
	t.Run("tightens bounds", func(t *testing.T) {
		idx, _ := Split(mustParse(t, "h >= 20 AND h < 40 AND h > 10 AND h <= 40"))
		rs := Ranges(idx)
		require.Len(t, rs, 1)
		r := rs[0]
		assert.False(t, r.Empty)
		assert.False(t, r.Equal)
		assert.True(t, types.Equal(types.Number(20), r.Lo.Value))
		assert.True(t, r.Lo.Inclusive)
		assert.True(t, types.Equal(types.Number(40), r.Hi.Value))
		assert.False(t, r.Hi.Inclusive)
		assert.Len(t, r.Predicate, 4)
	})
	t.Run("collapses to equality", func(t *testing.T) {
		idx, _ := Split(mustParse(t, "h >= 5 AND h <= 5 AND s = 'x'"))
		rs := Ranges(idx)
		require.Len(t, rs, 2)
		assert.Equal(t, "h", rs[0].Field)
		assert.True(t, rs[0].Equal)
		assert.True(t, rs[1].Equal)
	})
	t.Run("contradiction", func(t *testing.T) {
		for _, f := range []string{"h > 5 AND h < 5", "h = 1 AND h = 2", "h > 5 AND h < 'x'", "h >= 5 AND h < 5"} {
			idx, _ := Split(mustParse(t, f))
			rs := Ranges(idx)
			require.Len(t, rs, 1, f)
			assert.True(t, rs[0].Empty, f)
		}
	})
}
