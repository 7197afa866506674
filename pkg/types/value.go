// Package types provides the core data types of the feature store.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueKind identifies which member of the attribute value union is set.
// The numeric order of the kinds is the cross-kind sort order.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
)

// String returns the name of the kind.
func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Value is a typed attribute value: null, bool, number or string.
// The zero Value is null.
type Value struct {
	kind ValueKind
	num  float64
	str  string
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

// Number returns a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Kind returns the kind of the value.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload. ok is false for other kinds.
func (v Value) AsBool() (b bool, ok bool) {
	return v.num != 0, v.kind == KindBool
}

// AsNumber returns the numeric payload. ok is false for other kinds.
func (v Value) AsNumber() (f float64, ok bool) {
	return v.num, v.kind == KindNumber
}

// AsString returns the string payload. ok is false for other kinds.
func (v Value) AsString() (s string, ok bool) {
	return v.str, v.kind == KindString
}

// Compare orders two values: null < bool < number < string, then by payload.
// NaN sorts before every other number so the order stays total.
func Compare(a, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindBool, KindNumber:
		an, bn := a.num, b.num
		aNaN, bNaN := math.IsNaN(an), math.IsNaN(bn)
		switch {
		case aNaN && bNaN:
			return 0
		case aNaN:
			return -1
		case bNaN:
			return 1
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	case KindString:
		return strings.Compare(a.str, b.str)
	}
	return 0
}

// Equal reports whether a and b are the same kind and payload.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

// String renders the value the way it would appear in a filter literal.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.num != 0)
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindString:
		return "'" + strings.ReplaceAll(v.str, "'", "''") + "'"
	default:
		return "null"
	}
}

// Interface returns the payload as a plain Go value (nil, bool, float64, string).
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.num != 0
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	default:
		return nil
	}
}

// MarshalJSON encodes the value as its JSON scalar.
// Non-finite numbers have no JSON form and are written as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindNumber && (math.IsNaN(v.num) || math.IsInf(v.num, 0)) {
		return []byte("null"), nil
	}
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes a JSON scalar. Objects and arrays are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	val, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// ValueOf converts a decoded JSON scalar (or a Go numeric) into a Value.
func ValueOf(raw interface{}) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case int:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", x.String(), err)
		}
		return Number(f), nil
	case string:
		return String(x), nil
	default:
		return Value{}, fmt.Errorf("unsupported attribute value of type %T", raw)
	}
}
