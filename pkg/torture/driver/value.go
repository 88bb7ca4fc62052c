package driver

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind tags the dynamic type of a script result.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindObject // arrays and objects, kept as decoded Go values
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is the untyped result of a browser script. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	obj  any
}

func NullValue() Value            { return Value{} }
func BoolValue(b bool) Value      { return Value{kind: KindBool, b: b} }
func NumberValue(n float64) Value { return Value{kind: KindNumber, n: n} }
func StringValue(s string) Value  { return Value{kind: KindString, s: s} }

// ObjectValue wraps a decoded JSON object or array.
func ObjectValue(v any) Value {
	if v == nil {
		return Value{}
	}
	return Value{kind: KindObject, obj: v}
}

// FromAny converts a JSON-decoded Go value into a Value.
func FromAny(v any) Value {
	switch x := v.(type) {
	case nil:
		return NullValue()
	case bool:
		return BoolValue(x)
	case float64:
		return NumberValue(x)
	case float32:
		return NumberValue(float64(x))
	case int:
		return NumberValue(float64(x))
	case int64:
		return NumberValue(float64(x))
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return StringValue(x.String())
		}
		return NumberValue(f)
	case string:
		return StringValue(x)
	case Value:
		return x
	default:
		return ObjectValue(x)
	}
}

// FromJSON decodes raw JSON into a Value. Empty input is null.
func FromJSON(raw []byte) (Value, error) {
	if len(raw) == 0 {
		return NullValue(), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return NullValue(), fmt.Errorf("decode script result: %w", err)
	}
	return FromAny(v), nil
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the boolean payload, false for any other kind.
func (v Value) Bool() bool { return v.kind == KindBool && v.b }

// Num returns the numeric payload, 0 for any other kind.
func (v Value) Num() float64 {
	if v.kind != KindNumber {
		return 0
	}
	return v.n
}

// Str returns the string payload, "" for any other kind.
func (v Value) Str() string {
	if v.kind != KindString {
		return ""
	}
	return v.s
}

// Object returns the decoded object or array, nil for any other kind.
func (v Value) Object() any { return v.obj }

// Field returns a top-level field of an object result.
func (v Value) Field(name string) Value {
	m, ok := v.obj.(map[string]any)
	if !ok {
		return NullValue()
	}
	return FromAny(m[name])
}

// Truthy follows JavaScript truthiness.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0 && !math.IsNaN(v.n)
	case KindString:
		return v.s != ""
	case KindObject:
		return true
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	case KindObject:
		b, err := json.Marshal(v.obj)
		if err != nil {
			return fmt.Sprintf("%v", v.obj)
		}
		return string(b)
	default:
		return "null"
	}
}
