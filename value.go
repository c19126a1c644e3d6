package parse

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/goccy/go-json"
)

// ValueType tags the variant held by a Value.
type ValueType int

const (
	NullType ValueType = iota
	BoolType
	NumberType
	StringType
	ArrayType
	ObjectType
)

func (t ValueType) String() string {
	switch t {
	case NullType:
		return "null"
	case BoolType:
		return "bool"
	case NumberType:
		return "number"
	case StringType:
		return "string"
	case ArrayType:
		return "array"
	case ObjectType:
		return "object"
	}
	return "unknown"
}

// Value is an arbitrary JSON value: null, bool, number, string, array or
// object. The zero Value is null.
type Value struct {
	typ ValueType
	b   bool
	n   float64
	s   string
	arr []Value
	obj map[string]Value
}

func Null() Value                       { return Value{} }
func Bool(b bool) Value                 { return Value{typ: BoolType, b: b} }
func Number(n float64) Value            { return Value{typ: NumberType, n: n} }
func String(s string) Value             { return Value{typ: StringType, s: s} }
func Array(items ...Value) Value        { return Value{typ: ArrayType, arr: append([]Value{}, items...)} }
func ObjectValue(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{typ: ObjectType, obj: cp}
}

func (v Value) Type() ValueType { return v.typ }
func (v Value) IsNull() bool    { return v.typ == NullType }

func (v Value) AsBool() (bool, bool) {
	return v.b, v.typ == BoolType
}

func (v Value) AsNumber() (float64, bool) {
	return v.n, v.typ == NumberType
}

// AsInt returns the number as an int when it has no fractional part.
func (v Value) AsInt() (int, bool) {
	if v.typ != NumberType || v.n != math.Trunc(v.n) {
		return 0, false
	}
	return int(v.n), true
}

func (v Value) AsString() (string, bool) {
	return v.s, v.typ == StringType
}

func (v Value) AsArray() ([]Value, bool) {
	if v.typ != ArrayType {
		return nil, false
	}
	return append([]Value{}, v.arr...), true
}

func (v Value) AsObject() (map[string]Value, bool) {
	if v.typ != ObjectType {
		return nil, false
	}
	cp := make(map[string]Value, len(v.obj))
	for k, val := range v.obj {
		cp[k] = val
	}
	return cp, true
}

// Get looks up a key of an object value. It returns null for anything else.
func (v Value) Get(key string) Value {
	if v.typ != ObjectType {
		return Null()
	}
	return v.obj[key]
}

// Index returns the i-th element of an array value, or null.
func (v Value) Index(i int) Value {
	if v.typ != ArrayType || i < 0 || i >= len(v.arr) {
		return Null()
	}
	return v.arr[i]
}

func (v Value) Len() int {
	switch v.typ {
	case ArrayType:
		return len(v.arr)
	case ObjectType:
		return len(v.obj)
	case StringType:
		return len(v.s)
	}
	return 0
}

// Equal compares two values structurally.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case NullType:
		return true
	case BoolType:
		return v.b == o.b
	case NumberType:
		return v.n == o.n
	case StringType:
		return v.s == o.s
	case ArrayType:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case ObjectType:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, a := range v.obj {
			b, ok := o.obj[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	}
	return false
}

// Interface converts the value into plain Go values (nil, bool, float64,
// string, []any, map[string]any).
func (v Value) Interface() any {
	switch v.typ {
	case BoolType:
		return v.b
	case NumberType:
		return v.n
	case StringType:
		return v.s
	case ArrayType:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case ObjectType:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Interface()
		}
		return out
	}
	return nil
}

// ValueOf converts plain Go values into a Value. Anything else is
// round-tripped through JSON.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := ValueOf(item)
			if err != nil {
				return Null(), err
			}
			items[i] = v
		}
		return Value{typ: ArrayType, arr: items}, nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := ValueOf(item)
			if err != nil {
				return Null(), err
			}
			m[k] = v
		}
		return Value{typ: ObjectType, obj: m}, nil
	}
	if n, ok := toFloat(x); ok {
		return Number(n), nil
	}
	data, err := json.Marshal(x)
	if err != nil {
		return Null(), fmt.Errorf("value of %T: %w", x, err)
	}
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Null(), err
	}
	return v, nil
}

// MustValue is ValueOf for literals known to be convertible.
func MustValue(x any) Value {
	v, err := ValueOf(x)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.typ {
	case NullType:
		buf.WriteString("null")
	case BoolType, NumberType, StringType:
		data, err := json.Marshal(v.Interface())
		if err != nil {
			return err
		}
		buf.Write(data)
	case ArrayType:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case ObjectType:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := v.obj[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
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

func toFloat(x any) (float64, bool) {
	switch n := x.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
