package rql

import "strings"

type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a closed representation of the dynamic payload values queries run
// against. Keeping the set of kinds closed lets the evaluator branch
// exhaustively instead of type-asserting on raw JSON shapes.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

func Null() Value            { return Value{kind: KindNull} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value  { return Value{kind: KindString, s: s} }

// Of converts a decoded JSON value into a Value. Unknown Go types collapse to
// null rather than panicking; the evaluator treats them as absent.
func Of(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case string:
		return String(t)
	case []any:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = Of(e)
		}
		return Value{kind: KindArray, arr: arr}
	case []string:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = String(e)
		}
		return Value{kind: KindArray, arr: arr}
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			obj[k] = Of(e)
		}
		return Value{kind: KindObject, obj: obj}
	default:
		return Null()
	}
}

func (v Value) Kind() Kind      { return v.kind }
func (v Value) Elems() []Value  { return v.arr }
func (v Value) Str() string     { return v.s }
func (v Value) Num() float64    { return v.n }
func (v Value) IsNull() bool    { return v.kind == KindNull }

// Raw returns the plain Go form, used when compiling a predicate into the
// store's filter dialect.
func (v Value) Raw() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Raw()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.Raw()
		}
		return out
	default:
		return nil
	}
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, e := range v.obj {
			oe, ok := o.obj[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	}
	return false
}

// EqualFold is the anchored, case-insensitive match behind CONTAINS[c].
// Non-string pairs fall back to plain equality.
func (v Value) EqualFold(o Value) bool {
	if v.kind == KindString && o.kind == KindString {
		return strings.EqualFold(v.s, o.s)
	}
	return v.Equal(o)
}

// Compare orders two scalar values: numeric for numbers, lexicographic for
// strings. The second return is false when the pair has no defined order
// (arrays, objects, nulls, mixed kinds).
func (v Value) Compare(o Value) (int, bool) {
	if v.kind != o.kind {
		return 0, false
	}
	switch v.kind {
	case KindNumber:
		switch {
		case v.n < o.n:
			return -1, true
		case v.n > o.n:
			return 1, true
		default:
			return 0, true
		}
	case KindString:
		return strings.Compare(v.s, o.s), true
	default:
		return 0, false
	}
}
