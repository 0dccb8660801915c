package rql

import (
	"fmt"
	"strings"
)

// Matches evaluates a compiled predicate against a document. The error return
// reports runtime evaluation failures (e.g. comparing against an object
// value), which callers may treat differently from an ordinary non-match.
func Matches(doc map[string]any, p Predicate) (bool, error) {
	return p.Match(doc)
}

func (truePredicate) Match(map[string]any) (bool, error) {
	return true, nil
}

func (p notPredicate) Match(doc map[string]any) (bool, error) {
	ok, err := p.inner.Match(doc)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (p andPredicate) Match(doc map[string]any) (bool, error) {
	for _, inner := range p.preds {
		ok, err := inner.Match(doc)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (p orPredicate) Match(doc map[string]any) (bool, error) {
	for _, inner := range p.preds {
		ok, err := inner.Match(doc)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (p comparison) Match(doc map[string]any) (bool, error) {
	v := lookupField(doc, p.field)

	if v.Kind() == KindObject {
		return false, fmt.Errorf("field %q holds an object, cannot compare", p.field)
	}

	switch p.op {
	case OpEq:
		return containsEqual(v, p.value), nil
	case OpNe:
		return !containsEqual(v, p.value), nil
	case OpGt, OpGte, OpLt, OpLte:
		c, ok := v.Compare(p.value)
		if !ok {
			return false, nil
		}
		switch p.op {
		case OpGt:
			return c > 0, nil
		case OpGte:
			return c >= 0, nil
		case OpLt:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case OpContains:
		return containsEqual(v, p.value), nil
	case OpContainsCI:
		if v.Kind() == KindArray {
			for _, e := range v.Elems() {
				if e.EqualFold(p.value) {
					return true, nil
				}
			}
			return false, nil
		}
		return v.EqualFold(p.value), nil
	default:
		return false, fmt.Errorf("unsupported operator %q", p.op)
	}
}

// containsEqual gives == its array semantics: against an array the comparison
// is a membership test, against a scalar it is plain equality.
func containsEqual(v, lit Value) bool {
	if v.Kind() == KindArray {
		for _, e := range v.Elems() {
			if e.Equal(lit) {
				return true
			}
		}
		return false
	}
	return v.Equal(lit)
}

// lookupField resolves a dotted path in the document. Absent fields resolve
// to null.
func lookupField(doc map[string]any, field string) Value {
	parts := strings.Split(field, ".")
	var cur any = doc
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return Null()
		}
		cur, ok = m[part]
		if !ok {
			return Null()
		}
	}
	return Of(cur)
}
