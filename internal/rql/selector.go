package rql

import "regexp"

// Selector compiles the predicate into a CouchDB Mango selector so the same
// filter can run server side during bootstrap scans. The prefix is prepended
// to every field path (document payloads are nested under an envelope field).

func (truePredicate) Selector(string) map[string]any {
	return map[string]any{}
}

func (p notPredicate) Selector(prefix string) map[string]any {
	return map[string]any{"$not": p.inner.Selector(prefix)}
}

func (p andPredicate) Selector(prefix string) map[string]any {
	parts := make([]any, 0, len(p.preds))
	for _, inner := range p.preds {
		parts = append(parts, inner.Selector(prefix))
	}
	return map[string]any{"$and": parts}
}

func (p orPredicate) Selector(prefix string) map[string]any {
	parts := make([]any, 0, len(p.preds))
	for _, inner := range p.preds {
		parts = append(parts, inner.Selector(prefix))
	}
	return map[string]any{"$or": parts}
}

func (p comparison) Selector(prefix string) map[string]any {
	field := prefix + p.field
	raw := p.value.Raw()

	switch p.op {
	case OpEq, OpContains:
		// Mirrors the evaluator's array semantics: equal to the value, or an
		// array containing it.
		return map[string]any{"$or": []any{
			map[string]any{field: map[string]any{"$eq": raw}},
			map[string]any{field: map[string]any{"$elemMatch": map[string]any{"$eq": raw}}},
		}}
	case OpNe:
		return map[string]any{"$not": map[string]any{"$or": []any{
			map[string]any{field: map[string]any{"$eq": raw}},
			map[string]any{field: map[string]any{"$elemMatch": map[string]any{"$eq": raw}}},
		}}}
	case OpGt:
		return map[string]any{field: map[string]any{"$gt": raw}}
	case OpGte:
		return map[string]any{field: map[string]any{"$gte": raw}}
	case OpLt:
		return map[string]any{field: map[string]any{"$lt": raw}}
	case OpLte:
		return map[string]any{field: map[string]any{"$lte": raw}}
	case OpContainsCI:
		if p.value.Kind() == KindString {
			pattern := "(?i)^" + regexp.QuoteMeta(p.value.Str()) + "$"
			return map[string]any{"$or": []any{
				map[string]any{field: map[string]any{"$regex": pattern}},
				map[string]any{field: map[string]any{"$elemMatch": map[string]any{"$regex": pattern}}},
			}}
		}
		return map[string]any{field: map[string]any{"$eq": raw}}
	default:
		// Unreachable for predicates built by Compile.
		return map[string]any{field: map[string]any{"$eq": raw}}
	}
}
