// Package rql implements the restricted filter language used by persistent
// and transient subscriptions: comparisons joined by AND/OR/NOT with standard
// boolean precedence. A compiled predicate can be evaluated locally against a
// document or translated into the store's selector dialect.
//
// Parsing fails closed: a query that does not compile is an error, never a
// match-all predicate.
package rql

import (
	"fmt"
	"strconv"
	"strings"
)

type Op string

const (
	OpEq         Op = "=="
	OpNe         Op = "!="
	OpGt         Op = ">"
	OpGte        Op = ">="
	OpLt         Op = "<"
	OpLte        Op = "<="
	OpContains   Op = "CONTAINS"
	OpContainsCI Op = "CONTAINS[c]"
)

// TruePredicate is the literal token compiling to an always-true predicate.
const TruePredicate = "TRUEPREDICATE"

type ParseError struct {
	Query  string
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid query %q: %s", e.Query, e.Detail)
}

// Predicate is a compiled filter. Match evaluates it against an in-memory
// document; Selector compiles it to a Mango selector, prefixing field paths
// (the store nests payloads under an envelope field).
type Predicate interface {
	Match(doc map[string]any) (bool, error)
	Selector(prefix string) map[string]any
}

type truePredicate struct{}

type notPredicate struct {
	inner Predicate
}

type andPredicate struct {
	preds []Predicate
}

type orPredicate struct {
	preds []Predicate
}

type comparison struct {
	field string
	op    Op
	value Value
}

// Compile parses a query into a predicate tree.
func Compile(query string) (Predicate, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, &ParseError{Query: query, Detail: "empty query"}
	}
	return parseExpr(query, q)
}

// Substitute replaces $0, $1, ... placeholders with the given argument texts
// before compilation. Higher indexes are replaced first so $10 is not eaten
// by $1.
func Substitute(query string, args []string) string {
	for i := len(args) - 1; i >= 0; i-- {
		query = strings.ReplaceAll(query, "$"+strconv.Itoa(i), args[i])
	}
	return query
}

func parseExpr(orig, s string) (Predicate, error) {
	s = strings.TrimSpace(s)
	var err error
	s, err = stripOuterParens(orig, s)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, &ParseError{Query: orig, Detail: "empty expression"}
	}
	if s == TruePredicate {
		return truePredicate{}, nil
	}

	parts, err := splitTopLevel(orig, s, "OR")
	if err != nil {
		return nil, err
	}
	if len(parts) > 1 {
		preds := make([]Predicate, 0, len(parts))
		for _, part := range parts {
			p, err := parseExpr(orig, part)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		}
		return orPredicate{preds: preds}, nil
	}

	parts, err = splitTopLevel(orig, s, "AND")
	if err != nil {
		return nil, err
	}
	if len(parts) > 1 {
		preds := make([]Predicate, 0, len(parts))
		for _, part := range parts {
			p, err := parseExpr(orig, part)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		}
		return andPredicate{preds: preds}, nil
	}

	if rest, ok := strings.CutPrefix(s, "NOT"); ok {
		if rest != "" && (rest[0] == ' ' || rest[0] == '(') {
			inner, err := parseExpr(orig, rest)
			if err != nil {
				return nil, err
			}
			return notPredicate{inner: inner}, nil
		}
	}

	return parseComparison(orig, s)
}

// stripOuterParens removes a pair of parentheses enclosing the whole
// expression, repeatedly. Parentheses that close before the end of the string
// are left alone so "(a) AND (b)" is not mangled.
func stripOuterParens(orig, s string) (string, error) {
	for len(s) >= 2 && s[0] == '(' && s[len(s)-1] == ')' {
		depth := 0
		var quote byte
		whole := true
		for i := 0; i < len(s); i++ {
			c := s[i]
			if quote != 0 {
				if c == quote {
					quote = 0
				}
				continue
			}
			switch c {
			case '\'', '"':
				quote = c
			case '(':
				depth++
			case ')':
				depth--
				if depth < 0 {
					return "", &ParseError{Query: orig, Detail: "unbalanced parentheses"}
				}
				if depth == 0 && i < len(s)-1 {
					whole = false
				}
			}
		}
		if depth != 0 {
			return "", &ParseError{Query: orig, Detail: "unbalanced parentheses"}
		}
		if quote != 0 {
			return "", &ParseError{Query: orig, Detail: "unterminated string literal"}
		}
		if !whole {
			break
		}
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s, nil
}

// splitTopLevel splits on a keyword appearing outside string literals and
// outside nested parentheses, so "(a OR b) AND c" splits only at the AND.
func splitTopLevel(orig, s, keyword string) ([]string, error) {
	var parts []string
	depth := 0
	var quote byte
	start := 0

	for i := 0; i < len(s); {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			i++
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
			i++
		case '(':
			depth++
			i++
		case ')':
			depth--
			if depth < 0 {
				return nil, &ParseError{Query: orig, Detail: "unbalanced parentheses"}
			}
			i++
		case ' ':
			rest := s[i+1:]
			if depth == 0 && strings.HasPrefix(rest, keyword) &&
				len(rest) > len(keyword) && rest[len(keyword)] == ' ' {
				parts = append(parts, s[start:i])
				i += 1 + len(keyword) + 1
				start = i
			} else {
				i++
			}
		default:
			i++
		}
	}

	if depth != 0 {
		return nil, &ParseError{Query: orig, Detail: "unbalanced parentheses"}
	}
	if quote != 0 {
		return nil, &ParseError{Query: orig, Detail: "unterminated string literal"}
	}

	parts = append(parts, s[start:])
	return parts, nil
}

var charOps = []Op{OpEq, OpNe, OpGte, OpLte, OpGt, OpLt}

func parseComparison(orig, s string) (Predicate, error) {
	// Worded operators first: they are space-delimited tokens.
	for _, op := range []Op{OpContainsCI, OpContains} {
		if idx := indexTopLevelWord(s, string(op)); idx >= 0 {
			return newComparison(orig, s[:idx], op, s[idx+len(op):])
		}
	}

	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
		default:
			if depth == 0 {
				for _, op := range charOps {
					if strings.HasPrefix(s[i:], string(op)) {
						return newComparison(orig, s[:i], op, s[i+len(op):])
					}
				}
			}
		}
	}

	return nil, &ParseError{Query: orig, Detail: fmt.Sprintf("no comparison operator in %q", s)}
}

func indexTopLevelWord(s, word string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
		case ' ':
			rest := s[i+1:]
			if depth == 0 && strings.HasPrefix(rest, word) &&
				len(rest) > len(word) && rest[len(word)] == ' ' {
				return i + 1
			}
		}
	}
	return -1
}

func newComparison(orig, field string, op Op, rawValue string) (Predicate, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, &ParseError{Query: orig, Detail: "missing field before operator"}
	}
	if !validFieldName(field) {
		return nil, &ParseError{Query: orig, Detail: fmt.Sprintf("invalid field name %q", field)}
	}

	val, err := parseValue(orig, strings.TrimSpace(rawValue))
	if err != nil {
		return nil, err
	}

	return comparison{field: field, op: op, value: val}, nil
}

func validFieldName(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '.', r == '-':
		default:
			return false
		}
	}
	return true
}

func parseValue(orig, s string) (Value, error) {
	if s == "" {
		return Value{}, &ParseError{Query: orig, Detail: "missing value after operator"}
	}

	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return String(s[1 : len(s)-1]), nil
		}
	}

	switch s {
	case "true":
		return Bool(true), nil
	case "false":
		return Bool(false), nil
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Number(f), nil
	}

	// Bare word: accepted as a raw string, but anything containing operator
	// or quote characters is malformed rather than silently stringified.
	if strings.ContainsAny(s, " \t\"'=<>!()") {
		return Value{}, &ParseError{Query: orig, Detail: fmt.Sprintf("malformed value %q", s)}
	}
	return String(s), nil
}
