package store

import (
	"fmt"

	"github.com/google/uuid"
)

// Selector is a query filter in the store's native shape: a mapping from
// field path to required value (or operator document).
type Selector = map[string]any

// RewriteSelector normalizes a selector before it reaches the engine.
// An array selector is rejected outright. A nil or empty selector, or
// one whose _id is falsy (nil, empty string, zero), is rewritten into a
// selector that can never match: a fresh random _id. Publishing a cursor
// over such a selector yields an empty, silent result set rather than a
// full-collection scan.
func RewriteSelector(selector any) (Selector, error) {
	switch sel := selector.(type) {
	case nil:
		return unmatchable(), nil
	case []any:
		return nil, fmt.Errorf("rewriteSelector: selector cannot be an array")
	case string:
		// A bare string selector is shorthand for {_id: s}.
		if sel == "" {
			return unmatchable(), nil
		}
		return Selector{"_id": sel}, nil
	case map[string]any:
		if len(sel) == 0 {
			return unmatchable(), nil
		}
		if id, present := sel["_id"]; present && isFalsy(id) {
			return unmatchable(), nil
		}
		return sel, nil
	default:
		return nil, fmt.Errorf("rewriteSelector: unsupported selector type %T", selector)
	}
}

func unmatchable() Selector {
	return Selector{"_id": "nonexistent-" + uuid.NewString()}
}

func isFalsy(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case bool:
		return !val
	case int:
		return val == 0
	case int64:
		return val == 0
	case float64:
		return val == 0
	default:
		return false
	}
}

// MatchResult is the outcome of applying a compiled matcher to one
// document.
type MatchResult struct {
	Result bool
	// Distance is set by geo selectors; the engine never interprets it.
	Distance *float64
}

// Matcher is a compiled selector: a black-box predicate over documents.
type Matcher interface {
	DocumentMatches(doc Document) MatchResult
	// IsSimple reports whether the selector is a plain field-equality
	// filter with no operators.
	IsSimple() bool
}

// fieldMatcher matches documents by per-field equality. Operator
// documents (keys beginning with '$') are not supported here; selectors
// using them are evaluated by the database via MongoStore, and CompileMatcher
// reports them as uncompilable.
type fieldMatcher struct {
	selector Selector
}

// CompileMatcher compiles a selector into an in-process predicate.
// Returns an error for selector shapes this matcher cannot evaluate;
// callers fall back to server-side evaluation in that case.
func CompileMatcher(selector Selector) (Matcher, error) {
	for key, value := range selector {
		if len(key) > 0 && key[0] == '$' {
			return nil, fmt.Errorf("compileMatcher: unsupported operator %q", key)
		}
		if sub, ok := value.(map[string]any); ok {
			for op := range sub {
				if len(op) > 0 && op[0] == '$' {
					return nil, fmt.Errorf("compileMatcher: unsupported operator %q on field %q", op, key)
				}
			}
		}
	}
	return &fieldMatcher{selector: selector}, nil
}

func (m *fieldMatcher) DocumentMatches(doc Document) MatchResult {
	for key, want := range m.selector {
		got, present := doc[key]
		if !present || !ValueEqual(got, want) {
			return MatchResult{Result: false}
		}
	}
	return MatchResult{Result: true}
}

func (m *fieldMatcher) IsSimple() bool { return true }
