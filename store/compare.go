package store

import (
	"bytes"
	"fmt"
	"sort"
	"time"
)

// BSON type-order classes, in ascending order. Values of different
// classes compare by class; values of the same class compare by value.
const (
	classNull = iota
	classNumber
	classString
	classDocument
	classArray
	classBinary
	classBool
	classDate
)

func typeClass(v any) int {
	switch v.(type) {
	case nil, undefinedType:
		return classNull
	case int, int32, int64, float64:
		return classNumber
	case string:
		return classString
	case map[string]any:
		return classDocument
	case []any:
		return classArray
	case []byte:
		return classBinary
	case bool:
		return classBool
	case time.Time:
		return classDate
	default:
		return classString
	}
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// compareValues orders two field values following BSON comparison
// semantics: class order first, then value order within the class.
// Numeric comparison crosses widths.
func compareValues(a, b any) int {
	ca, cb := typeClass(a), typeClass(b)
	if ca != cb {
		return ca - cb
	}
	switch ca {
	case classNull:
		return 0
	case classNumber:
		na, _ := numericValue(a)
		nb, _ := numericValue(b)
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	case classString:
		sa := fmt.Sprintf("%v", a)
		sb := fmt.Sprintf("%v", b)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		default:
			return 0
		}
	case classDocument:
		return compareDocuments(a.(map[string]any), b.(map[string]any))
	case classArray:
		aa, ab := a.([]any), b.([]any)
		for i := 0; i < len(aa) && i < len(ab); i++ {
			if c := compareValues(aa[i], ab[i]); c != 0 {
				return c
			}
		}
		return len(aa) - len(ab)
	case classBinary:
		return bytes.Compare(a.([]byte), b.([]byte))
	case classBool:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		default:
			return 1
		}
	case classDate:
		ta, tb := a.(time.Time), b.(time.Time)
		switch {
		case ta.Before(tb):
			return -1
		case ta.After(tb):
			return 1
		default:
			return 0
		}
	}
	return 0
}

// compareDocuments compares two sub-documents key by key in sorted key
// order. Missing keys sort first.
func compareDocuments(a, b map[string]any) int {
	keys := make([]string, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range b {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		av, aok := a[k]
		bv, bok := b[k]
		if !aok {
			return -1
		}
		if !bok {
			return 1
		}
		if c := compareValues(av, bv); c != 0 {
			return c
		}
	}
	return 0
}
