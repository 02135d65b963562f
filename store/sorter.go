package store

import (
	"fmt"
	"sort"
)

// SortField is one component of a sort specification.
type SortField struct {
	Name string
	// Descending inverts the comparison for this field.
	Descending bool
}

// SortSpec is an ordered list of sort fields, major key first.
type SortSpec []SortField

// ParseSortSpec accepts the wire shapes a sort option may take: a
// map of field name to ±1, or an ordered list of [name, direction]
// pairs. Map form is accepted only for single-field sorts, since map
// iteration order cannot express key precedence.
func ParseSortSpec(spec any) (SortSpec, error) {
	switch s := spec.(type) {
	case nil:
		return nil, nil
	case SortSpec:
		return s, nil
	case map[string]any:
		if len(s) > 1 {
			return nil, fmt.Errorf("parseSortSpec: multi-key map sort is ambiguous, use list form")
		}
		for name, dir := range s {
			desc, err := sortDirection(dir)
			if err != nil {
				return nil, err
			}
			return SortSpec{{Name: name, Descending: desc}}, nil
		}
		return nil, nil
	case []any:
		out := make(SortSpec, 0, len(s))
		for _, entry := range s {
			pair, ok := entry.([]any)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("parseSortSpec: expected [field, direction] pair, got %v", entry)
			}
			name, ok := pair[0].(string)
			if !ok {
				return nil, fmt.Errorf("parseSortSpec: field name must be a string")
			}
			desc, err := sortDirection(pair[1])
			if err != nil {
				return nil, err
			}
			out = append(out, SortField{Name: name, Descending: desc})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parseSortSpec: unsupported sort spec %T", spec)
	}
}

func sortDirection(dir any) (descending bool, err error) {
	n, ok := numericValue(dir)
	if !ok {
		if s, isStr := dir.(string); isStr {
			switch s {
			case "asc":
				return false, nil
			case "desc":
				return true, nil
			}
		}
		return false, fmt.Errorf("parseSortSpec: invalid direction %v", dir)
	}
	switch n {
	case 1:
		return false, nil
	case -1:
		return true, nil
	default:
		return false, fmt.Errorf("parseSortSpec: direction must be 1 or -1, got %v", n)
	}
}

// Sorter compares documents under a sort specification.
type Sorter struct {
	spec SortSpec
}

// NewSorter compiles a sort specification into a comparator.
func NewSorter(spec SortSpec) *Sorter {
	return &Sorter{spec: spec}
}

// Compare orders two documents: negative when a sorts before b.
// Documents equal under every sort key tie-break by _id so the order is total.
func (s *Sorter) Compare(a, b Document) int {
	for _, field := range s.spec {
		c := compareValues(a[field.Name], b[field.Name])
		if field.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	aid, _ := DocumentID(a)
	bid, _ := DocumentID(b)
	switch {
	case aid < bid:
		return -1
	case aid > bid:
		return 1
	default:
		return 0
	}
}

// Sort orders a slice of documents in place.
func (s *Sorter) Sort(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		return s.Compare(docs[i], docs[j]) < 0
	})
}
