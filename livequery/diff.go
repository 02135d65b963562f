package livequery

import (
	"fmt"

	"livedata/store"
)

// OrderedDiffCallbacks receives the edits that transform one ordered
// result sequence into another. A before id of "" means "at the end".
type OrderedDiffCallbacks struct {
	AddedBefore func(id string, doc store.Document, before string)
	MovedBefore func(id string, before string)
	Removed     func(id string)
	Changed     func(id string, fields store.Fields)
}

// UnorderedDiffCallbacks receives the edits that transform one result
// map into another.
type UnorderedDiffCallbacks struct {
	Added   func(id string, doc store.Document)
	Removed func(id string)
	Changed func(id string, fields store.Fields)
}

// DiffFields computes the per-field minimal patch turning old into new:
// fields absent from new map to Undefined, fields new or unequal map to
// their new value, equal fields are omitted. The _id field never
// appears in a patch.
func DiffFields(old, new store.Document) store.Fields {
	fields := store.Fields{}
	for key, oldValue := range old {
		if key == "_id" {
			continue
		}
		newValue, present := new[key]
		switch {
		case !present:
			fields[key] = store.Undefined
		case !store.ValueEqual(oldValue, newValue):
			fields[key] = newValue
		}
	}
	for key, newValue := range new {
		if key == "_id" {
			continue
		}
		if _, present := old[key]; !present {
			fields[key] = newValue
		}
	}
	return fields
}

// ApplyFields applies a field patch to a document in place. Undefined
// values delete the field.
func ApplyFields(doc store.Document, fields store.Fields) {
	for key, value := range fields {
		if key == "_id" {
			continue
		}
		if store.IsUndefined(value) {
			delete(doc, key)
		} else {
			doc[key] = value
		}
	}
}

// StripID returns the document's fields without its identity, for use
// as an added-message field image.
func StripID(doc store.Document) store.Fields {
	fields := make(store.Fields, len(doc))
	for key, value := range doc {
		if key == "_id" {
			continue
		}
		fields[key] = value
	}
	return fields
}

// DiffUnorderedResults diffs two id-keyed result maps and emits
// added/removed for id differences and changed for value differences.
func DiffUnorderedResults(old, new map[string]store.Document, cb UnorderedDiffCallbacks) {
	for id := range old {
		if _, present := new[id]; !present && cb.Removed != nil {
			cb.Removed(id)
		}
	}
	for id, newDoc := range new {
		oldDoc, present := old[id]
		if !present {
			if cb.Added != nil {
				cb.Added(id, newDoc)
			}
			continue
		}
		fields := DiffFields(oldDoc, newDoc)
		if len(fields) > 0 && cb.Changed != nil {
			cb.Changed(id, fields)
		}
	}
}

// DiffOrderedResults diffs two ordered result sequences with stable
// id-based identity. Documents present only in old are removed;
// documents in both keep their position when they belong to a longest
// increasing subsequence of retained old positions, and are moved
// otherwise; documents only in new are inserted. Value differences emit
// changed with a per-field patch.
func DiffOrderedResults(old, new []store.Document, cb OrderedDiffCallbacks) {
	oldIndex := make(map[string]int, len(old))
	for i, doc := range old {
		id := mustID(doc)
		if _, dup := oldIndex[id]; dup {
			panic(fmt.Sprintf("diff: duplicate id %q in old results", id))
		}
		oldIndex[id] = i
	}
	newIndex := make(map[string]int, len(new))
	for i, doc := range new {
		id := mustID(doc)
		if _, dup := newIndex[id]; dup {
			panic(fmt.Sprintf("diff: duplicate id %q in new results", id))
		}
		newIndex[id] = i
	}

	for _, doc := range old {
		id := mustID(doc)
		if _, present := newIndex[id]; !present && cb.Removed != nil {
			cb.Removed(id)
		}
	}

	for _, doc := range new {
		id := mustID(doc)
		if i, present := oldIndex[id]; present {
			fields := DiffFields(old[i], doc)
			if len(fields) > 0 && cb.Changed != nil {
				cb.Changed(id, fields)
			}
		}
	}

	// Retained ids in new order, each tagged with its old position.
	// The longest increasing subsequence of those positions is the set
	// of documents that may stay put; everything else moves.
	var keptIDs []string
	var keptPositions []int
	for _, doc := range new {
		id := mustID(doc)
		if oldPos, present := oldIndex[id]; present {
			keptIDs = append(keptIDs, id)
			keptPositions = append(keptPositions, oldPos)
		}
	}
	stationary := make(map[string]bool, len(keptIDs))
	for _, i := range longestIncreasingSubsequence(keptPositions) {
		stationary[keptIDs[i]] = true
	}

	// Walk new from the end so that every emitted before-reference is
	// already in place when the edit applies.
	before := ""
	for i := len(new) - 1; i >= 0; i-- {
		id := mustID(new[i])
		if _, present := oldIndex[id]; !present {
			if cb.AddedBefore != nil {
				cb.AddedBefore(id, new[i], before)
			}
		} else if !stationary[id] {
			if cb.MovedBefore != nil {
				cb.MovedBefore(id, before)
			}
		}
		before = id
	}
}

func mustID(doc store.Document) string {
	id, ok := store.DocumentID(doc)
	if !ok {
		panic("diff: document without string _id")
	}
	return id
}

// longestIncreasingSubsequence returns the indices of one longest
// strictly increasing subsequence of values, by patience sorting in
// O(n log n).
func longestIncreasingSubsequence(values []int) []int {
	if len(values) == 0 {
		return nil
	}
	// tails[k] is the index of the smallest tail value of an
	// increasing subsequence of length k+1; prev links reconstruct it.
	tails := make([]int, 0, len(values))
	prev := make([]int, len(values))
	for i, v := range values {
		lo, hi := 0, len(tails)
		for lo < hi {
			mid := (lo + hi) / 2
			if values[tails[mid]] < v {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo > 0 {
			prev[i] = tails[lo-1]
		} else {
			prev[i] = -1
		}
		if lo == len(tails) {
			tails = append(tails, i)
		} else {
			tails[lo] = i
		}
	}
	out := make([]int, len(tails))
	i := tails[len(tails)-1]
	for k := len(tails) - 1; k >= 0; k-- {
		out[k] = i
		i = prev[i]
	}
	return out
}
