// Package mergebox maintains the per-session materialized view of the
// documents a client is subscribed to. When several subscriptions
// publish overlapping documents, each field keeps an ordered precedence
// list of (subscription, value) contributions; the head of the list is
// the value the client sees. The box emits exactly one client-visible
// added/changed/removed delta per incoming event.
package mergebox

import (
	"fmt"

	"livedata/store"
)

// Callbacks receive the client-visible deltas produced by a collection
// view. Changed field images use the Undefined sentinel to mark cleared
// fields.
type Callbacks struct {
	Added   func(collection, id string, fields store.Fields)
	Changed func(collection, id string, fields store.Fields)
	Removed func(collection, id string)
}

type precedenceEntry struct {
	sub   string
	value any
}

// DocumentView is the per-(collection, id) merge state: which
// subscriptions report the document and, per field, the ordered
// contribution list. The _id field is never stored.
type DocumentView struct {
	existsIn  map[string]bool
	dataByKey map[string][]precedenceEntry
}

func newDocumentView() *DocumentView {
	return &DocumentView{
		existsIn:  make(map[string]bool),
		dataByKey: make(map[string][]precedenceEntry),
	}
}

// Fields returns the client-visible field image: the head of every
// precedence list.
func (v *DocumentView) Fields() store.Fields {
	out := make(store.Fields, len(v.dataByKey))
	for key, list := range v.dataByKey {
		out[key] = list[0].value
	}
	return out
}

// changeField records a (possibly new) value contributed by sub.
// Values are deep-cloned on insertion so callers cannot alias into the
// view. isAdd forces a collector entry for head contributions even when
// the value is unchanged.
func (v *DocumentView) changeField(sub, key string, value any, collector store.Fields, isAdd bool) {
	if key == "_id" {
		return
	}
	value = store.CloneValue(value)

	list, present := v.dataByKey[key]
	if !present {
		v.dataByKey[key] = []precedenceEntry{{sub: sub, value: value}}
		collector[key] = value
		return
	}
	for i := range list {
		if list[i].sub == sub {
			if i == 0 && (isAdd || !store.ValueEqual(list[i].value, value)) {
				collector[key] = value
			}
			list[i].value = value
			return
		}
	}
	// A non-head contribution: the client-visible value is unchanged.
	v.dataByKey[key] = append(list, precedenceEntry{sub: sub, value: value})
}

// clearField drops sub's contribution to key. When the last
// contribution goes, the collector records the field as Undefined
// (cleared); when the head changes, it records the new head value.
func (v *DocumentView) clearField(sub, key string, collector store.Fields) {
	if key == "_id" {
		return
	}
	list, present := v.dataByKey[key]
	if !present {
		return
	}
	idx := -1
	for i := range list {
		if list[i].sub == sub {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	removed := list[idx]
	list = append(list[:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(v.dataByKey, key)
		collector[key] = store.Undefined
		return
	}
	v.dataByKey[key] = list
	if idx == 0 && !store.ValueEqual(removed.value, list[0].value) {
		collector[key] = list[0].value
	}
}

// CollectionView merges the contributions of all subscriptions for one
// collection within one session.
type CollectionView struct {
	collection string
	callbacks  Callbacks
	documents  map[string]*DocumentView
}

// NewCollectionView creates an empty view emitting deltas to callbacks.
func NewCollectionView(collection string, callbacks Callbacks) *CollectionView {
	return &CollectionView{
		collection: collection,
		callbacks:  callbacks,
		documents:  make(map[string]*DocumentView),
	}
}

// IsEmpty reports whether the view tracks no documents.
func (c *CollectionView) IsEmpty() bool { return len(c.documents) == 0 }

// Documents exposes the tracked views by id, for the snapshot diff.
func (c *CollectionView) Documents() map[string]*DocumentView { return c.documents }

// Added records that sub reports (id, fields). A first contribution
// emits added; overlapping contributions emit changed with only the
// client-visible differences.
func (c *CollectionView) Added(sub, id string, fields store.Fields) {
	view, exists := c.documents[id]
	if !exists {
		view = newDocumentView()
		c.documents[id] = view
	}
	view.existsIn[sub] = true

	collector := store.Fields{}
	for key, value := range fields {
		view.changeField(sub, key, value, collector, true)
	}
	if !exists {
		c.callbacks.Added(c.collection, id, collector)
	} else {
		c.callbacks.Changed(c.collection, id, collector)
	}
}

// Changed applies a field patch from sub. Undefined values clear the
// field contribution.
func (c *CollectionView) Changed(sub, id string, fields store.Fields) {
	view, exists := c.documents[id]
	if !exists {
		panic(fmt.Sprintf("mergebox: changed nonexistent document %s/%s", c.collection, id))
	}
	collector := store.Fields{}
	for key, value := range fields {
		if store.IsUndefined(value) {
			view.clearField(sub, key, collector)
		} else {
			view.changeField(sub, key, value, collector, false)
		}
	}
	c.callbacks.Changed(c.collection, id, collector)
}

// Removed drops sub's report of id. The last subscription out emits
// removed and destroys the document view; otherwise the view emits a
// changed reflecting any head handovers.
func (c *CollectionView) Removed(sub, id string) {
	view, exists := c.documents[id]
	if !exists {
		panic(fmt.Sprintf("mergebox: removed nonexistent document %s/%s", c.collection, id))
	}
	delete(view.existsIn, sub)
	if len(view.existsIn) == 0 {
		c.callbacks.Removed(c.collection, id)
		delete(c.documents, id)
		return
	}
	collector := store.Fields{}
	for key := range view.dataByKey {
		view.clearField(sub, key, collector)
	}
	c.callbacks.Changed(c.collection, id, collector)
}
