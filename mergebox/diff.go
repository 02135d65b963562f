package mergebox

import (
	"livedata/store"
)

// DiffViews emits the deltas that carry a client from the old set of
// collection views to the new one: added for documents only in new,
// removed for documents only in old, and a per-field changed for
// documents in both whose client-visible fields differ. Used by the
// user-id rebind, which rebuilds every view and replays the difference.
func DiffViews(old, new map[string]*CollectionView, callbacks Callbacks) {
	for collection, oldView := range old {
		newView := new[collection]
		for id := range oldView.Documents() {
			if newView == nil || newView.Documents()[id] == nil {
				callbacks.Removed(collection, id)
				continue
			}
		}
	}
	for collection, newView := range new {
		oldView := old[collection]
		for id, newDoc := range newView.Documents() {
			var oldDoc *DocumentView
			if oldView != nil {
				oldDoc = oldView.Documents()[id]
			}
			if oldDoc == nil {
				callbacks.Added(collection, id, newDoc.Fields())
				continue
			}
			fields := diffFieldImages(oldDoc.Fields(), newDoc.Fields())
			if len(fields) > 0 {
				callbacks.Changed(collection, id, fields)
			}
		}
	}
}

func diffFieldImages(old, new store.Fields) store.Fields {
	fields := store.Fields{}
	for key, oldValue := range old {
		newValue, present := new[key]
		switch {
		case !present:
			fields[key] = store.Undefined
		case !store.ValueEqual(oldValue, newValue):
			fields[key] = newValue
		}
	}
	for key, newValue := range new {
		if _, present := old[key]; !present {
			fields[key] = newValue
		}
	}
	return fields
}
