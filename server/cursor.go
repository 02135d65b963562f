package server

import (
	"livedata/livequery"
	"livedata/store"
)

// PublishableCursor is anything a publish handler may return: it names
// a collection and can stream itself into a subscription. Cursor is the
// built-in implementation over the live-query registry.
type PublishableCursor interface {
	CollectionName() string
	Publish(sub *Subscription) error
}

// Cursor describes a live query over one collection. Returning it (or
// a slice of them) from a publish handler streams the matching
// documents and their subsequent changes to the subscriber.
type Cursor struct {
	Collection string
	Selector   any
	Options    livequery.CursorOptions
}

// NewCursor builds a cursor. A nil selector matches nothing, per the
// selector rewrite rules.
func NewCursor(collection string, selector any, options livequery.CursorOptions) *Cursor {
	return &Cursor{Collection: collection, Selector: selector, Options: options}
}

func (c *Cursor) CollectionName() string { return c.Collection }

// Publish attaches an unordered observer for this cursor and routes its
// deltas into the subscription. The observer stops with the
// subscription.
func (c *Cursor) Publish(sub *Subscription) error {
	desc, err := livequery.NewCursorDescription(c.Collection, c.Selector, c.Options)
	if err != nil {
		return err
	}
	collection := c.Collection
	callbacks := livequery.ObserveCallbacks{
		InitialAdds: func(docs []store.Document) {
			sub.initialAdds(collection, docs)
		},
		Added: func(id string, fields store.Fields) {
			sub.Added(collection, id, fields)
		},
		Changed: func(id string, fields store.Fields) {
			sub.Changed(collection, id, fields)
		},
		Removed: func(id string) {
			sub.Removed(collection, id)
		},
	}
	handle, err := sub.session.server.registry.ObserveChanges(desc, false, callbacks, false)
	if err != nil {
		return err
	}
	sub.OnStop(handle.Stop)
	return nil
}
