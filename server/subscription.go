package server

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"livedata/core"
	"livedata/livequery"
	"livedata/store"
	"livedata/wire"
)

// PublishHandler produces the data set of one publication. It may
// return a PublishableCursor, a slice of cursors over distinct
// collections, or nil after driving the subscription through the
// low-level Added/Changed/Removed/Ready API itself.
type PublishHandler func(sub *Subscription, params []any) (any, error)

// Subscription is one client subscription within a session: either a
// named subscription with a client-chosen id, or a universal one
// started automatically on connect.
type Subscription struct {
	session *Session
	id      string // client sub id; "" for universal subscriptions
	name    string
	handler PublishHandler
	params  []any

	// handle identifies this subscription instance inside the merge
	// box. Recreated subscriptions get a fresh handle.
	handle   string
	strategy PublicationStrategy

	deactivated atomic.Bool

	// ready and documents are guarded by the session's state mutex.
	ready     bool
	documents map[string]map[string]bool

	stopMu        sync.Mutex
	stopCallbacks []func()
}

func newSubscription(session *Session, id, name string, handler PublishHandler, params []any, strategy PublicationStrategy) *Subscription {
	prefix := "N"
	if id == "" {
		prefix = "U"
	}
	return &Subscription{
		session:   session,
		id:        id,
		name:      name,
		handler:   handler,
		params:    params,
		handle:    prefix + uuid.NewString(),
		strategy:  strategy,
		documents: make(map[string]map[string]bool),
	}
}

// UserID returns the session's authenticated user id, or "".
func (sub *Subscription) UserID() string { return sub.session.UserID() }

// SessionID returns the owning session's id.
func (sub *Subscription) SessionID() string { return sub.session.id }

// recreate builds a fresh instance with the same identity but a new
// merge-box handle and empty state, for the post-setUserID rerun.
func (sub *Subscription) recreate() *Subscription {
	return newSubscription(sub.session, sub.id, sub.name, sub.handler, sub.params, sub.strategy)
}

// runHandler invokes the publish handler and interprets its result.
// Runs on the session's inbox worker; blocks until every returned
// cursor has delivered its initial documents.
func (sub *Subscription) runHandler() {
	result, err := sub.invokeHandler()
	if err != nil {
		sub.Error(err)
		return
	}
	cursors, err := interpretPublishResult(result)
	if err != nil {
		sub.Error(err)
		return
	}
	if cursors == nil {
		// The handler drives the subscription itself.
		return
	}
	for _, cursor := range cursors {
		if err := cursor.Publish(sub); err != nil {
			sub.Error(err)
			return
		}
	}
	sub.Ready()
}

func (sub *Subscription) invokeHandler() (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			core.Error("Publish handler panicked",
				zap.String("publication", sub.name),
				zap.Any("panic", r))
			err = fmt.Errorf("publish %s: %v", sub.name, r)
		}
	}()
	return sub.handler(sub, sub.params)
}

// interpretPublishResult normalizes a handler's return value into a
// cursor list. nil result means the handler manages the subscription
// itself; a slice must hold cursors over pairwise distinct collections.
func interpretPublishResult(result any) ([]PublishableCursor, error) {
	switch value := result.(type) {
	case nil:
		return nil, nil
	case PublishableCursor:
		return []PublishableCursor{value}, nil
	case []PublishableCursor:
		return checkDistinctCollections(value)
	case []*Cursor:
		cursors := make([]PublishableCursor, len(value))
		for i, c := range value {
			cursors[i] = c
		}
		return checkDistinctCollections(cursors)
	case []any:
		cursors := make([]PublishableCursor, 0, len(value))
		for _, item := range value {
			cursor, ok := item.(PublishableCursor)
			if !ok {
				return nil, wire.NewError(500, "Publish function can only return a Cursor or an array of Cursors")
			}
			cursors = append(cursors, cursor)
		}
		return checkDistinctCollections(cursors)
	default:
		return nil, wire.NewError(500, "Publish function can only return a Cursor or an array of Cursors")
	}
}

func checkDistinctCollections(cursors []PublishableCursor) ([]PublishableCursor, error) {
	seen := make(map[string]bool, len(cursors))
	for _, c := range cursors {
		name := c.CollectionName()
		if seen[name] {
			return nil, wire.NewError(500,
				fmt.Sprintf("Publish function returned multiple cursors for collection %s", name))
		}
		seen[name] = true
	}
	return cursors, nil
}

// initialAdds delivers one cursor's current snapshot. For version-1a
// sessions the resulting added frames are batched into a single init
// message per collection.
func (sub *Subscription) initialAdds(collection string, docs []store.Document) {
	s := sub.session
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if sub.deactivated.Load() {
		return
	}
	if s.version == wire.Version1A {
		s.beginAddBatch()
		defer s.endAddBatch()
	}
	for _, doc := range docs {
		id, ok := store.DocumentID(doc)
		if !ok {
			continue
		}
		sub.addedLocked(collection, id, livequery.StripID(doc))
	}
}

// Added records that this subscription publishes (collection, id) with
// the given fields. Safe to call from observer callbacks and from
// handler-driven publications.
func (sub *Subscription) Added(collection, id string, fields store.Fields) {
	s := sub.session
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if sub.deactivated.Load() {
		return
	}
	sub.addedLocked(collection, id, fields)
}

func (sub *Subscription) addedLocked(collection, id string, fields store.Fields) {
	s := sub.session
	if sub.strategy.DoAccountingForCollection {
		ids := sub.documents[collection]
		if ids == nil {
			ids = make(map[string]bool)
			sub.documents[collection] = ids
		}
		ids[id] = true
	}
	if sub.strategy.UseCollectionView {
		s.viewFor(collection).Added(sub.handle, id, fields)
	} else {
		s.sendAddedLocked(collection, id, fields)
	}
}

// Changed applies a field patch. Undefined values clear fields.
func (sub *Subscription) Changed(collection, id string, fields store.Fields) {
	s := sub.session
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if sub.deactivated.Load() {
		return
	}
	if sub.strategy.UseCollectionView {
		s.viewFor(collection).Changed(sub.handle, id, fields)
	} else {
		s.sendChangedLocked(collection, id, fields)
	}
}

// Removed withdraws (collection, id) from this subscription.
func (sub *Subscription) Removed(collection, id string) {
	s := sub.session
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if sub.deactivated.Load() {
		return
	}
	sub.removedLocked(collection, id)
}

func (sub *Subscription) removedLocked(collection, id string) {
	s := sub.session
	if sub.strategy.DoAccountingForCollection {
		if ids := sub.documents[collection]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(sub.documents, collection)
			}
		}
	}
	if sub.strategy.UseCollectionView {
		s.viewRemoved(sub.handle, collection, id)
	} else {
		s.sendRemovedLocked(collection, id)
	}
}

// Ready marks the subscription's initial data set complete. Named
// subscriptions emit a ready message; universal subscriptions have no
// id to acknowledge. Idempotent.
func (sub *Subscription) Ready() {
	s := sub.session
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if sub.deactivated.Load() || sub.ready {
		return
	}
	sub.ready = true
	if sub.id != "" {
		s.sendReadyLocked([]string{sub.id})
	}
}

// Error terminates the subscription with an error. Named subscriptions
// reply nosub carrying the sanitized error; universal failures are only
// logged.
func (sub *Subscription) Error(err error) {
	if sub.deactivated.Load() {
		return
	}
	sub.session.stopSubscription(sub, err)
}

// Stop terminates the subscription from the server side, replying
// nosub without an error.
func (sub *Subscription) Stop() {
	if sub.deactivated.Load() {
		return
	}
	sub.session.stopSubscription(sub, nil)
}

// OnStop registers a callback for subscription teardown. Registering on
// an already-stopped subscription runs the callback immediately.
func (sub *Subscription) OnStop(cb func()) {
	sub.stopMu.Lock()
	if sub.deactivated.Load() {
		sub.stopMu.Unlock()
		cb()
		return
	}
	sub.stopCallbacks = append(sub.stopCallbacks, cb)
	sub.stopMu.Unlock()
}

// deactivate stops the subscription's observers and blocks further
// merge-box updates. Idempotent.
func (sub *Subscription) deactivate() {
	if !sub.deactivated.CompareAndSwap(false, true) {
		return
	}
	sub.stopMu.Lock()
	callbacks := sub.stopCallbacks
	sub.stopCallbacks = nil
	sub.stopMu.Unlock()
	for _, cb := range callbacks {
		runStopCallback(sub.name, cb)
	}
	sub.session.server.metrics.subStopped()
}

func runStopCallback(name string, cb func()) {
	defer func() {
		if r := recover(); r != nil {
			core.Error("Subscription stop callback panicked",
				zap.String("publication", name),
				zap.Any("panic", r))
		}
	}()
	cb()
}

// removeAllDocuments withdraws every document this subscription
// contributed. Runs after deactivation, so it bypasses the deactivation
// guard and works on the session views directly.
func (sub *Subscription) removeAllDocuments() {
	s := sub.session
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.version == wire.Version1A {
		// The 1a client already dropped the documents owned solely by
		// this subscription; field handovers on shared documents still
		// flow.
		s.muteRemoved = true
		defer func() { s.muteRemoved = false }()
	}
	for collection, ids := range sub.documents {
		for id := range ids {
			if sub.strategy.UseCollectionView {
				s.viewRemoved(sub.handle, collection, id)
			} else {
				s.sendRemovedLocked(collection, id)
			}
		}
	}
	sub.documents = make(map[string]map[string]bool)
}
