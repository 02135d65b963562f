package livequery

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"livedata/core"
	"livedata/store"
)

// Notification is a write notification routed through the crossbar. It
// carries at least a "collection" key; single-document writes also
// carry an "id" key.
type Notification = store.Notification

// ListenerCallback receives matched notifications. The context is the
// writer's and may carry the write fence of the method that performed
// the write; listeners that schedule asynchronous work call BeginWrite
// on it before returning. The fire loop does not wait for listeners.
type ListenerCallback func(ctx context.Context, n Notification)

type crossbarListener struct {
	id      int64
	trigger Notification
	cb      ListenerCallback
}

// Crossbar routes per-collection change notifications from write sites
// to interested observe drivers. A notification matches a listener's
// trigger iff every key present in the trigger exists in the
// notification with a deeply equal value.
type Crossbar struct {
	mu     sync.Mutex
	nextID int64
	// listeners indexed by the trigger's collection; the "" bucket
	// holds triggers with no collection constraint.
	listeners map[string]map[int64]*crossbarListener
}

// ListenHandle stops one crossbar listener. Stop is idempotent and safe
// to call from inside a callback on the same crossbar.
type ListenHandle struct {
	bar        *Crossbar
	collection string
	id         int64
	once       sync.Once
}

// Stop removes the listener.
func (h *ListenHandle) Stop() {
	h.once.Do(func() {
		h.bar.mu.Lock()
		defer h.bar.mu.Unlock()
		bucket := h.bar.listeners[h.collection]
		delete(bucket, h.id)
		if len(bucket) == 0 {
			delete(h.bar.listeners, h.collection)
		}
	})
}

// NewCrossbar creates an empty crossbar.
func NewCrossbar() *Crossbar {
	return &Crossbar{listeners: make(map[string]map[int64]*crossbarListener)}
}

// Listen registers a callback for notifications matching trigger.
func (c *Crossbar) Listen(trigger Notification, cb ListenerCallback) *ListenHandle {
	collection, _ := trigger["collection"].(string)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	bucket := c.listeners[collection]
	if bucket == nil {
		bucket = make(map[int64]*crossbarListener)
		c.listeners[collection] = bucket
	}
	bucket[id] = &crossbarListener{id: id, trigger: trigger, cb: cb}
	return &ListenHandle{bar: c, collection: collection, id: id}
}

// Fire delivers a notification to every matching listener. Matching
// listener ids are snapshotted before dispatch, so listeners may listen
// or stop on this crossbar from inside their callbacks; a listener
// stopped during the iteration is skipped.
func (c *Crossbar) Fire(ctx context.Context, n Notification) {
	collection, _ := n["collection"].(string)

	c.mu.Lock()
	var matched []int64
	buckets := []string{collection}
	if collection != "" {
		buckets = append(buckets, "")
	}
	for _, bucket := range buckets {
		for id, l := range c.listeners[bucket] {
			if notificationMatches(l.trigger, n) {
				matched = append(matched, id)
			}
		}
	}
	c.mu.Unlock()

	for _, id := range matched {
		c.mu.Lock()
		var l *crossbarListener
		for _, bucket := range buckets {
			if found, ok := c.listeners[bucket][id]; ok {
				l = found
				break
			}
		}
		c.mu.Unlock()
		if l == nil {
			continue // stopped during dispatch
		}
		c.invoke(ctx, l, n)
	}
}

// ListenerCount reports the number of listeners registered for a
// collection. Used by tests and the server's shutdown path.
func (c *Crossbar) ListenerCount(collection string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners[collection])
}

func (c *Crossbar) invoke(ctx context.Context, l *crossbarListener, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			core.Error("Crossbar listener panicked",
				zap.Int64("listener_id", l.id),
				zap.Any("panic", r))
		}
	}()
	l.cb(ctx, n)
}

// notificationMatches implements the subset rule with a fast path for
// the common case of string document ids.
func notificationMatches(trigger, n Notification) bool {
	for key, want := range trigger {
		got, present := n[key]
		if !present {
			return false
		}
		if key == "id" {
			if ws, wok := want.(string); wok {
				if gs, gok := got.(string); gok {
					if ws != gs {
						return false
					}
					continue
				}
			}
		}
		if !store.ValueEqual(got, want) {
			return false
		}
	}
	return true
}
