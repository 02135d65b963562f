package livequery

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"livedata/core"
	"livedata/store"
)

// change kinds applied through the multiplexer.
const (
	changeAdded       = "added"
	changeAddedBefore = "addedBefore"
	changeChanged     = "changed"
	changeMovedBefore = "movedBefore"
	changeRemoved     = "removed"
)

type change struct {
	kind   string
	id     string
	fields store.Fields
	before string
}

func (ch change) isAdd() bool {
	return ch.kind == changeAdded || ch.kind == changeAddedBefore
}

// Multiplexer deduplicates multiple subscribers to an identical query:
// one observe driver feeds it, and it fans events out to any number of
// observe handles with a consistent view.
//
// All cache mutation and fan-out happens inside the multiplexer's task
// queue, so driver callbacks are serialized (single-writer invariant).
// Each change is applied to the authoritative cache strictly before it
// is fanned out. Before the readiness barrier only adds are legal;
// anything else panics, as it indicates a driver bug.
type Multiplexer struct {
	ordered bool
	onStop  func()

	queue *TaskQueue
	cache *observeCache

	mu          sync.Mutex
	handles     map[int64]*ObserveHandle
	pendingAdds int
	stopped     bool

	// readySignaled and queryErr are written inside queue tasks;
	// readyDone is closed (once) when the readiness barrier resolves,
	// successfully or not.
	readySignaled bool
	queryErr      error
	readyDone     chan struct{}
	readyOnce     sync.Once

	stopOnce sync.Once
}

// NewMultiplexer creates a multiplexer. onStop runs exactly once, the
// first time the handle set becomes empty with no handle-add in flight
// (or on query error); it is expected to stop the driver and remove the
// multiplexer from its registry.
func NewMultiplexer(ordered bool, onStop func()) *Multiplexer {
	return &Multiplexer{
		ordered:   ordered,
		onStop:    onStop,
		queue:     NewTaskQueue(),
		cache:     newObserveCache(ordered),
		handles:   make(map[int64]*ObserveHandle),
		readyDone: make(chan struct{}),
	}
}

// Ordered reports whether this multiplexer carries an ordered query.
func (m *Multiplexer) Ordered() bool { return m.ordered }

// NewHandle creates a handle bound to this multiplexer. The handle
// receives nothing until passed to AddHandleAndSendInitialAdds.
func (m *Multiplexer) NewHandle(callbacks ObserveCallbacks, nonMutating bool) *ObserveHandle {
	return newObserveHandle(m, callbacks, nonMutating)
}

// AddHandleAndSendInitialAdds attaches a handle and blocks until the
// multiplexer is ready and the handle has received its initial adds.
// Returns the driver's query error when the query failed permanently
// before becoming ready.
func (m *Multiplexer) AddHandleAndSendInitialAdds(h *ObserveHandle) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrObserverStopped
	}
	m.pendingAdds++
	m.mu.Unlock()

	defer m.finishPendingAdd()

	m.queue.QueueTask(func() {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}
		m.handles[h.id] = h
		ready := m.readySignaled
		m.mu.Unlock()
		if ready {
			m.sendInitialAdds(h)
		}
	})

	<-m.readyDone
	if m.queryErr != nil {
		m.mu.Lock()
		delete(m.handles, h.id)
		m.mu.Unlock()
		h.stopped.Store(true)
		return m.queryErr
	}

	<-h.addDone
	return nil
}

// Ready resolves the readiness barrier. It is a queued task: every add
// already applied is delivered (as initial adds) to waiting handles
// before any later event. Calling Ready twice is a programming error.
func (m *Multiplexer) Ready() {
	m.queue.QueueTask(func() {
		if m.readySignaled {
			panic("multiplexer: ready signaled twice")
		}
		m.readySignaled = true

		for _, h := range m.handleSnapshot() {
			m.mu.Lock()
			sent := h.initialSent
			m.mu.Unlock()
			if !sent {
				m.sendInitialAdds(h)
			}
		}
		m.readyOnce.Do(func() { close(m.readyDone) })
	})
}

// QueryError reports a permanent query failure. Legal only before
// ready: it stops the multiplexer and rejects all pending handle adds
// with err. After ready it is a programming error.
func (m *Multiplexer) QueryError(err error) {
	m.queue.QueueTask(func() {
		if m.readySignaled {
			panic(fmt.Sprintf("multiplexer: queryError after ready: %v", err))
		}
		m.queryErr = err
		m.readyOnce.Do(func() { close(m.readyDone) })

		m.mu.Lock()
		m.stopped = true
		handles := m.handles
		m.handles = make(map[int64]*ObserveHandle)
		m.mu.Unlock()
		for _, h := range handles {
			h.stopped.Store(true)
			h.markAdded()
		}
		m.stop()
	})
}

// OnFlush enqueues cb behind everything already enqueued: by the time
// cb runs, every earlier event has been applied to the cache and fanned
// out to every handle.
func (m *Multiplexer) OnFlush(cb func()) {
	m.queue.QueueTask(cb)
}

// Queue exposes the multiplexer's task queue; the polling driver runs
// its poll cycles on it.
func (m *Multiplexer) Queue() *TaskQueue { return m.queue }

// HandleCount reports the number of attached handles.
func (m *Multiplexer) HandleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Added applies an unordered add.
func (m *Multiplexer) Added(id string, fields store.Fields) {
	m.applyChange(change{kind: changeAdded, id: id, fields: fields})
}

// AddedBefore applies an ordered insert; before "" appends.
func (m *Multiplexer) AddedBefore(id string, fields store.Fields, before string) {
	m.applyChange(change{kind: changeAddedBefore, id: id, fields: fields, before: before})
}

// Changed applies a field patch.
func (m *Multiplexer) Changed(id string, fields store.Fields) {
	m.applyChange(change{kind: changeChanged, id: id, fields: fields})
}

// MovedBefore reorders a document; before "" moves to the end.
func (m *Multiplexer) MovedBefore(id string, before string) {
	m.applyChange(change{kind: changeMovedBefore, id: id, before: before})
}

// Removed removes a document.
func (m *Multiplexer) Removed(id string) {
	m.applyChange(change{kind: changeRemoved, id: id})
}

func (m *Multiplexer) applyChange(ch change) {
	m.queue.QueueTask(func() {
		m.mu.Lock()
		stopped := m.stopped
		m.mu.Unlock()
		if stopped {
			// A driver callback racing with stop becomes a no-op.
			return
		}
		if !m.readySignaled && !ch.isAdd() {
			panic(fmt.Sprintf("multiplexer: got %s during initial adds", ch.kind))
		}

		// Cache strictly before fan-out.
		switch ch.kind {
		case changeAdded:
			m.cache.added(ch.id, ch.fields)
		case changeAddedBefore:
			m.cache.addedBefore(ch.id, ch.fields, ch.before)
		case changeChanged:
			m.cache.changed(ch.id, ch.fields)
		case changeMovedBefore:
			m.cache.movedBefore(ch.id, ch.before)
		case changeRemoved:
			m.cache.removed(ch.id)
		}

		for _, h := range m.handleSnapshot() {
			m.mu.Lock()
			deliverable := h.initialSent
			m.mu.Unlock()
			if !deliverable || h.stopped.Load() {
				continue
			}
			m.deliver(h, ch)
		}
	})
}

func (m *Multiplexer) deliver(h *ObserveHandle, ch change) {
	defer func() {
		if r := recover(); r != nil {
			core.Error("Observe callback panicked",
				zap.Int64("handle_id", h.id),
				zap.String("kind", ch.kind),
				zap.Any("panic", r))
		}
	}()

	fields := ch.fields
	if fields != nil && !h.nonMutating {
		fields = store.CloneFields(fields)
	}
	switch ch.kind {
	case changeAdded:
		if h.callbacks.Added != nil {
			h.callbacks.Added(ch.id, fields)
		}
	case changeAddedBefore:
		if h.callbacks.AddedBefore != nil {
			h.callbacks.AddedBefore(ch.id, fields, ch.before)
		}
	case changeChanged:
		if h.callbacks.Changed != nil {
			h.callbacks.Changed(ch.id, fields)
		}
	case changeMovedBefore:
		if h.callbacks.MovedBefore != nil {
			h.callbacks.MovedBefore(ch.id, ch.before)
		}
	case changeRemoved:
		if h.callbacks.Removed != nil {
			h.callbacks.Removed(ch.id)
		}
	}
}

// sendInitialAdds delivers the current cache contents to one handle.
// Runs inside a queue task.
func (m *Multiplexer) sendInitialAdds(h *ObserveHandle) {
	docs := m.cache.snapshot()
	func() {
		defer func() {
			if r := recover(); r != nil {
				core.Error("Initial adds callback panicked",
					zap.Int64("handle_id", h.id),
					zap.Any("panic", r))
			}
		}()
		if h.callbacks.InitialAdds != nil {
			burst := docs
			if !h.nonMutating {
				burst = make([]store.Document, len(docs))
				for i, doc := range docs {
					burst[i] = store.CloneDocument(doc)
				}
			}
			h.callbacks.InitialAdds(burst)
		} else {
			for _, doc := range docs {
				id, _ := store.DocumentID(doc)
				fields := StripID(doc)
				if !h.nonMutating {
					fields = store.CloneFields(fields)
				}
				if m.ordered {
					if h.callbacks.AddedBefore != nil {
						h.callbacks.AddedBefore(id, fields, "")
					}
				} else if h.callbacks.Added != nil {
					h.callbacks.Added(id, fields)
				}
			}
		}
	}()

	m.mu.Lock()
	h.initialSent = true
	m.mu.Unlock()
	h.markAdded()
}

// removeHandle detaches a handle synchronously. When the last handle
// goes and no add is in flight, the multiplexer stops.
func (m *Multiplexer) removeHandle(id int64) {
	m.mu.Lock()
	h := m.handles[id]
	delete(m.handles, id)
	shouldStop := !m.stopped && len(m.handles) == 0 && m.pendingAdds == 0
	if shouldStop {
		m.stopped = true
	}
	m.mu.Unlock()

	if h != nil {
		h.stopped.Store(true)
		h.markAdded()
	}
	if shouldStop {
		m.stop()
	}
}

func (m *Multiplexer) finishPendingAdd() {
	m.mu.Lock()
	m.pendingAdds--
	shouldStop := !m.stopped && len(m.handles) == 0 && m.pendingAdds == 0
	if shouldStop {
		m.stopped = true
	}
	m.mu.Unlock()
	if shouldStop {
		m.stop()
	}
}

func (m *Multiplexer) stop() {
	m.stopOnce.Do(func() {
		// Unblock any waiter still parked on the readiness barrier.
		m.readyOnce.Do(func() {
			if m.queryErr == nil {
				m.queryErr = ErrObserverStopped
			}
			close(m.readyDone)
		})
		if m.onStop != nil {
			m.onStop()
		}
	})
}

func (m *Multiplexer) handleSnapshot() []*ObserveHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ObserveHandle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	return out
}
