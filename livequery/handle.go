package livequery

import (
	"sync"
	"sync/atomic"

	"livedata/store"
)

var nextHandleID atomic.Int64

// ObserveCallbacks is the callback set of one observe handle. Ordered
// observers receive AddedBefore/MovedBefore; unordered observers
// receive Added. Nil callbacks are skipped.
//
// When InitialAdds is set it receives the whole current snapshot in one
// call instead of a burst of per-document adds.
type ObserveCallbacks struct {
	Added       func(id string, fields store.Fields)
	AddedBefore func(id string, fields store.Fields, before string)
	Changed     func(id string, fields store.Fields)
	MovedBefore func(id string, before string)
	Removed     func(id string)
	InitialAdds func(docs []store.Document)
}

// ObserveHandle is one subscriber's attachment to a multiplexer. The
// holder is responsible for calling Stop exactly once when done; Stop
// is nevertheless idempotent.
type ObserveHandle struct {
	id  int64
	mux *Multiplexer

	callbacks ObserveCallbacks
	// nonMutating permits aliased-argument delivery: the handle
	// promises not to mutate callback arguments, and in return shares
	// them with the cache and its peer handles without a deep copy.
	nonMutating bool

	stopped atomic.Bool
	// initialSent flips once the initial-add burst has been delivered;
	// regular fan-out skips handles still awaiting it. Guarded by the
	// multiplexer's mutex.
	initialSent bool
	addDone     chan struct{}
	addDoneOnce sync.Once
}

func newObserveHandle(mux *Multiplexer, callbacks ObserveCallbacks, nonMutating bool) *ObserveHandle {
	return &ObserveHandle{
		id:          nextHandleID.Add(1),
		mux:         mux,
		callbacks:   callbacks,
		nonMutating: nonMutating,
		addDone:     make(chan struct{}),
	}
}

// ID returns the handle's unique monotone id.
func (h *ObserveHandle) ID() int64 { return h.id }

// Stop detaches the handle. No further callbacks will be delivered.
// Stopping the last handle of a multiplexer stops the multiplexer and
// its driver.
func (h *ObserveHandle) Stop() {
	if h.stopped.CompareAndSwap(false, true) {
		h.mux.removeHandle(h.id)
	}
}

func (h *ObserveHandle) markAdded() {
	h.addDoneOnce.Do(func() { close(h.addDone) })
}
