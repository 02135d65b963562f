package livequery

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"livedata/core"
	"livedata/store"
)

// RegistryOptions configure a Registry.
type RegistryOptions struct {
	// PollingThrottle and PollingInterval are process-wide defaults
	// for cursors that do not set their own.
	PollingThrottle time.Duration
	PollingInterval time.Duration

	// Oplog, when present, makes the oplog driver a candidate for
	// supported query shapes.
	Oplog store.OplogTailer

	// TestPollHook runs at the start of every poll cycle. Setting it
	// forces the polling driver.
	TestPollHook func()
}

// Registry is the live-connection observer registry: it deduplicates
// observers over equivalent cursor descriptions, so any number of
// subscribers to the same query share one driver and one store poll.
type Registry struct {
	store store.Store
	bar   *Crossbar
	opts  RegistryOptions

	mu           sync.Mutex
	multiplexers map[string]*Multiplexer
}

// NewRegistry creates a registry over a store and a crossbar.
func NewRegistry(st store.Store, bar *Crossbar, opts RegistryOptions) *Registry {
	return &Registry{
		store:        st,
		bar:          bar,
		opts:         opts,
		multiplexers: make(map[string]*Multiplexer),
	}
}

// Crossbar returns the invalidation crossbar this registry observes.
func (r *Registry) Crossbar() *Crossbar { return r.bar }

// MultiplexerCount reports the number of live multiplexers.
func (r *Registry) MultiplexerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.multiplexers)
}

// ObserveChanges attaches callbacks to the query described by desc.
// Equivalent descriptions share a multiplexer and driver. The call
// blocks until the observer is ready and the handle has received its
// initial adds; the caller must Stop the returned handle.
func (r *Registry) ObserveChanges(desc CursorDescription, ordered bool, callbacks ObserveCallbacks, nonMutating bool) (*ObserveHandle, error) {
	if desc.Options.Tailable {
		return nil, fmt.Errorf("observeChanges: tailable cursors only support the added-only stream, not full observation")
	}

	key := desc.CanonicalKey(ordered)

	// A multiplexer can stop between lookup and handle attach (its
	// last handle dropped concurrently); retry with a fresh one.
	for attempt := 0; attempt < 3; attempt++ {
		mux := r.lookupOrCreate(key, desc, ordered)
		h := mux.NewHandle(callbacks, nonMutating)
		err := mux.AddHandleAndSendInitialAdds(h)
		if err == ErrObserverStopped {
			continue
		}
		if err != nil {
			return nil, err
		}
		return h, nil
	}
	return nil, ErrObserverStopped
}

func (r *Registry) lookupOrCreate(key string, desc CursorDescription, ordered bool) *Multiplexer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mux, ok := r.multiplexers[key]; ok {
		return mux
	}

	var driver *PollingDriver
	var mux *Multiplexer
	mux = NewMultiplexer(ordered, func() {
		r.mu.Lock()
		if r.multiplexers[key] == mux {
			delete(r.multiplexers, key)
		}
		r.mu.Unlock()
		driver.Stop()
	})

	if r.oplogEligible(desc, ordered) {
		// The oplog driver is not part of this engine; queries that
		// would qualify fall back to polling.
		core.Debug("Oplog-eligible query observed via polling driver",
			zap.String("collection", desc.Collection))
	}
	driver = newPollingDriver(desc, ordered, mux, r.store, r.bar,
		r.opts.PollingThrottle, r.opts.PollingInterval, r.opts.TestPollHook)

	r.multiplexers[key] = mux
	driver.Start()
	return mux
}

// oplogEligible applies the driver-choice prerequisites: an oplog
// handle, an unordered query, oplog not disabled, no test poll hook,
// and a selector the in-process matcher can evaluate.
func (r *Registry) oplogEligible(desc CursorDescription, ordered bool) bool {
	if r.opts.Oplog == nil || ordered || desc.Options.DisableOplog || r.opts.TestPollHook != nil {
		return false
	}
	if _, err := store.CompileMatcher(desc.Selector); err != nil {
		return false
	}
	return true
}

// Shutdown stops every live multiplexer. Used by the server's close
// path; individual observers normally stop through their handles.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	muxes := make([]*Multiplexer, 0, len(r.multiplexers))
	for _, mux := range r.multiplexers {
		muxes = append(muxes, mux)
	}
	r.multiplexers = make(map[string]*Multiplexer)
	r.mu.Unlock()

	for _, mux := range muxes {
		mux.mu.Lock()
		mux.stopped = true
		handles := mux.handles
		mux.handles = make(map[int64]*ObserveHandle)
		mux.mu.Unlock()
		for _, h := range handles {
			h.stopped.Store(true)
			h.markAdded()
		}
		mux.stop()
	}
}
