package livequery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"livedata/core"
	"livedata/store"
)

// PollingDriver drives one multiplexer by re-executing its query on
// every invalidation signal (throttled) and on a periodic forced-poll
// timer, diffing each result set against the previous one and emitting
// the edits into the multiplexer.
//
// The driver integrates with write fences: when an invalidation arrives
// in a context carrying a fence, the driver begins a write on it and
// commits only after the poll cycle that observed the change has been
// fully fanned out (via the multiplexer's flush barrier).
type PollingDriver struct {
	desc    CursorDescription
	ordered bool
	mux     *Multiplexer
	store   store.Store
	bar     *Crossbar
	logger  *zap.Logger

	throttleWindow time.Duration
	pollInterval   time.Duration
	// testPollHook, when set, runs at the start of every poll cycle.
	testPollHook func()

	mu            sync.Mutex
	stopped       bool
	pendingWrites []*FenceWrite
	// pollsScheduled counts scheduled-but-not-started polls; it never
	// exceeds 2 (one unthrottled startup poll plus one ensured poll).
	pollsScheduled int
	polledOnce     bool

	// previous results, touched only inside poll cycles (which run on
	// the multiplexer's task queue, one at a time).
	previousOrdered   []store.Document
	previousUnordered map[string]store.Document

	throttle     *throttle
	listenHandle *ListenHandle
	stopDone     chan struct{}
	stopOnce     sync.Once
}

func newPollingDriver(desc CursorDescription, ordered bool, mux *Multiplexer, st store.Store, bar *Crossbar, throttleDefault, intervalDefault time.Duration, testPollHook func()) *PollingDriver {
	d := &PollingDriver{
		desc:           desc,
		ordered:        ordered,
		mux:            mux,
		store:          st,
		bar:            bar,
		logger:         core.With(zap.String("collection", desc.Collection)),
		throttleWindow: desc.pollingThrottle(throttleDefault),
		pollInterval:   desc.pollingInterval(intervalDefault),
		testPollHook:   testPollHook,
		stopDone:       make(chan struct{}),
	}
	d.throttle = newThrottle(d.throttleWindow, func() {
		d.mux.Queue().QueueTask(d.pollCycle)
	})
	return d
}

// Start registers the crossbar listener, starts the forced-poll timer
// and schedules the first (unthrottled) poll.
func (d *PollingDriver) Start() {
	d.listenHandle = d.bar.Listen(Notification{"collection": d.desc.Collection}, d.invalidated)

	go func() {
		ticker := time.NewTicker(d.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopDone:
				return
			case <-ticker.C:
				d.ensurePollScheduled()
			}
		}
	}()

	d.mu.Lock()
	d.pollsScheduled++
	d.mu.Unlock()
	d.mux.Queue().QueueTask(d.pollCycle)
}

// Stop cancels the timer and crossbar listener and commits every
// captured pending write so no fence blocks forever. Racing poll
// results are abandoned.
func (d *PollingDriver) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		writes := d.pendingWrites
		d.pendingWrites = nil
		d.mu.Unlock()

		d.throttle.Stop()
		if d.listenHandle != nil {
			d.listenHandle.Stop()
		}
		close(d.stopDone)
		for _, w := range writes {
			w.Committed()
		}
	})
}

// invalidated is the crossbar listener: capture the caller's fence (if
// any) and make sure a poll is coming.
func (d *PollingDriver) invalidated(ctx context.Context, n Notification) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if fence := FenceFromContext(ctx); fence != nil {
		d.pendingWrites = append(d.pendingWrites, fence.BeginWrite())
	}
	d.mu.Unlock()

	d.ensurePollScheduled()
}

func (d *PollingDriver) ensurePollScheduled() {
	d.mu.Lock()
	if d.stopped || d.pollsScheduled > 0 {
		d.mu.Unlock()
		return
	}
	d.pollsScheduled++
	d.mu.Unlock()
	d.throttle.Call()
}

// pollCycle runs on the multiplexer's task queue, strictly serialized
// with cache updates and fan-outs.
func (d *PollingDriver) pollCycle() {
	if d.testPollHook != nil {
		d.testPollHook()
	}

	d.mu.Lock()
	d.pollsScheduled--
	if d.stopped {
		d.mu.Unlock()
		return
	}
	writes := d.pendingWrites
	d.pendingWrites = nil
	first := !d.polledOnce
	d.mu.Unlock()

	results, err := d.store.Find(context.Background(), d.desc.Collection, d.desc.Selector, d.desc.FindOptions())
	if err != nil {
		// Writes captured for this cycle go back on the pile: either
		// the retry observes them, or Stop commits them.
		d.mu.Lock()
		d.pendingWrites = append(writes, d.pendingWrites...)
		d.mu.Unlock()

		if first && store.IsPermanent(err) {
			d.logger.Error("Query failed permanently on first poll", zap.Error(err))
			d.mux.QueryError(err)
			return
		}
		d.logger.Warn("Poll failed, will retry", zap.Error(err))
		return
	}

	if d.ordered {
		DiffOrderedResults(d.previousOrdered, results, OrderedDiffCallbacks{
			AddedBefore: func(id string, doc store.Document, before string) {
				d.mux.AddedBefore(id, StripID(doc), before)
			},
			MovedBefore: d.mux.MovedBefore,
			Removed:     d.mux.Removed,
			Changed:     d.mux.Changed,
		})
		d.previousOrdered = results
	} else {
		newResults := make(map[string]store.Document, len(results))
		for _, doc := range results {
			if id, ok := store.DocumentID(doc); ok {
				newResults[id] = doc
			}
		}
		DiffUnorderedResults(d.previousUnordered, newResults, UnorderedDiffCallbacks{
			Added: func(id string, doc store.Document) {
				d.mux.Added(id, StripID(doc))
			},
			Removed: d.mux.Removed,
			Changed: d.mux.Changed,
		})
		d.previousUnordered = newResults
	}

	if first {
		d.mu.Lock()
		d.polledOnce = true
		d.mu.Unlock()
		d.mux.Ready()
	}

	// Fence commits happen only after every event of this cycle has
	// reached every handle.
	if len(writes) > 0 {
		d.mux.OnFlush(func() {
			for _, w := range writes {
				w.Committed()
			}
		})
	}
}
