package livequery

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"livedata/core"
	"livedata/store"
)

// captureLogs swaps the global logger for an in-memory observer so a
// test can assert on recovered panics logged by the task queue.
func captureLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	prev := core.Logger
	obsCore, logs := observer.New(zapcore.ErrorLevel)
	core.SetLogger(zap.New(obsCore))
	t.Cleanup(func() { core.SetLogger(prev) })
	return logs
}

type recordedEvent struct {
	kind   string
	id     string
	fields store.Fields
	before string
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) callbacks() ObserveCallbacks {
	return ObserveCallbacks{
		Added: func(id string, fields store.Fields) {
			r.record(recordedEvent{kind: "added", id: id, fields: fields})
		},
		AddedBefore: func(id string, fields store.Fields, before string) {
			r.record(recordedEvent{kind: "addedBefore", id: id, fields: fields, before: before})
		},
		Changed: func(id string, fields store.Fields) {
			r.record(recordedEvent{kind: "changed", id: id, fields: fields})
		},
		MovedBefore: func(id string, before string) {
			r.record(recordedEvent{kind: "movedBefore", id: id, before: before})
		},
		Removed: func(id string) {
			r.record(recordedEvent{kind: "removed", id: id})
		},
	}
}

func (r *eventRecorder) record(e recordedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) snapshot() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) kinds() []string {
	var out []string
	for _, e := range r.snapshot() {
		out = append(out, e.kind+":"+e.id)
	}
	return out
}

func attachHandle(t *testing.T, mux *Multiplexer, rec *eventRecorder) *ObserveHandle {
	t.Helper()
	h := mux.NewHandle(rec.callbacks(), false)
	errCh := make(chan error, 1)
	go func() { errCh <- mux.AddHandleAndSendInitialAdds(h) }()
	return waitAttach(t, h, errCh)
}

func waitAttach(t *testing.T, h *ObserveHandle, errCh chan error) *ObserveHandle {
	t.Helper()
	select {
	case err := <-errCh:
		require.NoError(t, err)
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("handle attach did not complete")
		return nil
	}
}

func TestMultiplexerInitialAddsBeforeReady(t *testing.T) {
	mux := NewMultiplexer(false, func() {})
	mux.Added("a", store.Fields{"v": 1})
	mux.Added("b", store.Fields{"v": 2})

	rec := &eventRecorder{}
	h := mux.NewHandle(rec.callbacks(), false)
	errCh := make(chan error, 1)
	go func() { errCh <- mux.AddHandleAndSendInitialAdds(h) }()

	mux.Ready()
	waitAttach(t, h, errCh)

	events := rec.snapshot()
	require.Len(t, events, 2)
	ids := map[string]bool{events[0].id: true, events[1].id: true}
	assert.True(t, ids["a"] && ids["b"])
	h.Stop()
}

func TestMultiplexerLateHandleGetsSnapshot(t *testing.T) {
	mux := NewMultiplexer(false, func() {})

	first := &eventRecorder{}
	h1 := mux.NewHandle(first.callbacks(), false)
	errCh := make(chan error, 1)
	go func() { errCh <- mux.AddHandleAndSendInitialAdds(h1) }()
	mux.Added("a", store.Fields{"v": 1})
	mux.Ready()
	waitAttach(t, h1, errCh)

	mux.Changed("a", store.Fields{"v": 2})
	mux.Added("b", store.Fields{"v": 3})

	late := &eventRecorder{}
	h2 := attachHandle(t, mux, late)

	// The late handle sees the current state as adds, with the change
	// already folded in.
	events := late.snapshot()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "added", e.kind)
		if e.id == "a" {
			assert.Equal(t, 2, e.fields["v"])
		}
	}
	h1.Stop()
	h2.Stop()
}

func TestMultiplexerFansOutToAllHandles(t *testing.T) {
	mux := NewMultiplexer(false, func() {})

	r1, r2 := &eventRecorder{}, &eventRecorder{}
	h1 := mux.NewHandle(r1.callbacks(), false)
	errCh := make(chan error, 1)
	go func() { errCh <- mux.AddHandleAndSendInitialAdds(h1) }()
	mux.Ready()
	waitAttach(t, h1, errCh)
	h2 := attachHandle(t, mux, r2)

	mux.Added("a", store.Fields{"v": 1})
	mux.Changed("a", store.Fields{"v": 2})
	mux.Removed("a")
	mux.Queue().Drain()

	want := []string{"added:a", "changed:a", "removed:a"}
	assert.Equal(t, want, r1.kinds())
	assert.Equal(t, want, r2.kinds())
	h1.Stop()
	h2.Stop()
}

func TestMultiplexerHandlesGetDetachedFields(t *testing.T) {
	mux := NewMultiplexer(false, func() {})

	var captured store.Fields
	h := mux.NewHandle(ObserveCallbacks{
		Added: func(id string, fields store.Fields) { captured = fields },
	}, false)
	errCh := make(chan error, 1)
	go func() { errCh <- mux.AddHandleAndSendInitialAdds(h) }()
	mux.Ready()
	waitAttach(t, h, errCh)

	mux.Added("a", store.Fields{"v": 1})
	mux.Queue().Drain()

	require.NotNil(t, captured)
	captured["v"] = 99
	mux.Changed("a", store.Fields{"w": 1})
	mux.Queue().Drain()

	// The cache did not see the handle's mutation.
	assert.Equal(t, 1, mux.cache.docs["a"].doc["v"])
	h.Stop()
}

func TestMultiplexerQueryErrorRejectsWaiters(t *testing.T) {
	mux := NewMultiplexer(false, func() {})

	h := mux.NewHandle(ObserveCallbacks{}, false)
	errCh := make(chan error, 1)
	go func() { errCh <- mux.AddHandleAndSendInitialAdds(h) }()

	queryErr := errors.New("bad selector")
	mux.QueryError(queryErr)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, queryErr)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not rejected")
	}
}

func TestMultiplexerStopsWhenLastHandleLeaves(t *testing.T) {
	stopped := make(chan struct{})
	mux := NewMultiplexer(false, func() { close(stopped) })

	rec := &eventRecorder{}
	h := mux.NewHandle(rec.callbacks(), false)
	errCh := make(chan error, 1)
	go func() { errCh <- mux.AddHandleAndSendInitialAdds(h) }()
	mux.Ready()
	waitAttach(t, h, errCh)

	h.Stop()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("onStop not invoked after last handle left")
	}

	// Events after stop are dropped, not delivered.
	mux.Added("x", store.Fields{})
	mux.Queue().Drain()
	assert.Empty(t, rec.kinds())
}

func TestMultiplexerReadySignaledTwicePanics(t *testing.T) {
	logs := captureLogs(t)
	mux := NewMultiplexer(false, func() {})

	mux.Ready()
	mux.Ready()
	mux.Queue().Drain()

	entries := logs.FilterMessage("Task panicked").All()
	require.Len(t, entries, 1)
	assert.Contains(t, fmt.Sprint(entries[0].ContextMap()["panic"]), "ready signaled twice")

	// The worker survives the panic; handles still attach normally.
	rec := &eventRecorder{}
	h := attachHandle(t, mux, rec)
	h.Stop()
}

func TestMultiplexerNonAddBeforeReadyPanics(t *testing.T) {
	logs := captureLogs(t)
	mux := NewMultiplexer(false, func() {})

	mux.Changed("a", store.Fields{"v": 1})
	mux.Queue().Drain()

	entries := logs.FilterMessage("Task panicked").All()
	require.Len(t, entries, 1)
	assert.Contains(t, fmt.Sprint(entries[0].ContextMap()["panic"]), "got changed during initial adds")

	// Only adds are legal before the barrier; a proper startup still
	// completes afterwards.
	mux.Added("a", store.Fields{"v": 1})
	mux.Ready()
	rec := &eventRecorder{}
	h := attachHandle(t, mux, rec)
	assert.Equal(t, []string{"added:a"}, rec.kinds())
	h.Stop()
}

func TestMultiplexerInitialAddsBurst(t *testing.T) {
	mux := NewMultiplexer(true, func() {})
	mux.AddedBefore("a", store.Fields{"v": 1}, "")
	mux.AddedBefore("b", store.Fields{"v": 2}, "")

	var burst []store.Document
	h := mux.NewHandle(ObserveCallbacks{
		InitialAdds: func(docs []store.Document) { burst = docs },
	}, false)
	errCh := make(chan error, 1)
	go func() { errCh <- mux.AddHandleAndSendInitialAdds(h) }()
	mux.Ready()
	waitAttach(t, h, errCh)

	require.Len(t, burst, 2)
	assert.Equal(t, "a", burst[0]["_id"])
	assert.Equal(t, "b", burst[1]["_id"])
	h.Stop()
}
