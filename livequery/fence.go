package livequery

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"livedata/core"
)

// Fence is a write fence: it accumulates pending commit tokens for a
// set of writes and fires once every write has committed. A method
// handler runs with a fresh fence in its context; every store write
// performed during the method registers on it, and the method's
// "updated" acknowledgment is held back until the fence fires and all
// completion callbacks have run.
//
// Lifecycle: created, any number of BeginWrite calls, Arm, fire (when
// all outstanding writes have committed), completion callbacks, Retire.
type Fence struct {
	mu          sync.Mutex
	armed       bool
	fired       bool
	retired     bool
	outstanding int
	beforeFire  []func()
	completed   []func()
}

// FenceWrite is a one-shot commit capability returned by BeginWrite.
type FenceWrite struct {
	once  sync.Once
	fence *Fence
}

// Committed marks the write as committed. A second call panics, except
// on the no-op token handed out by a retired fence.
func (w *FenceWrite) Committed() {
	if w.fence == nil {
		return
	}
	committed := false
	w.once.Do(func() {
		committed = true
		w.fence.writeCommitted()
	})
	if !committed {
		panic("fence write committed twice")
	}
}

// NewFence creates an unarmed fence.
func NewFence() *Fence {
	return &Fence{}
}

// BeginWrite registers a pending write and returns its commit token.
// Calling BeginWrite after the fence has fired is a programming error
// and panics; on a retired fence it is a silent no-op returning an
// already-committed token.
func (f *Fence) BeginWrite() *FenceWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retired {
		return &FenceWrite{}
	}
	if f.fired {
		panic("fence.BeginWrite called after fence fired")
	}
	f.outstanding++
	return &FenceWrite{fence: f}
}

// OnBeforeFire registers a callback to run when the fence is about to
// fire. The callback may call BeginWrite to add further writes; the
// fence will not fire until those commit too. Registering after fire
// panics.
func (f *Fence) OnBeforeFire(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fired {
		panic("fence.OnBeforeFire called after fence fired")
	}
	f.beforeFire = append(f.beforeFire, cb)
}

// OnAllCommitted registers a completion callback. If the fence has
// already fired the callback runs immediately.
func (f *Fence) OnAllCommitted(cb func()) {
	f.mu.Lock()
	if f.fired {
		f.mu.Unlock()
		runFenceCallback(cb)
		return
	}
	f.completed = append(f.completed, cb)
	f.mu.Unlock()
}

// Arm marks the fence armed. If no writes are outstanding it fires
// immediately. Arming a fence that is still the current fence of the
// given context is illegal: the handler it scopes could still begin
// writes.
func (f *Fence) Arm(ctx context.Context) {
	if FenceFromContext(ctx) == f {
		panic("fence.Arm called on the current fence of the calling context")
	}
	f.mu.Lock()
	f.armed = true
	f.mu.Unlock()
	f.maybeFire()
}

// Retire converts subsequent BeginWrite calls into silent no-ops. It is
// legal only after the fence has fired.
func (f *Fence) Retire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.fired {
		panic("fence.Retire called before fence fired")
	}
	f.retired = true
}

// Armed reports whether Arm has been called.
func (f *Fence) Armed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armed
}

// Fired reports whether the fence has fired.
func (f *Fence) Fired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fired
}

// Retired reports whether the fence has been retired.
func (f *Fence) Retired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retired
}

func (f *Fence) writeCommitted() {
	f.mu.Lock()
	if f.outstanding <= 0 {
		f.mu.Unlock()
		panic("fence write committed with no outstanding writes")
	}
	f.outstanding--
	f.mu.Unlock()
	f.maybeFire()
}

// maybeFire fires the fence when it is armed and no writes remain.
// Before-fire callbacks run under a +1 outstanding shim so that writes
// they begin do not race a premature fire.
func (f *Fence) maybeFire() {
	f.mu.Lock()
	if !f.armed || f.fired || f.outstanding != 0 {
		f.mu.Unlock()
		return
	}
	callbacks := f.beforeFire
	f.beforeFire = nil
	if len(callbacks) > 0 {
		f.outstanding++ // shim: hold the fence open while callbacks run
		f.mu.Unlock()
		for _, cb := range callbacks {
			runFenceCallback(cb)
		}
		f.writeCommitted() // releases the shim, re-enters maybeFire
		return
	}
	f.fired = true
	completed := f.completed
	f.completed = nil
	f.mu.Unlock()

	for _, cb := range completed {
		runFenceCallback(cb)
	}
}

func runFenceCallback(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			core.Error("Fence callback panicked", zap.Any("panic", r))
		}
	}()
	cb()
}

// ArmAndWait arms the fence and blocks until it fires.
func (f *Fence) ArmAndWait(ctx context.Context) {
	done := make(chan struct{})
	f.OnAllCommitted(func() { close(done) })
	f.Arm(ctx)
	select {
	case <-done:
	case <-ctx.Done():
	}
}

type fenceContextKey struct{}

// WithFence returns a context carrying fence as the current write
// fence. Store writes performed with this context register on it.
func WithFence(ctx context.Context, fence *Fence) context.Context {
	return context.WithValue(ctx, fenceContextKey{}, fence)
}

// FenceFromContext returns the current write fence of the context, or
// nil. Code that needs the fence past a suspension point must capture
// it before suspending.
func FenceFromContext(ctx context.Context) *Fence {
	if ctx == nil {
		return nil
	}
	fence, _ := ctx.Value(fenceContextKey{}).(*Fence)
	return fence
}
