package livequery

import (
	"sync"
	"time"
)

// throttle is a leading+trailing rate limiter modeled as a small state
// machine. A Call either runs fn immediately (when the last run was at
// least interval ago) or arms a trailing run at the end of the current
// window. Concurrent calls inside one window collapse into a single
// trailing run.
type throttle struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func()
	cooling  bool
	pending  bool
	timer    *time.Timer
	stopped  bool
}

func newThrottle(interval time.Duration, fn func()) *throttle {
	return &throttle{interval: interval, fn: fn}
}

// Call requests a run of fn under the throttle's rate limit.
func (t *throttle) Call() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.interval <= 0 {
		t.mu.Unlock()
		t.fn()
		return
	}
	if t.cooling {
		t.pending = true
		t.mu.Unlock()
		return
	}
	// Leading edge: run now and open a cooldown window.
	t.cooling = true
	t.timer = time.AfterFunc(t.interval, t.windowExpired)
	t.mu.Unlock()
	t.fn()
}

func (t *throttle) windowExpired() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if !t.pending {
		t.cooling = false
		t.mu.Unlock()
		return
	}
	// Trailing edge: run the deferred call and open the next window.
	t.pending = false
	t.timer = time.AfterFunc(t.interval, t.windowExpired)
	t.mu.Unlock()
	t.fn()
}

// Stop cancels any armed trailing run. Subsequent calls are ignored.
func (t *throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pending = false
	if t.timer != nil {
		t.timer.Stop()
	}
}
