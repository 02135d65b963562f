package server

import (
	"sync"
	"time"
)

// heartbeat tracks inbound traffic on one session. After interval of
// silence it asks the owner to ping; if nothing arrives within timeout
// of that ping it declares the session dead.
type heartbeat struct {
	interval time.Duration
	timeout  time.Duration
	sendPing func()
	onDead   func()

	mu      sync.Mutex
	pinged  bool
	stopped bool
	timer   *time.Timer
}

func newHeartbeat(interval, timeout time.Duration, sendPing, onDead func()) *heartbeat {
	return &heartbeat{
		interval: interval,
		timeout:  timeout,
		sendPing: sendPing,
		onDead:   onDead,
	}
}

func (h *heartbeat) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.timer = time.AfterFunc(h.interval, h.fired)
}

func (h *heartbeat) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
	}
}

// messageReceived resets the silence clock. Any inbound frame counts,
// not only pong.
func (h *heartbeat) messageReceived() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.timer == nil {
		return
	}
	h.pinged = false
	h.timer.Reset(h.interval)
}

func (h *heartbeat) fired() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	if h.pinged {
		h.stopped = true
		h.mu.Unlock()
		h.onDead()
		return
	}
	h.pinged = true
	h.timer.Reset(h.timeout)
	h.mu.Unlock()
	h.sendPing()
}
