package livequery

import "errors"

var (
	// ErrQueueStopped is returned by RunTask when the queue has been
	// stopped before the task could run.
	ErrQueueStopped = errors.New("task queue stopped")

	// ErrObserverStopped is returned when attaching a handle to a
	// multiplexer that has already stopped; the registry reacts by
	// creating a fresh multiplexer.
	ErrObserverStopped = errors.New("observe multiplexer stopped")
)
