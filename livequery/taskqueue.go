// Package livequery implements the live-data engine: the synchronous
// task queue, the write fence, the invalidation crossbar, the caching
// change observer, the observe multiplexer and the polling observe
// driver, together with the registry that deduplicates observers over
// equivalent queries.
//
// The engine follows a cooperative actor model: each multiplexer (and
// each session, in the server package) owns one TaskQueue and performs
// all of its state mutation inside that queue, one task at a time.
package livequery

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"livedata/core"
)

type queuedTask struct {
	run func()
	// abort is invoked instead of run when the queue is stopped with
	// the task still pending. It unblocks RunTask waiters.
	abort func()
}

// TaskQueue is a strict single-flight FIFO executor. Tasks run one at a
// time in enqueue order on a worker goroutine that is scheduled
// whenever the queue becomes non-empty. While a task runs no other task
// of the same queue makes progress.
type TaskQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	tasks    []queuedTask
	running  bool
	draining bool
	stopped  bool
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue() *TaskQueue {
	q := &TaskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// QueueTask enqueues a fire-and-forget task. Panics inside the task are
// recovered and logged; they do not take down the worker.
func (q *TaskQueue) QueueTask(f func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.tasks = append(q.tasks, queuedTask{run: f})
	q.schedule()
}

// RunTask enqueues a task and blocks until it has run, returning its
// result or error. A panic inside the task is returned as an error. It
// must not be called from inside a task of the same queue; doing so
// would wait on itself.
func (q *TaskQueue) RunTask(f func() (any, error)) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrQueueStopped
	}
	q.tasks = append(q.tasks, queuedTask{
		run: func() {
			defer func() {
				if r := recover(); r != nil {
					done <- outcome{nil, fmt.Errorf("task panicked: %v", r)}
				}
			}()
			result, err := f()
			done <- outcome{result, err}
		},
		abort: func() {
			done <- outcome{nil, ErrQueueStopped}
		},
	})
	q.schedule()
	q.mu.Unlock()

	out := <-done
	return out.result, out.err
}

// Drain blocks until the queue is empty and no task is running. Calling
// Drain while another Drain is in progress returns immediately.
func (q *TaskQueue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining || q.stopped {
		return
	}
	q.draining = true
	for len(q.tasks) > 0 || q.running {
		q.cond.Wait()
	}
	q.draining = false
}

// Stop discards all queued tasks and rejects future ones. The task
// currently running, if any, completes. Pending RunTask callers are
// unblocked with ErrQueueStopped.
func (q *TaskQueue) Stop() {
	q.mu.Lock()
	pending := q.tasks
	q.tasks = nil
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, t := range pending {
		if t.abort != nil {
			t.abort()
		}
	}
}

// Length reports the number of queued, not yet started tasks.
func (q *TaskQueue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// schedule starts the worker if it is not already running. Caller must
// hold q.mu.
func (q *TaskQueue) schedule() {
	if q.running {
		return
	}
	q.running = true
	go q.work()
}

func (q *TaskQueue) work() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 || q.stopped {
			q.running = false
			q.cond.Broadcast()
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.runOne(task.run)
	}
}

func (q *TaskQueue) runOne(task func()) {
	defer func() {
		if r := recover(); r != nil {
			core.Error("Task panicked", zap.Any("panic", r))
		}
	}()
	task()
}
