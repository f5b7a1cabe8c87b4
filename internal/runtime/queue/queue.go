// Package queue provides the serial executor behind every ordered context in
// heapflow: callback resolution, transform commits, the SQLite store and the
// uploader each own one.
package queue

import (
	"context"
	"sync"

	errspkg "github.com/drblury/heapflow/internal/runtime/errors"
)

// Serial runs submitted tasks one at a time, in submission order, on a single
// goroutine. Async never blocks the caller.
type Serial struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
}

// NewSerial starts a Serial queue. The name is only used for diagnostics.
func NewSerial(name string) *Serial {
	q := &Serial{
		name: name,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Name returns the queue name.
func (q *Serial) Name() string { return q.name }

// Async enqueues task. It returns ErrQueueClosed once Close has been called.
func (q *Serial) Async(task func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errspkg.ErrQueueClosed
	}
	q.pending = append(q.pending, task)
	q.cond.Signal()
	return nil
}

// Sync enqueues task and waits for it to run. Calling Sync from a task
// running on the same queue deadlocks.
func (q *Serial) Sync(task func()) error {
	finished := make(chan struct{})
	if err := q.Async(func() {
		defer close(finished)
		task()
	}); err != nil {
		return err
	}
	<-finished
	return nil
}

// SyncContext is Sync with a bounded wait. When ctx ends first the task still
// runs later; only the wait is abandoned.
func (q *Serial) SyncContext(ctx context.Context, task func()) error {
	finished := make(chan struct{})
	if err := q.Async(func() {
		defer close(finished)
		task()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, runs everything already queued and waits for
// the worker to exit.
func (q *Serial) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Signal()
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Serial) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		task()
	}
}
