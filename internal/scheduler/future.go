package scheduler

import (
	"context"
	"sync"
)

// Future is the pending result of an enqueued task.
type Future struct {
	id    string
	sched *Scheduler
	entry *entry
	done  chan struct{}

	mu      sync.Mutex
	started bool
	settled bool
	cancel  context.CancelFunc
	err     error
}

func newFuture(id string, s *Scheduler) *Future {
	return &Future{id: id, sched: s, done: make(chan struct{})}
}

// ID returns the task identifier.
func (f *Future) ID() string {
	return f.id
}

// Done is closed once the task has finished, failed or been cancelled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the task error. It is only meaningful after Done is closed.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Started reports whether the task has been handed a worker slot.
func (f *Future) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Wait blocks until the task settles or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the task. A queued task is removed and its cancel hook runs;
// a running task has its context cancelled. It returns false if the task
// had already settled.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	if f.started {
		cancel := f.cancel
		f.mu.Unlock()
		cancel()
		return true
	}
	f.mu.Unlock()

	if f.sched.cancelQueued(f.entry) {
		return true
	}
	// Lost the race with the dispatcher; the task is now running.
	f.mu.Lock()
	cancel := f.cancel
	settled := f.settled
	f.mu.Unlock()
	if settled || cancel == nil {
		return false
	}
	cancel()
	return true
}

func (f *Future) start(cancel context.CancelFunc) {
	f.mu.Lock()
	f.started = true
	f.cancel = cancel
	f.mu.Unlock()
}

func (f *Future) settle(err error) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	f.settled = true
	f.err = err
	f.mu.Unlock()
	close(f.done)
}
