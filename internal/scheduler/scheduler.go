// Package scheduler runs tasks with bounded concurrency.
//
// Tasks start in submission order. At most MaxConcurrent run at once and a
// finished task's slot is backfilled from the queue immediately. Completion
// order is whatever order the tasks finish in. The queue is unbounded.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/picklr-io/pantry/internal/logging"
)

// DefaultMaxConcurrent is the number of tasks run at once when unset.
const DefaultMaxConcurrent = 8

// ErrClosed is returned for tasks submitted to, or still queued in, a closed scheduler.
var ErrClosed = errors.New("scheduler closed")

// Event statuses.
const (
	StatusQueued    = "queued"
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Event reports a task lifecycle transition.
type Event struct {
	TaskID   string
	Status   string
	Duration time.Duration
	Err      error
}

// Callback receives every task event. It must not block.
type Callback func(Event)

// Task is a unit of work.
type Task interface {
	ID() string
	Run(ctx context.Context) error
}

type funcTask struct {
	id string
	fn func(ctx context.Context) error
}

func (t *funcTask) ID() string                    { return t.id }
func (t *funcTask) Run(ctx context.Context) error { return t.fn(ctx) }

// Func adapts a function to a Task. An empty id gets a generated one.
func Func(id string, fn func(ctx context.Context) error) Task {
	return &funcTask{id: id, fn: fn}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxConcurrent caps the number of running tasks. Values below 1 are ignored.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithCallback registers an event callback.
func WithCallback(cb Callback) Option {
	return func(s *Scheduler) { s.callback = cb }
}

// WithName names the scheduler in logs and metrics.
func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

type entry struct {
	task     Task
	future   *Future
	onCancel func()
	queuedAt time.Time
}

// Scheduler is a FIFO worker pool. It is safe for concurrent use.
type Scheduler struct {
	name          string
	maxConcurrent int
	callback      Callback

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*entry
	running int
	pending int
	idle    chan struct{}
	closed  bool

	wg sync.WaitGroup
}

// New starts a scheduler. Call Close to stop it.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		name:          "default",
		maxConcurrent: DefaultMaxConcurrent,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cond = sync.NewCond(&s.mu)
	s.idle = make(chan struct{})
	close(s.idle)

	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Name returns the scheduler name.
func (s *Scheduler) Name() string {
	return s.name
}

// MaxConcurrent returns the concurrency cap.
func (s *Scheduler) MaxConcurrent() int {
	return s.maxConcurrent
}

// Enqueue appends a task to the queue.
func (s *Scheduler) Enqueue(task Task) *Future {
	return s.EnqueueWithCancel(task, nil)
}

// EnqueueWithCancel appends a task. onCancel runs if the task is cancelled
// or dropped before it starts, so the caller can undo work done on its behalf.
func (s *Scheduler) EnqueueWithCancel(task Task, onCancel func()) *Future {
	id := task.ID()
	if id == "" {
		id = uuid.NewString()
	}
	f := newFuture(id, s)
	e := &entry{task: task, future: f, onCancel: onCancel, queuedAt: time.Now()}
	f.entry = e

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if onCancel != nil {
			onCancel()
		}
		f.settle(ErrClosed)
		return f
	}
	if s.pending == 0 {
		s.idle = make(chan struct{})
	}
	s.pending++
	s.queue = append(s.queue, e)
	s.cond.Signal()
	s.mu.Unlock()

	s.emit(Event{TaskID: id, Status: StatusQueued})
	return f
}

// Running returns the number of tasks currently running.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Queued returns the number of tasks waiting for a slot.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Drain blocks until the queue is empty and no task is running.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain cancelled: %w", ctx.Err())
	}
}

// Close cancels queued and running tasks and waits for the workers to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	dropped := s.queue
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, e := range dropped {
		s.drop(e, ErrClosed)
	}

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for !s.closed && (len(s.queue) == 0 || s.running >= s.maxConcurrent) {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.running++
		ctx, cancel := context.WithCancel(s.ctx)
		e.future.start(cancel)
		s.mu.Unlock()

		// Emitted from the dispatcher so start events keep queue order.
		s.emit(Event{TaskID: e.future.id, Status: StatusStarted, Duration: time.Since(e.queuedAt)})

		s.wg.Add(1)
		go s.run(ctx, cancel, e)
	}
}

func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, e *entry) {
	defer s.wg.Done()
	defer cancel()

	start := time.Now()
	err := s.safeRun(ctx, e.task)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		s.emit(Event{TaskID: e.future.id, Status: StatusCompleted, Duration: elapsed})
	case errors.Is(err, context.Canceled):
		logging.Debug("task cancelled", "scheduler", s.name, "task", e.future.id)
		s.emit(Event{TaskID: e.future.id, Status: StatusCancelled, Duration: elapsed, Err: err})
	default:
		logging.Debug("task failed", "scheduler", s.name, "task", e.future.id, "error", err)
		s.emit(Event{TaskID: e.future.id, Status: StatusFailed, Duration: elapsed, Err: err})
	}
	e.future.settle(err)

	s.mu.Lock()
	s.running--
	s.finishLocked()
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *Scheduler) safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.ID(), r)
		}
	}()
	return t.Run(ctx)
}

// cancelQueued removes e from the queue if it has not started.
func (s *Scheduler) cancelQueued(e *entry) bool {
	s.mu.Lock()
	idx := -1
	for i, q := range s.queue {
		if q == e {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
	s.mu.Unlock()

	s.drop(e, context.Canceled)
	return true
}

// drop settles a task that never started.
func (s *Scheduler) drop(e *entry, err error) {
	if e.onCancel != nil {
		e.onCancel()
	}
	s.emit(Event{TaskID: e.future.id, Status: StatusCancelled, Err: err})
	e.future.settle(err)

	s.mu.Lock()
	s.finishLocked()
	s.mu.Unlock()
}

func (s *Scheduler) finishLocked() {
	s.pending--
	if s.pending == 0 {
		close(s.idle)
	}
}

func (s *Scheduler) emit(ev Event) {
	if s.callback != nil {
		s.callback(ev)
	}
}
