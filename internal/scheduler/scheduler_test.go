package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ids(status string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Status == status {
			out = append(out, ev.TaskID)
		}
	}
	return out
}

func drain(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))
}

func TestScheduler_StartOrderIsFIFO(t *testing.T) {
	rec := &recorder{}
	s := New(WithMaxConcurrent(16), WithCallback(rec.record))
	defer s.Close()

	names := []string{"A", "B", "C", "D", "E"}
	for _, n := range names {
		s.Enqueue(Func(n, func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			return nil
		}))
	}
	drain(t, s)

	assert.Equal(t, names, rec.ids(StatusStarted))
	assert.ElementsMatch(t, names, rec.ids(StatusCompleted))
}

func TestScheduler_BoundedConcurrency(t *testing.T) {
	s := New(WithMaxConcurrent(2))
	defer s.Close()

	var current, peak int32
	for i := 0; i < 5; i++ {
		s.Enqueue(Func(fmt.Sprintf("t%d", i), func(ctx context.Context) error {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			assert.LessOrEqual(t, s.Running(), 2)
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil
		}))
	}
	drain(t, s)

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
	assert.Equal(t, 0, s.Running())
	assert.Equal(t, 0, s.Queued())
}

func TestScheduler_CompletionOrderIsUnordered(t *testing.T) {
	rec := &recorder{}
	s := New(WithMaxConcurrent(2), WithCallback(rec.record))
	defer s.Close()

	slow := make(chan struct{})
	s.Enqueue(Func("slow", func(ctx context.Context) error {
		<-slow
		return nil
	}))
	fast := s.Enqueue(Func("fast", func(ctx context.Context) error { return nil }))

	require.NoError(t, fast.Wait(context.Background()))
	close(slow)
	drain(t, s)

	assert.Equal(t, []string{"slow", "fast"}, rec.ids(StatusStarted))
	assert.Equal(t, []string{"fast", "slow"}, rec.ids(StatusCompleted))
}

func TestScheduler_BackfillsSlot(t *testing.T) {
	s := New(WithMaxConcurrent(1))
	defer s.Close()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 4; i++ {
		i := i
		s.Enqueue(Func("", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	drain(t, s)

	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestScheduler_GeneratesIDs(t *testing.T) {
	s := New()
	defer s.Close()

	f1 := s.Enqueue(Func("", func(ctx context.Context) error { return nil }))
	f2 := s.Enqueue(Func("", func(ctx context.Context) error { return nil }))
	drain(t, s)

	assert.NotEmpty(t, f1.ID())
	assert.NotEqual(t, f1.ID(), f2.ID())
}

func TestScheduler_TaskErrorPropagates(t *testing.T) {
	rec := &recorder{}
	s := New(WithCallback(rec.record))
	defer s.Close()

	boom := errors.New("boom")
	f := s.Enqueue(Func("bad", func(ctx context.Context) error { return boom }))

	err := f.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
	drain(t, s)
	assert.Equal(t, []string{"bad"}, rec.ids(StatusFailed))
}

func TestScheduler_PanicBecomesError(t *testing.T) {
	s := New()
	defer s.Close()

	f := s.Enqueue(Func("panics", func(ctx context.Context) error { panic("kaboom") }))
	err := f.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestFuture_CancelQueuedRunsHook(t *testing.T) {
	s := New(WithMaxConcurrent(1))
	defer s.Close()

	gate := make(chan struct{})
	blocker := s.Enqueue(Func("blocker", func(ctx context.Context) error {
		<-gate
		return nil
	}))

	var hookCalls int32
	var ran int32
	queued := s.EnqueueWithCancel(Func("queued", func(ctx context.Context) error {
		atomic.StoreInt32(&ran, 1)
		return nil
	}), func() { atomic.AddInt32(&hookCalls, 1) })

	assert.True(t, queued.Cancel())
	assert.ErrorIs(t, queued.Wait(context.Background()), context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hookCalls))

	close(gate)
	require.NoError(t, blocker.Wait(context.Background()))
	drain(t, s)

	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
	assert.False(t, queued.Cancel(), "settled future cannot be cancelled again")
}

func TestFuture_CancelRunning(t *testing.T) {
	s := New()
	defer s.Close()

	started := make(chan struct{})
	f := s.Enqueue(Func("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	<-started
	assert.True(t, f.Cancel())
	assert.ErrorIs(t, f.Wait(context.Background()), context.Canceled)
}

func TestScheduler_CloseDropsQueued(t *testing.T) {
	s := New(WithMaxConcurrent(1))

	started := make(chan struct{})
	running := s.Enqueue(Func("running", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	var dropped int32
	queued := s.EnqueueWithCancel(Func("queued", func(ctx context.Context) error { return nil }),
		func() { atomic.AddInt32(&dropped, 1) })

	<-started
	s.Close()

	assert.ErrorIs(t, queued.Err(), ErrClosed)
	assert.ErrorIs(t, running.Err(), context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dropped))

	late := s.Enqueue(Func("late", func(ctx context.Context) error { return nil }))
	assert.ErrorIs(t, late.Err(), ErrClosed)
}

func TestScheduler_DrainHonoursContext(t *testing.T) {
	s := New()
	defer s.Close()

	gate := make(chan struct{})
	s.Enqueue(Func("stuck", func(ctx context.Context) error {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	drain(t, s)
}

func TestScheduler_DrainOnIdle(t *testing.T) {
	s := New()
	defer s.Close()
	drain(t, s)
	assert.Equal(t, DefaultMaxConcurrent, s.MaxConcurrent())
}
