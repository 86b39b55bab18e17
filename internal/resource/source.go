package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/picklr-io/pantry/internal/ir"
)

var (
	// ErrNilPayload is returned when a load completes without a payload.
	ErrNilPayload = errors.New("load completed with nil payload")
	// ErrInvalidTransition is returned for a state change the source does not allow.
	ErrInvalidTransition = errors.New("invalid source state transition")
	// ErrBusy is returned when unloading a source that is still loading.
	ErrBusy = errors.New("source is loading")
	// ErrReleased is returned to waiters whose source was evicted and recycled.
	ErrReleased = errors.New("source released")
)

// State is the load state of a Source.
type State int

const (
	StateWaiting State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// CompletionFunc observes the end of a load attempt.
type CompletionFunc func(ok bool, src *Source)

type dependency struct {
	key ir.ResourceKey
	lt  ir.LoadType
	src *Source
}

// Source wraps one loaded resource. It is safe for concurrent use.
//
// The only forward path is Waiting -> Loading -> Ready. A failed load
// returns the source to Waiting with Err set, so a later request can retry.
type Source struct {
	mu        sync.Mutex
	key       ir.ResourceKey
	loadType  ir.LoadType
	state     State
	refs      int
	payload   any
	err       error
	gen       uint64
	done      chan struct{}
	settled   bool
	listeners []CompletionFunc
	deps      []dependency
}

func newSource() *Source {
	return &Source{done: make(chan struct{})}
}

func (s *Source) init(key ir.ResourceKey, lt ir.LoadType) {
	s.mu.Lock()
	s.key = key
	s.loadType = lt
	s.mu.Unlock()
}

// Key returns the resource key.
func (s *Source) Key() ir.ResourceKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// LoadType returns how the source is loaded.
func (s *Source) LoadType() ir.LoadType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadType
}

// IsNetworked reports whether the payload comes from the network.
func (s *Source) IsNetworked() bool {
	return s.LoadType().IsNetworkResource()
}

// State returns the current load state.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RefCount returns the number of outstanding references.
func (s *Source) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Payload returns the loaded payload, or nil unless Ready.
func (s *Source) Payload() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payload
}

// Err returns the error of the last failed load attempt.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Retain adds a reference and returns the new count.
func (s *Source) Retain() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
	return s.refs
}

// ReleaseRef drops a reference and returns the new count. It never goes below zero.
func (s *Source) ReleaseRef() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		s.refs--
	}
	return s.refs
}

// BeginLoad moves Waiting to Loading.
func (s *Source) BeginLoad() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWaiting {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateLoading)
	}
	s.state = StateLoading
	s.err = nil
	if s.settled {
		s.done = make(chan struct{})
		s.settled = false
	}
	return nil
}

// Complete moves Loading to Ready with payload.
func (s *Source) Complete(payload any) error {
	if payload == nil {
		return ErrNilPayload
	}
	s.mu.Lock()
	if s.state != StateLoading {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st, StateReady)
	}
	s.state = StateReady
	s.payload = payload
	listeners := s.settleLocked()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(true, s)
	}
	return nil
}

// Fail ends a load attempt with err and returns the source to Waiting.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	if s.state != StateLoading {
		s.mu.Unlock()
		return
	}
	s.state = StateWaiting
	s.err = err
	listeners := s.settleLocked()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(false, s)
	}
}

func (s *Source) settleLocked() []CompletionFunc {
	if !s.settled {
		close(s.done)
		s.settled = true
	}
	listeners := s.listeners
	s.listeners = nil
	return listeners
}

// Done is closed when the current load attempt settles.
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// OnComplete registers fn for the end of the current load attempt.
// If the source is already Ready, fn runs immediately.
func (s *Source) OnComplete(fn CompletionFunc) {
	s.mu.Lock()
	if s.state == StateReady {
		s.mu.Unlock()
		fn(true, s)
		return
	}
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// onSettle runs fn when the current load attempt ends, or at once when no
// attempt is running. ok is true only for a Ready source.
func (s *Source) onSettle(fn CompletionFunc) {
	s.mu.Lock()
	if s.state != StateLoading {
		ok := s.state == StateReady
		s.mu.Unlock()
		fn(ok, s)
		return
	}
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Wait blocks until the source is Ready or the current load attempt fails.
func (s *Source) Wait(ctx context.Context) (any, error) {
	return s.waitFor(ctx, s.generation())
}

// generation identifies one use of a pooled source.
func (s *Source) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// waitFor is Wait pinned to generation gen. It returns ErrReleased once the
// source has been recycled.
func (s *Source) waitFor(ctx context.Context, gen uint64) (any, error) {
	for {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return nil, ErrReleased
		}
		switch {
		case s.state == StateReady:
			p := s.payload
			s.mu.Unlock()
			return p, nil
		case s.state == StateWaiting && s.err != nil:
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		done := s.done
		s.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// takePayload clears and returns the payload for unloading. It refuses while loading.
func (s *Source) takePayload() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLoading {
		return nil, ErrBusy
	}
	p := s.payload
	s.payload = nil
	s.state = StateWaiting
	return p, nil
}

func (s *Source) setDeps(deps []dependency) {
	s.mu.Lock()
	s.deps = deps
	s.mu.Unlock()
}

func (s *Source) hasDeps() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deps != nil
}

func (s *Source) dependencies() []dependency {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dependency, len(s.deps))
	copy(out, s.deps)
	return out
}

func (s *Source) takeDeps() []dependency {
	s.mu.Lock()
	defer s.mu.Unlock()
	deps := s.deps
	s.deps = nil
	return deps
}

// reset returns the source to its zero state for reuse. Pending waiters
// observe ErrReleased.
func (s *Source) reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLoading {
		return ErrBusy
	}
	if !s.settled {
		close(s.done)
	}
	s.gen++
	s.key.Reset()
	s.loadType = 0
	s.state = StateWaiting
	s.refs = 0
	s.payload = nil
	s.err = nil
	s.done = make(chan struct{})
	s.settled = false
	s.listeners = nil
	s.deps = nil
	return nil
}
