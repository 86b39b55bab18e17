package resource

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/picklr-io/pantry/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSource(name string, lt ir.LoadType) *Source {
	s := newSource()
	s.init(ir.ResourceKey{Name: name}, lt)
	return s
}

func TestSource_ForwardPath(t *testing.T) {
	s := testSource("hero", ir.LoadABAsset)
	assert.Equal(t, StateWaiting, s.State())

	require.NoError(t, s.BeginLoad())
	assert.Equal(t, StateLoading, s.State())
	assert.ErrorIs(t, s.BeginLoad(), ErrInvalidTransition)

	require.NoError(t, s.Complete("payload"))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, "payload", s.Payload())
	assert.ErrorIs(t, s.Complete("again"), ErrInvalidTransition)
	assert.ErrorIs(t, s.BeginLoad(), ErrInvalidTransition)
}

func TestSource_CompleteRejectsNil(t *testing.T) {
	s := testSource("hero", ir.LoadABAsset)
	require.NoError(t, s.BeginLoad())
	assert.ErrorIs(t, s.Complete(nil), ErrNilPayload)
	assert.Equal(t, StateLoading, s.State())
}

func TestSource_CompleteRequiresLoading(t *testing.T) {
	s := testSource("hero", ir.LoadABAsset)
	assert.ErrorIs(t, s.Complete("payload"), ErrInvalidTransition)
	assert.Equal(t, StateWaiting, s.State())
}

func TestSource_FailReturnsToWaiting(t *testing.T) {
	s := testSource("hero", ir.LoadABAsset)
	boom := errors.New("boom")

	var observed atomic.Bool
	require.NoError(t, s.BeginLoad())
	s.OnComplete(func(ok bool, src *Source) {
		assert.False(t, ok)
		assert.Same(t, s, src)
		observed.Store(true)
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Wait(context.Background())
		done <- err
	}()

	s.Fail(boom)
	assert.ErrorIs(t, <-done, boom)
	assert.True(t, observed.Load())
	assert.Equal(t, StateWaiting, s.State())
	assert.ErrorIs(t, s.Err(), boom)

	// A later attempt clears the error and can succeed.
	require.NoError(t, s.BeginLoad())
	assert.NoError(t, s.Err())
	require.NoError(t, s.Complete("payload"))
	p, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "payload", p)
}

func TestSource_OnCompleteFiresImmediatelyWhenReady(t *testing.T) {
	s := testSource("hero", ir.LoadABAsset)
	require.NoError(t, s.BeginLoad())
	require.NoError(t, s.Complete("payload"))

	called := false
	s.OnComplete(func(ok bool, _ *Source) {
		called = ok
	})
	assert.True(t, called)
}

func TestSource_DoneClosesOnSettle(t *testing.T) {
	s := testSource("hero", ir.LoadABAsset)
	require.NoError(t, s.BeginLoad())
	done := s.Done()

	select {
	case <-done:
		t.Fatal("done closed before settle")
	default:
	}

	require.NoError(t, s.Complete("payload"))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
}

func TestSource_WaitHonoursContext(t *testing.T) {
	s := testSource("hero", ir.LoadABAsset)
	require.NoError(t, s.BeginLoad())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSource_RefCountClampsAtZero(t *testing.T) {
	s := testSource("hero", ir.LoadABAsset)
	assert.Equal(t, 1, s.Retain())
	assert.Equal(t, 2, s.Retain())
	assert.Equal(t, 1, s.ReleaseRef())
	assert.Equal(t, 0, s.ReleaseRef())
	assert.Equal(t, 0, s.ReleaseRef())
}

func TestSource_IsNetworked(t *testing.T) {
	assert.True(t, testSource("logo", ir.LoadNetImage).IsNetworked())
	assert.False(t, testSource("hero", ir.LoadABAsset).IsNetworked())
}

func TestSource_TakePayloadRefusedWhileLoading(t *testing.T) {
	s := testSource("hero", ir.LoadABAsset)
	require.NoError(t, s.BeginLoad())
	_, err := s.takePayload()
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, s.reset(), ErrBusy)

	require.NoError(t, s.Complete("payload"))
	p, err := s.takePayload()
	require.NoError(t, err)
	assert.Equal(t, "payload", p)
	assert.Nil(t, s.Payload())
	assert.Equal(t, StateWaiting, s.State())
}

func TestSource_ResetReleasesWaiters(t *testing.T) {
	s := testSource("hero", ir.LoadABAsset)
	s.Retain()

	gen := s.generation()
	done := make(chan error, 1)
	go func() {
		_, err := s.waitFor(context.Background(), gen)
		done <- err
	}()

	require.NoError(t, s.reset())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrReleased)
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}

	assert.Equal(t, ir.ResourceKey{}, s.Key())
	assert.Equal(t, 0, s.RefCount())
	assert.Equal(t, StateWaiting, s.State())
}

func TestSource_WaitForStaleGeneration(t *testing.T) {
	s := testSource("hero", ir.LoadABAsset)
	gen := s.generation()
	require.NoError(t, s.reset())

	s.init(ir.ResourceKey{Name: "other"}, ir.LoadABAsset)
	require.NoError(t, s.BeginLoad())
	require.NoError(t, s.Complete("other"))

	_, err := s.waitFor(context.Background(), gen)
	assert.ErrorIs(t, err, ErrReleased)
}
