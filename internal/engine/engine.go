// Package engine reconciles the local package cache against the remote
// manifest: fetch, compare, download.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/picklr-io/pantry/internal/cache"
	"github.com/picklr-io/pantry/internal/ir"
	"github.com/picklr-io/pantry/internal/logging"
	"github.com/picklr-io/pantry/internal/manifest"
	"github.com/picklr-io/pantry/internal/origin"
	"github.com/picklr-io/pantry/internal/scheduler"
)

// DefaultMaxConcurrentDownloads bounds parallel package downloads.
const DefaultMaxConcurrentDownloads = 4

// Phase is the progress of a reconciliation pass.
type Phase int32

const (
	PhaseNone Phase = iota
	PhaseCompare
	PhaseDownload
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseCompare:
		return "compare"
	case PhaseDownload:
		return "download"
	case PhaseReady:
		return "ready"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// Status classifies one package.
type Status = ir.Status

// ManifestError reports a manifest file that could not be fetched or parsed.
type ManifestError struct {
	File string
	Err  error
}

func (e *ManifestError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("failed to fetch manifest: %v", e.Err)
	}
	return fmt.Sprintf("failed to fetch manifest file %s: %v", e.File, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

// CacheError reports a local filesystem failure.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s failed: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// Engine reconciles one cache directory against one origin.
type Engine struct {
	origin         origin.Origin
	store          *cache.Store
	sched          *scheduler.Scheduler
	ownsSched      bool
	platform       string
	retry          *RetryPolicy
	requestTimeout time.Duration
	clock          clock.Clock
	lockers        []cache.Locker

	ContinueOnError bool // Downloads continue past failures; errors are aggregated
	Force           bool // Every package present locally is treated as stale
	VerifyIntegrity bool // Up-to-date packages must match their indexed digest

	pass sync.Mutex

	mu       sync.RWMutex
	phase    Phase
	manifest *ir.Manifest
	statuses map[string]Status
}

// Option configures an Engine.
type Option func(*Engine)

// WithPlatform sets the manifest platform.
func WithPlatform(platform string) Option {
	return func(e *Engine) { e.platform = platform }
}

// WithRetryPolicy sets the download retry policy.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithRequestTimeout bounds each origin request.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) { e.requestTimeout = d }
}

// WithClock sets the clock for event durations and retry delays.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLocker adds a lock held for the whole pass, after the cache's own lock.
func WithLocker(l cache.Locker) Option {
	return func(e *Engine) { e.lockers = append(e.lockers, l) }
}

// WithForce re-downloads every package.
func WithForce(force bool) Option {
	return func(e *Engine) { e.Force = force }
}

// WithVerifyIntegrity checks digests of up-to-date packages.
func WithVerifyIntegrity(verify bool) Option {
	return func(e *Engine) { e.VerifyIntegrity = verify }
}

// NewEngine returns an engine. A nil scheduler is replaced by one bounded
// to DefaultMaxConcurrentDownloads.
func NewEngine(o origin.Origin, store *cache.Store, sched *scheduler.Scheduler, opts ...Option) *Engine {
	e := &Engine{
		origin:          o,
		store:           store,
		sched:           sched,
		requestTimeout:  DefaultTimeout,
		clock:           clock.New(),
		ContinueOnError: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retry == nil {
		e.retry = DefaultRetryPolicy()
	}
	if e.retry.Clock == nil {
		e.retry.Clock = e.clock
	}
	e.lockers = append([]cache.Locker{store}, e.lockers...)
	if e.sched == nil {
		e.sched = scheduler.New(
			scheduler.WithMaxConcurrent(DefaultMaxConcurrentDownloads),
			scheduler.WithName("downloads"),
		)
		e.ownsSched = true
	}
	return e
}

// Scheduler returns the download scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Close stops a scheduler the engine created itself.
func (e *Engine) Close() {
	if e.ownsSched {
		e.sched.Close()
	}
}

// Phase returns the phase of the current or last pass.
func (e *Engine) Phase() Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.phase
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

// Statuses returns a copy of the latest classification.
func (e *Engine) Statuses() map[string]Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Status, len(e.statuses))
	for k, v := range e.statuses {
		out[k] = v
	}
	return out
}

// Manifest returns the last fetched manifest, or nil.
func (e *Engine) Manifest() *ir.Manifest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.manifest
}

// Reconcile runs a full pass without progress events.
func (e *Engine) Reconcile(ctx context.Context) (*ir.ReconcileResult, error) {
	return e.ReconcileWithCallback(ctx, nil)
}

// ReconcileWithCallback runs a full pass: fetch the manifest, classify the
// cache and download every stale or missing package. Only one pass runs at
// a time per engine.
func (e *Engine) ReconcileWithCallback(ctx context.Context, cb DownloadCallback) (*ir.ReconcileResult, error) {
	e.pass.Lock()
	defer e.pass.Unlock()

	start := e.clock.Now()
	e.setPhase(PhaseNone)

	unlock, err := e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := e.FetchManifest(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := e.CreatePlan(ctx, m)
	if err != nil {
		e.setPhase(PhaseNone)
		return nil, err
	}

	log := logging.Named("engine").With("pass", plan.Metadata.PassID)
	log.Info("classified cache",
		"up_to_date", plan.Summary.UpToDate,
		"stale", plan.Summary.Stale,
		"missing", plan.Summary.Missing,
		"unclassified", plan.Summary.Unclassified)

	result, err := e.ApplyPlan(ctx, plan, cb)
	if result != nil {
		result.Duration = e.clock.Since(start)
		log.Info("reconcile finished",
			"phase", result.Phase,
			"downloaded", len(result.Downloaded),
			"failed", len(result.Failed),
			"bytes", result.Bytes,
			"duration", result.Duration)
	}
	return result, err
}

func (e *Engine) lock(ctx context.Context) (func(), error) {
	var held []cache.Locker
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Unlock(context.WithoutCancel(ctx)); err != nil {
				logging.Warn("failed to release reconcile lock", "error", err)
			}
		}
	}
	for _, l := range e.lockers {
		if err := l.Lock(ctx); err != nil {
			release()
			if errors.Is(err, cache.ErrLocked) {
				return nil, err
			}
			return nil, &CacheError{Op: "lock", Err: err}
		}
		held = append(held, l)
	}
	return release, nil
}

// FetchManifest downloads the manifest bundle and moves to PhaseCompare.
// On failure the phase returns to PhaseNone.
func (e *Engine) FetchManifest(ctx context.Context) (*ir.Manifest, error) {
	e.setPhase(PhaseNone)
	if e.platform == "" {
		return nil, &ManifestError{Err: errors.New("platform is required")}
	}

	m, err := manifest.Fetch(ctx, &bufferedOrigin{e: e}, e.platform, e.store.Dir())
	if err != nil {
		var fe *manifest.FileError
		if errors.As(err, &fe) {
			return nil, &ManifestError{File: fe.File, Err: fe.Err}
		}
		return nil, &ManifestError{Err: err}
	}

	e.mu.Lock()
	e.manifest = m
	e.phase = PhaseCompare
	e.mu.Unlock()
	return m, nil
}

// bufferedOrigin reads each manifest file fully inside one retried,
// time-bounded attempt.
type bufferedOrigin struct {
	e *Engine
}

func (b *bufferedOrigin) Fetch(ctx context.Context, p string) (io.ReadCloser, error) {
	var data []byte
	err := RetryWithBackoff(ctx, b.e.retry, func() error {
		actx, cancel := WithTimeout(ctx, b.e.requestTimeout)
		defer cancel()

		rc, err := b.e.origin.Fetch(actx, p)
		if err != nil {
			return err
		}
		defer rc.Close()
		data, err = io.ReadAll(rc)
		return err
	}, IsTransientError)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
