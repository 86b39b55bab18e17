package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/picklr-io/pantry/internal/engine"
	"github.com/picklr-io/pantry/internal/ir"
	"github.com/picklr-io/pantry/internal/logging"
	"github.com/picklr-io/pantry/internal/manifest"
	"github.com/picklr-io/pantry/internal/pool"
	"github.com/picklr-io/pantry/internal/provider"
	"github.com/picklr-io/pantry/internal/scheduler"
)

// DefaultPoolCapacity bounds each of the master's object pools.
const DefaultPoolCapacity = 30

var (
	// ErrClosed is returned by requests made after Close.
	ErrClosed = errors.New("resource master closed")
	// ErrNoEngine is returned by ReconcileCache when no engine is configured.
	ErrNoEngine = errors.New("no download engine configured")
)

// MasterConfig wires a Master. Registry is required.
type MasterConfig struct {
	Registry *provider.Registry
	// Scheduler runs load tasks. When nil the master owns one with
	// scheduler.DefaultMaxConcurrent slots.
	Scheduler *scheduler.Scheduler
	Engine    *engine.Engine
	// Manifest supplies the package dependency table. Defaults to Engine.Manifest.
	Manifest     func() *ir.Manifest
	PoolCapacity int
}

// loadHandle tracks the scheduler future of one load attempt. The future is
// attached after EnqueueWithCancel returns, so a cancel request that arrives
// first is remembered and applied on attach.
type loadHandle struct {
	mu        sync.Mutex
	future    *scheduler.Future
	cancelled bool
}

func (h *loadHandle) attach(f *scheduler.Future) {
	h.mu.Lock()
	h.future = f
	cancel := h.cancelled
	h.mu.Unlock()
	if cancel {
		f.Cancel()
	}
}

func (h *loadHandle) wasCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *loadHandle) cancel() {
	h.mu.Lock()
	h.cancelled = true
	f := h.future
	h.mu.Unlock()
	if f != nil {
		f.Cancel()
	}
}

// Master is the collaborator-facing resource service. It resolves keys to
// sources, loads them through providers on a scheduler, and unloads and
// recycles them when the last reference goes away.
type Master struct {
	registry  *provider.Registry
	sched     *scheduler.Scheduler
	ownsSched bool
	engine    *engine.Engine
	manifest  func() *ir.Manifest
	table     *Table
	log       *slog.Logger

	// poolMu serializes every pool; ObjectPool is not safe for concurrent use.
	poolMu  sync.Mutex
	sources *pool.ObjectPool[*Source]
	keys    *pool.ObjectPool[*ir.ResourceKey]
	loaders *pool.ObjectPool[*Loader]

	mu            sync.Mutex
	closed        bool
	inflight      map[*Source]*loadHandle
	evictOnSettle map[*Source]bool
	graphFor      *ir.Manifest
	graph         *manifest.Graph
	graphErr      error
}

// NewMaster builds a master from cfg.
func NewMaster(cfg MasterConfig) (*Master, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("failed to create resource master: registry is required")
	}
	capacity := cfg.PoolCapacity
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}

	m := &Master{
		registry:      cfg.Registry,
		sched:         cfg.Scheduler,
		engine:        cfg.Engine,
		manifest:      cfg.Manifest,
		log:           logging.Named("resource"),
		inflight:      make(map[*Source]*loadHandle),
		evictOnSettle: make(map[*Source]bool),
	}
	if m.sched == nil {
		m.sched = scheduler.New(scheduler.WithName("loads"))
		m.ownsSched = true
	}
	if m.manifest == nil {
		m.manifest = func() *ir.Manifest {
			if m.engine == nil {
				return nil
			}
			return m.engine.Manifest()
		}
	}

	m.sources = pool.New("sources", pool.Hooks[*Source]{
		Create: newSource,
		Reset:  (*Source).reset,
	}, capacity)
	m.keys = pool.New("keys", pool.Hooks[*ir.ResourceKey]{
		Create: func() *ir.ResourceKey { return &ir.ResourceKey{} },
		Reset: func(k *ir.ResourceKey) error {
			k.Reset()
			return nil
		},
	}, capacity)
	m.loaders = pool.New("loaders", pool.Hooks[*Loader]{
		Create: func() *Loader { return &Loader{m: m} },
		Reset:  (*Loader).reset,
	}, capacity)

	m.table = NewTable(m.newSource)
	return m, nil
}

func (m *Master) newSource(key ir.ResourceKey, lt ir.LoadType) *Source {
	m.poolMu.Lock()
	src := m.sources.Acquire()
	m.poolMu.Unlock()
	src.init(key, lt)
	return src
}

func (m *Master) recycle(src *Source) {
	m.poolMu.Lock()
	m.sources.Release(src)
	m.poolMu.Unlock()
}

// Table exposes the live source table.
func (m *Master) Table() *Table { return m.table }

// Scheduler returns the scheduler that runs load tasks.
func (m *Master) Scheduler() *scheduler.Scheduler { return m.sched }

// RequestResource returns the source for key and takes a reference on it.
// A source that is not yet loaded gets a load task, preceded by load tasks
// for the packages it depends on. Use Source.Wait to block until it is Ready.
func (m *Master) RequestResource(ctx context.Context, key ir.ResourceKey, lt ir.LoadType) (*Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if _, err := m.dependencyKeys(key, lt); err != nil {
		return nil, fmt.Errorf("failed to resolve dependencies of %s: %w", key, err)
	}

	src, created := m.table.GetOrCreate(key, lt)
	if created {
		m.log.Debug("resource created", "key", key.String(), "load_type", lt.String())
	}
	m.startLoad(src, key, lt)
	return src, nil
}

// RequestResourceSync loads key on the calling goroutine. Only load types
// that support synchronous loading are accepted. On failure the reference
// taken by the call is dropped.
func (m *Master) RequestResourceSync(ctx context.Context, key ir.ResourceKey, lt ir.LoadType) (*Source, error) {
	if !lt.SupportsSyncLoad() {
		return nil, fmt.Errorf("load type %s does not support synchronous loading", lt)
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	src, _ := m.table.GetOrCreate(key, lt)
	gen := src.generation()
	if err := src.BeginLoad(); err == nil {
		payload, err := m.load(ctx, key, lt)
		if err == nil {
			err = src.Complete(payload)
		}
		if err != nil {
			src.Fail(err)
			m.ReleaseResource(key, lt, true)
			return nil, err
		}
		return src, nil
	}
	if _, err := src.waitFor(ctx, gen); err != nil {
		m.ReleaseResource(key, lt, true)
		return nil, err
	}
	return src, nil
}

// ReleaseResource drops a reference on key. With unloadIfZero, the last
// reference unloads the payload and recycles the source; a source still
// loading has its task cancelled and is evicted once the task settles.
func (m *Master) ReleaseResource(key ir.ResourceKey, lt ir.LoadType, unloadIfZero bool) {
	if src, removed := m.table.Release(key, lt, unloadIfZero); removed {
		m.destroy(src)
		return
	}
	if !unloadIfZero || !lt.RequiresReferenceCount() {
		return
	}
	src, ok := m.table.Get(key, lt)
	if !ok || src.RefCount() > 0 || src.State() != StateLoading {
		return
	}

	m.mu.Lock()
	h := m.inflight[src]
	m.evictOnSettle[src] = true
	m.mu.Unlock()
	if h != nil {
		m.log.Debug("cancelling unreferenced load", "key", key.String())
		h.cancel()
	}

	// The load may have settled before the flag was set.
	if src.State() != StateLoading {
		m.mu.Lock()
		delete(m.evictOnSettle, src)
		m.mu.Unlock()
		if m.table.EvictIdle(src) {
			m.destroy(src)
		}
	}
}

// ReconcileCache runs one download pass of the engine.
func (m *Master) ReconcileCache(ctx context.Context) (engine.Phase, *ir.ReconcileResult, error) {
	if m.engine == nil {
		return engine.PhaseNone, nil, ErrNoEngine
	}
	result, err := m.engine.Reconcile(ctx)
	return m.engine.Phase(), result, err
}

// NewLoader returns a pooled batch loader. Return it with Loader.Recycle.
func (m *Master) NewLoader() *Loader {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	return m.loaders.Acquire()
}

// PoolStats reports the master's object pools by name.
func (m *Master) PoolStats() map[string]pool.Stats {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	return map[string]pool.Stats{
		m.sources.Name(): m.sources.Stats(),
		m.keys.Name():    m.keys.Stats(),
		m.loaders.Name(): m.loaders.Stats(),
	}
}

// Close stops loading, unloads every live payload and empties the pools.
// Sources still loading on a scheduler the master does not own are left alone.
func (m *Master) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.ownsSched {
		m.sched.Close()
	}

	var errs []error
	for _, src := range m.table.Drain() {
		key, lt := src.Key(), src.LoadType()
		payload, err := src.takePayload()
		if err != nil {
			m.log.Warn("skipping source still loading", "key", key.String())
			continue
		}
		src.takeDeps()
		if payload != nil {
			if err := m.unload(lt, payload); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
		m.recycle(src)
	}

	m.poolMu.Lock()
	m.sources.Clear()
	m.keys.Clear()
	m.loaders.Clear()
	m.poolMu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("failed to unload %d resource(s): %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// startLoad begins a load of src unless one is running or it is Ready.
// Dependencies are started first and src is enqueued only once all of them
// have settled, so a dependent never holds a scheduler slot while waiting.
func (m *Master) startLoad(src *Source, key ir.ResourceKey, lt ir.LoadType) {
	if err := src.BeginLoad(); err != nil {
		return
	}

	var deps []dependency
	if src.hasDeps() {
		// A retry restarts dependencies whose own load failed.
		deps = src.dependencies()
		for _, d := range deps {
			m.startLoad(d.src, d.key, d.lt)
		}
	} else {
		keys, _ := m.dependencyKeys(key, lt)
		deps = make([]dependency, 0, len(keys))
		for _, d := range keys {
			dsrc, _ := m.table.GetOrCreate(d.key, d.lt)
			m.startLoad(dsrc, d.key, d.lt)
			d.src = dsrc
			deps = append(deps, d)
		}
		src.setDeps(deps)
	}

	h := &loadHandle{}
	m.mu.Lock()
	m.inflight[src] = h
	m.mu.Unlock()

	m.enqueueAfter(deps, src, h, key, lt)
}

// enqueueAfter schedules the load of src once deps have settled, or fails
// it when one of them did not become Ready.
func (m *Master) enqueueAfter(deps []dependency, src *Source, h *loadHandle, key ir.ResourceKey, lt ir.LoadType) {
	whenSettled(deps, func(err error) {
		if err != nil {
			m.finish(src, h, key, lt, err)
			return
		}
		m.enqueue(src, h, key, lt)
	})
}

// whenSettled calls fn once every dependency has finished its current load
// attempt. err reports the first dependency that did not become Ready.
func whenSettled(deps []dependency, fn func(err error)) {
	if len(deps) == 0 {
		fn(nil)
		return
	}
	var (
		mu      sync.Mutex
		pending = len(deps)
		first   error
	)
	for _, d := range deps {
		d.src.onSettle(func(ok bool, s *Source) {
			mu.Lock()
			if !ok && first == nil {
				cause := s.Err()
				if cause == nil {
					cause = ErrReleased
				}
				first = fmt.Errorf("failed to load dependency %s: %w", d.key, cause)
			}
			pending--
			last, err := pending == 0, first
			mu.Unlock()
			if last {
				fn(err)
			}
		})
	}
}

// enqueue schedules one load attempt of src under handle h.
func (m *Master) enqueue(src *Source, h *loadHandle, key ir.ResourceKey, lt ir.LoadType) {
	task := scheduler.Func(fmt.Sprintf("load:%s:%s", lt, key), func(ctx context.Context) error {
		err := m.attempt(ctx, key, lt, src)
		m.finish(src, h, key, lt, err)
		return err
	})
	f := m.sched.EnqueueWithCancel(task, func() {
		m.finish(src, h, key, lt, context.Canceled)
	})
	h.attach(f)
}

func (m *Master) attempt(ctx context.Context, key ir.ResourceKey, lt ir.LoadType, src *Source) error {
	payload, err := m.load(ctx, key, lt)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.log.Warn("resource load failed", "key", key.String(), "load_type", lt.String(), "error", err)
		}
		return err
	}
	if err := src.Complete(payload); err != nil {
		if uerr := m.unload(lt, payload); uerr != nil {
			m.log.Warn("failed to unload rejected payload", "key", key.String(), "error", uerr)
		}
		return err
	}
	return nil
}

// finish settles the load attempt tracked by h. An attempt cancelled by a
// release is started again when the source was requested once more in the
// meantime; otherwise a failure returns the source to Waiting and a pending
// eviction runs.
func (m *Master) finish(src *Source, h *loadHandle, key ir.ResourceKey, lt ir.LoadType, err error) {
	var retry *loadHandle
	m.mu.Lock()
	if m.inflight[src] == h {
		delete(m.inflight, src)
	}
	evict := m.evictOnSettle[src]
	delete(m.evictOnSettle, src)
	if errors.Is(err, context.Canceled) && h.wasCancelled() && !m.closed && src.RefCount() > 0 {
		retry = &loadHandle{}
		m.inflight[src] = retry
	}
	m.mu.Unlock()

	if retry != nil {
		m.log.Debug("reloading resource requested again", "key", key.String(), "load_type", lt.String())
		m.enqueueAfter(src.dependencies(), src, retry, key, lt)
		return
	}
	if err != nil {
		src.Fail(err)
	}
	if evict && m.table.EvictIdle(src) {
		m.destroy(src)
	}
}

func (m *Master) load(ctx context.Context, key ir.ResourceKey, lt ir.LoadType) (any, error) {
	if err := m.registry.LoadProvider(lt); err != nil {
		return nil, err
	}
	p, err := m.registry.Get(lt)
	if err != nil {
		return nil, err
	}
	payload, err := p.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return payload, nil
}

func (m *Master) unload(lt ir.LoadType, payload any) error {
	p, err := m.registry.Get(lt)
	if err != nil {
		return err
	}
	return p.Unload(payload)
}

// destroy unloads a source removed from the table, releases the packages it
// depended on and recycles it.
func (m *Master) destroy(src *Source) {
	key, lt := src.Key(), src.LoadType()
	payload, err := src.takePayload()
	if err != nil {
		m.log.Warn("refusing to unload source", "key", key.String(), "error", err)
		return
	}
	if payload != nil {
		if err := m.unload(lt, payload); err != nil {
			m.log.Warn("failed to unload resource", "key", key.String(), "load_type", lt.String(), "error", err)
		}
	}
	for _, d := range src.takeDeps() {
		m.ReleaseResource(d.key, d.lt, true)
	}
	m.log.Debug("resource unloaded", "key", key.String(), "load_type", lt.String())
	m.recycle(src)
}

// dependencyKeys lists the packages key directly depends on. A package
// depends on the packages in the manifest dependency table; an asset depends
// on its owner package.
func (m *Master) dependencyKeys(key ir.ResourceKey, lt ir.LoadType) ([]dependency, error) {
	switch lt {
	case ir.LoadAssetBundle:
		g, err := m.dependencyGraph()
		if err != nil || g == nil {
			return nil, err
		}
		names := g.Dependencies(key.Name)
		deps := make([]dependency, 0, len(names))
		for _, name := range names {
			deps = append(deps, dependency{key: ir.ResourceKey{Name: name}, lt: ir.LoadAssetBundle})
		}
		return deps, nil
	case ir.LoadABAsset, ir.LoadABScene, ir.LoadShaderVariant:
		if key.OwnerPackage == "" {
			return nil, nil
		}
		return []dependency{{key: ir.ResourceKey{Name: key.OwnerPackage}, lt: ir.LoadAssetBundle}}, nil
	}
	return nil, nil
}

// dependencyGraph returns the graph of the current manifest, rebuilt when
// the manifest changes.
func (m *Master) dependencyGraph() (*manifest.Graph, error) {
	man := m.manifest()
	if man == nil {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.graphFor != man {
		m.graph, m.graphErr = manifest.BuildGraph(man)
		m.graphFor = man
	}
	return m.graph, m.graphErr
}

func (m *Master) acquireKey(key ir.ResourceKey) *ir.ResourceKey {
	m.poolMu.Lock()
	k := m.keys.Acquire()
	m.poolMu.Unlock()
	*k = key
	return k
}

func (m *Master) releaseKeys(keys []*ir.ResourceKey) {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	for _, k := range keys {
		m.keys.Release(k)
	}
}
