package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/picklr-io/pantry/internal/ir"
)

var errLoaderBusy = errors.New("loader is loading")

type loadID struct {
	id ir.KeyID
	lt ir.LoadType
}

type loadItem struct {
	key *ir.ResourceKey
	lt  ir.LoadType
	src *Source
	gen uint64

	requested bool
	released  bool
	cancelled bool
	done      bool
}

// Loader requests a batch of resources and tracks their progress. Loaders
// come from Master.NewLoader and go back with Recycle.
type Loader struct {
	m *Master

	mu        sync.Mutex
	items     []*loadItem
	seen      map[loadID]struct{}
	completed int
	loading   bool
}

// Add queues key for the next LoadAll. It returns false for a key already
// added to this loader or while a load is in progress.
func (l *Loader) Add(key ir.ResourceKey, lt ir.LoadType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loading {
		return false
	}
	id := loadID{id: key.ID(), lt: lt}
	if l.seen == nil {
		l.seen = make(map[loadID]struct{})
	}
	if _, ok := l.seen[id]; ok {
		return false
	}
	l.seen[id] = struct{}{}
	l.items = append(l.items, &loadItem{key: l.m.acquireKey(key), lt: lt})
	return true
}

// Len returns the number of queued items.
func (l *Loader) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// LoadAll requests every added item and waits for them to settle. Packages
// are requested in dependency order ahead of other items. onDone, when set,
// receives the same error LoadAll returns.
func (l *Loader) LoadAll(ctx context.Context, onDone func(err error)) error {
	l.mu.Lock()
	if l.loading {
		l.mu.Unlock()
		return errLoaderBusy
	}
	l.loading = true
	items := l.ordered()
	l.mu.Unlock()

	var errs []error
	for _, it := range items {
		l.mu.Lock()
		skip := it.cancelled || it.requested
		l.mu.Unlock()
		if skip {
			continue
		}

		src, err := l.m.RequestResource(ctx, *it.key, it.lt)
		l.mu.Lock()
		if err != nil {
			it.done = true
			l.completed++
			l.mu.Unlock()
			errs = append(errs, fmt.Errorf("%s: %w", it.key, err))
			continue
		}
		if it.cancelled {
			l.mu.Unlock()
			l.m.ReleaseResource(*it.key, it.lt, true)
			continue
		}
		it.src = src
		it.gen = src.generation()
		it.requested = true
		l.mu.Unlock()
	}

	for _, it := range items {
		l.mu.Lock()
		src, gen := it.src, it.gen
		wait := it.requested && !it.done && !it.cancelled
		l.mu.Unlock()
		if !wait {
			continue
		}

		_, err := src.waitFor(ctx, gen)

		l.mu.Lock()
		if !it.done {
			it.done = true
			l.completed++
		}
		cancelled := it.cancelled
		l.mu.Unlock()
		if err != nil && !cancelled {
			errs = append(errs, fmt.Errorf("%s: %w", it.key, err))
		}
	}

	l.mu.Lock()
	l.loading = false
	l.mu.Unlock()

	var err error
	if len(errs) > 0 {
		err = fmt.Errorf("%d resource(s) failed to load: %w", len(errs), errors.Join(errs...))
	}
	if onDone != nil {
		onDone(err)
	}
	return err
}

// ordered returns packages sorted by the manifest dependency order, then the
// remaining items in the order they were added. Callers hold l.mu.
func (l *Loader) ordered() []*loadItem {
	var packages, others []*loadItem
	for _, it := range l.items {
		if it.lt == ir.LoadAssetBundle {
			packages = append(packages, it)
		} else {
			others = append(others, it)
		}
	}

	if g, err := l.m.dependencyGraph(); err == nil && g != nil && len(packages) > 1 {
		rank := make(map[string]int)
		for i, name := range g.Order() {
			rank[name] = i
		}
		sort.SliceStable(packages, func(i, j int) bool {
			ri, iok := rank[packages[i].key.Name]
			rj, jok := rank[packages[j].key.Name]
			if iok != jok {
				return iok
			}
			return ri < rj
		})
	}
	return append(packages, others...)
}

// Progress returns the settled fraction of added items, 1 when empty.
func (l *Loader) Progress() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return 1
	}
	return float64(l.completed) / float64(len(l.items))
}

// CancelPending abandons items that have not settled and counts them as
// settled for Progress. References already taken are released with
// unloadIfZero, which cancels loads nobody else wants. It returns the
// number of items abandoned.
func (l *Loader) CancelPending() int {
	l.mu.Lock()
	var release []*loadItem
	n := 0
	for _, it := range l.items {
		if it.done || it.cancelled {
			continue
		}
		it.cancelled = true
		it.done = true
		l.completed++
		n++
		if it.requested && !it.released {
			it.released = true
			release = append(release, it)
		}
	}
	l.mu.Unlock()

	for _, it := range release {
		l.m.ReleaseResource(*it.key, it.lt, true)
	}
	return n
}

// ReleaseAll drops every reference the loader holds.
func (l *Loader) ReleaseAll(unloadIfZero bool) {
	l.mu.Lock()
	var release []*loadItem
	for _, it := range l.items {
		if it.requested && !it.released {
			it.released = true
			release = append(release, it)
		}
	}
	l.mu.Unlock()

	for _, it := range release {
		l.m.ReleaseResource(*it.key, it.lt, unloadIfZero)
	}
}

// Sources returns the sources requested so far, in request order.
func (l *Loader) Sources() []*Source {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Source
	for _, it := range l.items {
		if it.requested && !it.released {
			out = append(out, it.src)
		}
	}
	return out
}

// Recycle releases every held reference, unloading unreferenced resources,
// and returns the loader to the master's pool. The loader must not be used
// afterwards.
func (l *Loader) Recycle() {
	l.ReleaseAll(true)

	l.mu.Lock()
	if l.loading {
		l.mu.Unlock()
		l.m.log.Warn("recycling a loader that is still loading")
		return
	}
	keys := make([]*ir.ResourceKey, 0, len(l.items))
	for _, it := range l.items {
		keys = append(keys, it.key)
		it.key = nil
	}
	l.mu.Unlock()

	m := l.m
	m.releaseKeys(keys)
	m.poolMu.Lock()
	m.loaders.Release(l)
	m.poolMu.Unlock()
}

// reset clears the loader for reuse. Keys must already be back in their pool.
func (l *Loader) reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loading {
		return errLoaderBusy
	}
	l.items = nil
	l.seen = nil
	l.completed = 0
	return nil
}
