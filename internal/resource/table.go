package resource

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/picklr-io/pantry/internal/ir"
	"github.com/picklr-io/pantry/internal/logging"
)

// ErrDuplicateKey is returned when registering a key that is already live.
var ErrDuplicateKey = errors.New("resource key already registered")

// SourceFactory builds an empty source for a key.
type SourceFactory func(key ir.ResourceKey, lt ir.LoadType) *Source

// Table indexes live sources by partition and key.
type Table struct {
	mu      sync.Mutex
	factory SourceFactory
	parts   [ir.PartitionCount]map[ir.KeyID]*Source
}

// NewTable returns an empty table. A nil factory allocates fresh sources.
func NewTable(factory SourceFactory) *Table {
	if factory == nil {
		factory = func(key ir.ResourceKey, lt ir.LoadType) *Source {
			s := newSource()
			s.init(key, lt)
			return s
		}
	}
	t := &Table{factory: factory}
	for i := range t.parts {
		t.parts[i] = make(map[ir.KeyID]*Source)
	}
	return t
}

// GetOrCreate returns the live source for key and takes a reference on it.
// created reports whether the source was built by this call.
func (t *Table) GetOrCreate(key ir.ResourceKey, lt ir.LoadType) (src *Source, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.parts[lt.Partition()]
	if src, ok := m[key.ID()]; ok {
		src.Retain()
		return src, false
	}
	src = t.factory(key, lt)
	src.Retain()
	m[key.ID()] = src
	return src, true
}

// Get returns the live source for key without taking a reference.
func (t *Table) Get(key ir.ResourceKey, lt ir.LoadType) (*Source, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	src, ok := t.parts[lt.Partition()][key.ID()]
	return src, ok
}

// Register inserts src. A live entry for the same key is kept and
// ErrDuplicateKey returned.
func (t *Table) Register(src *Source) error {
	key, lt := src.Key(), src.LoadType()

	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.parts[lt.Partition()]
	if _, ok := m[key.ID()]; ok {
		logging.Warn("duplicate resource registration", "key", key.String(), "load_type", lt.String())
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	m[key.ID()] = src
	return nil
}

// Release drops one reference on key. When the count reaches zero and
// unloadIfZero is set, the entry is removed and returned for unloading.
// Sources that are still loading, or whose load type is not reference
// counted, stay registered.
func (t *Table) Release(key ir.ResourceKey, lt ir.LoadType, unloadIfZero bool) (*Source, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.parts[lt.Partition()]
	src, ok := m[key.ID()]
	if !ok {
		logging.Warn("release of unregistered resource", "key", key.String(), "load_type", lt.String())
		return nil, false
	}
	if src.ReleaseRef() > 0 || !unloadIfZero || !lt.RequiresReferenceCount() {
		return nil, false
	}
	if src.State() == StateLoading {
		logging.Debug("release deferred while loading", "key", key.String())
		return nil, false
	}
	delete(m, key.ID())
	return src, true
}

// EvictIdle removes src if nothing references it and it is not loading.
func (t *Table) EvictIdle(src *Source) bool {
	key, lt := src.Key(), src.LoadType()

	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.parts[lt.Partition()]
	if cur, ok := m[key.ID()]; !ok || cur != src {
		return false
	}
	if src.RefCount() > 0 || src.State() == StateLoading || !lt.RequiresReferenceCount() {
		return false
	}
	delete(m, key.ID())
	return true
}

// Len returns the number of live sources in partition p.
func (t *Table) Len(p ir.Partition) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.parts[p])
}

// Snapshot returns every live source ordered by partition and key.
func (t *Table) Snapshot() []*Source {
	t.mu.Lock()
	var out []*Source
	for _, m := range t.parts {
		for _, src := range m {
			out = append(out, src)
		}
	}
	t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].LoadType().Partition(), out[j].LoadType().Partition()
		if pi != pj {
			return pi < pj
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

// Drain removes and returns every live source.
func (t *Table) Drain() []*Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Source
	for i, m := range t.parts {
		for _, src := range m {
			out = append(out, src)
		}
		t.parts[i] = make(map[ir.KeyID]*Source)
	}
	return out
}
