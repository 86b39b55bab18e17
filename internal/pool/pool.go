// Package pool provides a capacity-bounded free list for reusable objects.
//
// ObjectPool is not safe for concurrent use. Callers that share a pool
// across goroutines must serialize Acquire and Release themselves.
package pool

import (
	"fmt"

	"github.com/picklr-io/pantry/internal/logging"
)

// DefaultCapacity is the pool capacity used when none is given.
const DefaultCapacity = 128

// Hooks customize object lifecycle. Create is required.
type Hooks[T any] struct {
	Create func() T
	// Reset runs before an object re-enters the free list. An error discards the object.
	Reset func(T) error
	// Destroy runs when an object leaves the pool for good.
	Destroy func(T)
}

// Stats is a monitoring snapshot. It never drives pool behavior.
type Stats struct {
	TotalCreated  int
	TotalGets     int
	TotalReturns  int
	CurrentPooled int
	CurrentActive int
	PeakActive    int
	Discarded     int
}

func (s Stats) String() string {
	return fmt.Sprintf("created=%d gets=%d returns=%d pooled=%d active=%d peak=%d discarded=%d",
		s.TotalCreated, s.TotalGets, s.TotalReturns, s.CurrentPooled, s.CurrentActive, s.PeakActive, s.Discarded)
}

// ObjectPool recycles objects created by its Create hook.
type ObjectPool[T comparable] struct {
	name     string
	hooks    Hooks[T]
	capacity int

	free   []T
	pooled map[T]struct{}
	owned  map[T]struct{}
	stats  Stats
}

// New returns an empty pool. A capacity below 1 uses DefaultCapacity.
func New[T comparable](name string, hooks Hooks[T], capacity int) *ObjectPool[T] {
	if hooks.Create == nil {
		panic("pool: Create hook is required")
	}
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &ObjectPool[T]{
		name:     name,
		hooks:    hooks,
		capacity: capacity,
		pooled:   make(map[T]struct{}),
		owned:    make(map[T]struct{}),
	}
}

// Name returns the pool name used in logs and metrics.
func (p *ObjectPool[T]) Name() string {
	return p.name
}

// Capacity returns the maximum number of pooled objects.
func (p *ObjectPool[T]) Capacity() int {
	return p.capacity
}

// Acquire returns a pooled object, or a new one if the free list is empty.
func (p *ObjectPool[T]) Acquire() T {
	p.stats.TotalGets++

	var obj T
	if n := len(p.free); n > 0 {
		obj = p.free[n-1]
		var zero T
		p.free[n-1] = zero
		p.free = p.free[:n-1]
		delete(p.pooled, obj)
		p.stats.CurrentPooled--
	} else {
		obj = p.create()
	}

	p.stats.CurrentActive++
	if p.stats.CurrentActive > p.stats.PeakActive {
		p.stats.PeakActive = p.stats.CurrentActive
	}
	return obj
}

// Release hands an object back. It returns false when the object was not
// created by this pool, is already pooled, failed to reset, or the pool is full.
func (p *ObjectPool[T]) Release(obj T) bool {
	if _, ok := p.owned[obj]; !ok {
		logging.Warn("rejected release of foreign object", "pool", p.name)
		return false
	}
	if _, ok := p.pooled[obj]; ok {
		logging.Warn("rejected double release", "pool", p.name)
		return false
	}

	p.stats.TotalReturns++
	p.stats.CurrentActive--

	if p.hooks.Reset != nil {
		if err := p.hooks.Reset(obj); err != nil {
			logging.Warn("discarding object after reset failure", "pool", p.name, "error", err)
			p.discard(obj)
			return false
		}
	}

	if len(p.free) >= p.capacity {
		p.discard(obj)
		return false
	}

	p.free = append(p.free, obj)
	p.pooled[obj] = struct{}{}
	p.stats.CurrentPooled++
	return true
}

// Prewarm fills the free list up to n objects, bounded by capacity.
// It returns the number of objects created.
func (p *ObjectPool[T]) Prewarm(n int) int {
	if n > p.capacity {
		n = p.capacity
	}
	created := 0
	for len(p.free) < n {
		obj := p.create()
		p.free = append(p.free, obj)
		p.pooled[obj] = struct{}{}
		p.stats.CurrentPooled++
		created++
	}
	return created
}

// SetCapacity changes the capacity. With enforce, surplus pooled objects are destroyed.
func (p *ObjectPool[T]) SetCapacity(max int, enforce bool) {
	if max < 0 {
		max = 0
	}
	p.capacity = max
	if !enforce {
		return
	}
	for len(p.free) > max {
		n := len(p.free)
		obj := p.free[n-1]
		var zero T
		p.free[n-1] = zero
		p.free = p.free[:n-1]
		delete(p.pooled, obj)
		p.stats.CurrentPooled--
		p.discard(obj)
	}
}

// Clear destroys every pooled object. Active objects are untouched.
func (p *ObjectPool[T]) Clear() {
	for _, obj := range p.free {
		delete(p.pooled, obj)
		p.discard(obj)
	}
	p.free = p.free[:0]
	p.stats.CurrentPooled = 0
}

// Stats returns a snapshot of the pool counters.
func (p *ObjectPool[T]) Stats() Stats {
	return p.stats
}

func (p *ObjectPool[T]) create() T {
	obj := p.hooks.Create()
	p.owned[obj] = struct{}{}
	p.stats.TotalCreated++
	return obj
}

func (p *ObjectPool[T]) discard(obj T) {
	delete(p.owned, obj)
	p.stats.Discarded++
	if p.hooks.Destroy != nil {
		p.hooks.Destroy(obj)
	}
}
