package resource

import (
	"sync"
	"testing"

	"github.com/picklr-io/pantry/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_GetOrCreate(t *testing.T) {
	tbl := NewTable(nil)
	key := ir.ResourceKey{Name: "hero", OwnerPackage: "characters"}

	src, created := tbl.GetOrCreate(key, ir.LoadABAsset)
	require.True(t, created)
	assert.Equal(t, 1, src.RefCount())
	assert.Equal(t, key, src.Key())
	assert.Equal(t, ir.LoadABAsset, src.LoadType())

	again, created := tbl.GetOrCreate(key, ir.LoadABAsset)
	assert.False(t, created)
	assert.Same(t, src, again)
	assert.Equal(t, 2, src.RefCount())

	// ContentHash is not part of the identity.
	hashed := key
	hashed.ContentHash = "abc"
	same, created := tbl.GetOrCreate(hashed, ir.LoadABAsset)
	assert.False(t, created)
	assert.Same(t, src, same)

	// Same key under another partition is a separate source.
	pkg, created := tbl.GetOrCreate(key, ir.LoadAssetBundle)
	assert.True(t, created)
	assert.NotSame(t, src, pkg)
	assert.Equal(t, 1, tbl.Len(ir.PartitionAsset))
	assert.Equal(t, 1, tbl.Len(ir.PartitionPackage))
}

func TestTable_GetOrCreateConcurrent(t *testing.T) {
	tbl := NewTable(nil)
	key := ir.ResourceKey{Name: "hero"}

	const n = 64
	sources := make([]*Source, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sources[i], _ = tbl.GetOrCreate(key, ir.LoadABAsset)
		}(i)
	}
	wg.Wait()

	for _, src := range sources {
		assert.Same(t, sources[0], src)
	}
	assert.Equal(t, n, sources[0].RefCount())
	assert.Equal(t, 1, tbl.Len(ir.PartitionAsset))
}

func TestTable_Register(t *testing.T) {
	tbl := NewTable(nil)
	first := testSource("hero", ir.LoadABAsset)
	require.NoError(t, tbl.Register(first))

	err := tbl.Register(testSource("hero", ir.LoadABAsset))
	assert.ErrorIs(t, err, ErrDuplicateKey)

	got, ok := tbl.Get(ir.ResourceKey{Name: "hero"}, ir.LoadABAsset)
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestTable_Release(t *testing.T) {
	tests := []struct {
		name         string
		lt           ir.LoadType
		refs         int
		loading      bool
		unloadIfZero bool
		wantRemoved  bool
		wantRefs     int
	}{
		{name: "last reference removes", lt: ir.LoadABAsset, refs: 1, unloadIfZero: true, wantRemoved: true},
		{name: "outstanding references keep", lt: ir.LoadABAsset, refs: 2, unloadIfZero: true, wantRefs: 1},
		{name: "no unload keeps at zero", lt: ir.LoadABAsset, refs: 1},
		{name: "builtin is not refcounted", lt: ir.LoadInternalResource, refs: 1, unloadIfZero: true},
		{name: "loading is deferred", lt: ir.LoadABAsset, refs: 1, loading: true, unloadIfZero: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := NewTable(nil)
			key := ir.ResourceKey{Name: "hero"}
			var src *Source
			for i := 0; i < tt.refs; i++ {
				src, _ = tbl.GetOrCreate(key, tt.lt)
			}
			if tt.loading {
				require.NoError(t, src.BeginLoad())
			}

			removed, ok := tbl.Release(key, tt.lt, tt.unloadIfZero)
			assert.Equal(t, tt.wantRemoved, ok)
			assert.Equal(t, tt.wantRefs, src.RefCount())

			_, live := tbl.Get(key, tt.lt)
			if tt.wantRemoved {
				assert.Same(t, src, removed)
				assert.False(t, live)
			} else {
				assert.Nil(t, removed)
				assert.True(t, live)
			}
		})
	}
}

func TestTable_ReleaseUnknownKey(t *testing.T) {
	tbl := NewTable(nil)
	src, ok := tbl.Release(ir.ResourceKey{Name: "ghost"}, ir.LoadABAsset, true)
	assert.False(t, ok)
	assert.Nil(t, src)
}

func TestTable_EvictIdle(t *testing.T) {
	tbl := NewTable(nil)
	key := ir.ResourceKey{Name: "hero"}
	src, _ := tbl.GetOrCreate(key, ir.LoadABAsset)

	assert.False(t, tbl.EvictIdle(src), "referenced")

	src.ReleaseRef()
	require.NoError(t, src.BeginLoad())
	assert.False(t, tbl.EvictIdle(src), "loading")

	src.Fail(assert.AnError)
	assert.True(t, tbl.EvictIdle(src))
	assert.False(t, tbl.EvictIdle(src), "already gone")

	// A stale pointer never evicts the live entry for the same key.
	live, _ := tbl.GetOrCreate(key, ir.LoadABAsset)
	live.ReleaseRef()
	assert.False(t, tbl.EvictIdle(src))
	_, ok := tbl.Get(key, ir.LoadABAsset)
	assert.True(t, ok)
}

func TestTable_SnapshotAndDrain(t *testing.T) {
	tbl := NewTable(nil)
	tbl.GetOrCreate(ir.ResourceKey{Name: "logo"}, ir.LoadNetImage)
	tbl.GetOrCreate(ir.ResourceKey{Name: "b"}, ir.LoadABAsset)
	tbl.GetOrCreate(ir.ResourceKey{Name: "a"}, ir.LoadABAsset)
	tbl.GetOrCreate(ir.ResourceKey{Name: "ui"}, ir.LoadAssetBundle)

	snap := tbl.Snapshot()
	require.Len(t, snap, 4)
	var names []string
	for _, src := range snap {
		names = append(names, src.Key().Name)
	}
	assert.Equal(t, []string{"a", "b", "ui", "logo"}, names)

	drained := tbl.Drain()
	assert.Len(t, drained, 4)
	assert.Empty(t, tbl.Snapshot())
	for p := 0; p < ir.PartitionCount; p++ {
		assert.Zero(t, tbl.Len(ir.Partition(p)))
	}
}

func TestTable_FactoryIsUsed(t *testing.T) {
	var built []ir.ResourceKey
	tbl := NewTable(func(key ir.ResourceKey, lt ir.LoadType) *Source {
		built = append(built, key)
		s := newSource()
		s.init(key, lt)
		return s
	})
	tbl.GetOrCreate(ir.ResourceKey{Name: "a"}, ir.LoadRawFile)
	tbl.GetOrCreate(ir.ResourceKey{Name: "a"}, ir.LoadRawFile)
	assert.Equal(t, []ir.ResourceKey{{Name: "a"}}, built)
}
