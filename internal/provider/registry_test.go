package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/picklr-io/pantry/internal/ir"
	"github.com/picklr-io/pantry/providers/bundle"
	"github.com/picklr-io/pantry/providers/null"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_LoadAll(t *testing.T) {
	r := NewRegistry(Env{CacheDir: t.TempDir()})
	require.NoError(t, r.LoadAll())

	for _, lt := range ir.AllLoadTypes() {
		p, err := r.Get(lt)
		require.NoError(t, err, lt.String())
		assert.NotNil(t, p)
	}
}

func TestRegistry_GetUnloaded(t *testing.T) {
	r := NewRegistry(Env{})
	_, err := r.Get(ir.LoadRawFile)
	assert.Error(t, err)
}

func TestRegistry_UnknownLoadType(t *testing.T) {
	r := NewRegistry(Env{})
	assert.Error(t, r.LoadProvider(ir.LoadType(99)))
}

func TestRegistry_RawFileNeedsCacheDir(t *testing.T) {
	r := NewRegistry(Env{})
	assert.Error(t, r.LoadProvider(ir.LoadRawFile))
}

func TestRegistry_AssetsShareBundleProvider(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ui_h1"), []byte("x"), 0644))

	r := NewRegistry(Env{
		CacheDir: dir,
		Resolve: func(pre string) (string, bool) {
			return pre + "_h1", pre == "ui"
		},
	})
	require.NoError(t, r.LoadProvider(ir.LoadAssetBundle))
	require.NoError(t, r.LoadProvider(ir.LoadABAsset))

	packages, err := r.Get(ir.LoadAssetBundle)
	require.NoError(t, err)
	assets, err := r.Get(ir.LoadABAsset)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = packages.Load(ctx, ir.ResourceKey{Name: "ui"})
	require.NoError(t, err)

	got, err := assets.Load(ctx, ir.ResourceKey{Name: "button", OwnerPackage: "ui"})
	require.NoError(t, err)
	assert.Equal(t, "ui_h1", got.(*bundle.Asset).Package.FileName)
}

func TestRegistry_RegisterOverrides(t *testing.T) {
	r := NewRegistry(Env{})
	np := null.New()
	r.Register(ir.LoadRawFile, np)

	// LoadProvider keeps an explicitly registered provider.
	require.NoError(t, r.LoadProvider(ir.LoadRawFile))

	p, err := r.Get(ir.LoadRawFile)
	require.NoError(t, err)
	assert.Same(t, np, p)
}
