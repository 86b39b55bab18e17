package rawfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/picklr-io/pantry/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_Load(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "game.json"), []byte(`{"a":1}`), 0644))

	p, err := New(dir)
	require.NoError(t, err)

	got, err := p.Load(context.Background(), ir.ResourceKey{Name: "config/game.json"})
	require.NoError(t, err)
	f := got.(*File)
	assert.Equal(t, `{"a":1}`, string(f.Data))

	require.NoError(t, p.Unload(f))
	assert.Nil(t, f.Data)
}

func TestProvider_RejectsEscape(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "cache")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret"), []byte("x"), 0644))

	p, err := New(dir)
	require.NoError(t, err)

	_, err = p.Load(context.Background(), ir.ResourceKey{Name: "../secret"})
	assert.Error(t, err)
}

func TestNew_RequiresDir(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
