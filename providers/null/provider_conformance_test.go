package null

import (
	"context"
	"testing"

	"github.com/picklr-io/pantry/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Provider conformance: Load -> Unload, repeated loads are independent,
// and foreign payloads are rejected.
func TestConformance_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	p := New()
	key := ir.ResourceKey{Name: "hero", OwnerPackage: "characters", TargetType: "Prefab"}

	// 1. Load
	first, err := p.Load(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, key, first.(*Payload).Key)

	// 2. Load again yields a distinct payload
	second, err := p.Load(ctx, key)
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	// 3. Unload both
	require.NoError(t, p.Unload(first))
	require.NoError(t, p.Unload(second))
	assert.Equal(t, 2, p.Unloads("hero"))

	// 4. Foreign payload
	assert.Error(t, p.Unload("not-a-payload"))
}
