package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok-labs/mcpgatewayd/internal/cache"
	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
)

func testConfig() cache.Config {
	return cache.Config{
		L1:            cache.LayerConfig{MaxEntries: 1000, TTL: 5 * time.Minute},
		L2:            cache.LayerConfig{MaxEntries: 5000, TTL: 30 * time.Minute},
		L3:            cache.LayerConfig{MaxEntries: 10000, TTL: 2 * time.Hour},
		MaxTotalBytes: 16 << 20,
	}
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	t.Parallel()
	c, err := cache.New(testConfig())
	require.NoError(t, err)
	defer c.Close()

	key, err := cache.NewKey(1, "tools/call", map[string]any{"a": 1}, "")
	require.NoError(t, err)

	c.Put(mcptypes.LayerL1Hot, key, "", []byte(`{"result":"ok"}`))

	got, ok := c.Get(mcptypes.LayerL1Hot, key)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"result":"ok"}`), got)
}

func TestCache_MissReturnsFalse(t *testing.T) {
	t.Parallel()
	c, err := cache.New(testConfig())
	require.NoError(t, err)
	defer c.Close()

	key, err := cache.NewKey(1, "tools/call", nil, "")
	require.NoError(t, err)

	_, ok := c.Get(mcptypes.LayerL1Hot, key)
	assert.False(t, ok)
}

func TestCache_KeyDeterministicRegardlessOfArgOrder(t *testing.T) {
	t.Parallel()
	k1, err := cache.NewKey(1, "tools/call", map[string]any{"a": 1, "b": 2}, "")
	require.NoError(t, err)
	k2, err := cache.NewKey(1, "tools/call", map[string]any{"b": 2, "a": 1}, "")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestCache_DifferentNamespaceDifferentKey(t *testing.T) {
	t.Parallel()
	k1, err := cache.NewKey(1, "tools/call", map[string]any{"a": 1}, "tenant-a")
	require.NoError(t, err)
	k2, err := cache.NewKey(1, "tools/call", map[string]any{"a": 1}, "tenant-b")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestCache_InvalidatePrefixRemovesIndexedEntries(t *testing.T) {
	t.Parallel()
	c, err := cache.New(testConfig())
	require.NoError(t, err)
	defer c.Close()

	key, err := cache.NewKey(1, "resources/list", map[string]any{"parent": "/a"}, "")
	require.NoError(t, err)
	c.Put(mcptypes.LayerL2Warm, key, "resources:/a", []byte(`["x","y"]`))

	_, ok := c.Get(mcptypes.LayerL2Warm, key)
	require.True(t, ok)

	c.InvalidatePrefix(mcptypes.LayerL2Warm, "resources:/a")

	_, ok = c.Get(mcptypes.LayerL2Warm, key)
	assert.False(t, ok, "entry must be gone after its prefix is invalidated")
}

func TestCache_InvalidatePrefixRateLimited(t *testing.T) {
	t.Parallel()
	c, err := cache.New(testConfig())
	require.NoError(t, err)
	defer c.Close()

	key, err := cache.NewKey(1, "resources/list", map[string]any{"parent": "/a"}, "")
	require.NoError(t, err)
	c.Put(mcptypes.LayerL2Warm, key, "resources:/a", []byte(`["x"]`))

	for i := 0; i < 10; i++ {
		c.InvalidatePrefix(mcptypes.LayerL2Warm, "resources:/a")
	}

	c.Put(mcptypes.LayerL2Warm, key, "resources:/a", []byte(`["x"]`))
	c.InvalidatePrefix(mcptypes.LayerL2Warm, "resources:/a")
	_, ok := c.Get(mcptypes.LayerL2Warm, key)
	assert.True(t, ok, "burst of invalidations beyond the limiter's burst size must be dropped, not all honored")
}

func TestLayerFor_ClassifiesByMethod(t *testing.T) {
	t.Parallel()
	assert.Equal(t, mcptypes.LayerL1Hot, cache.LayerFor("tools/call"))
	assert.Equal(t, mcptypes.LayerL2Warm, cache.LayerFor("resources/read"))
	assert.Equal(t, mcptypes.LayerL3Cold, cache.LayerFor("prompts/list"))
	assert.Equal(t, mcptypes.LayerL3Cold, cache.LayerFor("tools/list"))
}
