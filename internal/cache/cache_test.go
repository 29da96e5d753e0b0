package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, cfg *Config) *Memory {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.CleanupPeriod = 0 // no background loop in tests
	m := NewMemory(cfg)
	t.Cleanup(m.Close)
	return m
}

func TestGenerateKeyStable(t *testing.T) {
	k1, err := GenerateKey("project-context", "p1", []string{"a", "b"})
	require.NoError(t, err)
	k2, err := GenerateKey("project-context", "p1", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := GenerateKey("project-context", "p2", []string{"a", "b"})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	assert.Contains(t, k1, "project-context:")
}

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", "value", 0))
	val, ok := c.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "value", val)

	stats := c.GetStats(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	require.NoError(t, c.Set(ctx, "short", "v", time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	_, ok := c.Get(ctx, "short")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.GetStats(ctx).Evictions)
}

func TestMemoryEvictsOldestAtCapacity(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxSize = 2
	c := newTestCache(t, cfg)

	require.NoError(t, c.Set(ctx, "a", "1", 0))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, c.Set(ctx, "b", "2", 0))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, c.Set(ctx, "c", "3", 0))

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)
}

func TestDisabledCacheIsNoop(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Enabled = false
	c := newTestCache(t, cfg)

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	require.NoError(t, c.Clear(ctx))
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}
