package sandbox

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/ports"
)

func newTestCache(t *testing.T, maxEntries int, maxAge time.Duration) *DependencyCache {
	t.Helper()
	c, err := NewDependencyCache(t.TempDir(), maxEntries, maxAge, ports.NopMetrics{}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestHashDepsIgnoresOrder(t *testing.T) {
	deps := []string{"fastapi==0.100", "uvicorn", "redis>=5", "pyyaml"}

	want := HashDeps(deps)
	for i := 0; i < 50; i++ {
		shuffled := make([]string, len(deps))
		copy(shuffled, deps)
		rand.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, HashDeps(shuffled))
	}
}

func TestHashDepsDistinguishesSets(t *testing.T) {
	assert.NotEqual(t, HashDeps([]string{"a", "b"}), HashDeps([]string{"a", "c"}))
	assert.NotEqual(t, HashDeps([]string{"a"}), HashDeps(nil))
}

func TestGetOrCreateMissThenHit(t *testing.T) {
	c := newTestCache(t, 0, 0)

	first, err := c.GetOrCreate([]string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.RefCount)
	assert.DirExists(t, first.Path)

	marker, err := os.ReadFile(filepath.Join(first.Path, depsMarker))
	require.NoError(t, err)
	assert.Equal(t, "x\ny", string(marker))

	// Shuffled declaration order lands on the same environment.
	second, err := c.GetOrCreate([]string{"y", "x"})
	require.NoError(t, err)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, 2, second.RefCount)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	c := newTestCache(t, 0, 0)

	env, err := c.GetOrCreate([]string{"solo"})
	require.NoError(t, err)

	c.Release(env.Hash)
	c.Release(env.Hash)
	c.Release("no-such-hash")

	entries := c.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].RefCount)
}

func TestEvictionSkipsEntriesInUse(t *testing.T) {
	c := newTestCache(t, 2, 0)

	inUse, err := c.GetOrCreate([]string{"held"})
	require.NoError(t, err)

	idle, err := c.GetOrCreate([]string{"idle"})
	require.NoError(t, err)
	c.Release(idle.Hash)

	// The third set forces an eviction sweep; only the idle entry may go.
	_, err = c.GetOrCreate([]string{"fresh"})
	require.NoError(t, err)

	assert.DirExists(t, inUse.Path)
	assert.NoDirExists(t, idle.Path)
	assert.Equal(t, 2, c.Stats().Entries)
}

func TestEvictionGrowsPastLimitWhenAllInUse(t *testing.T) {
	c := newTestCache(t, 2, 0)

	for _, deps := range [][]string{{"a"}, {"b"}, {"c"}} {
		_, err := c.GetOrCreate(deps)
		require.NoError(t, err)
	}

	// Every entry is referenced, so nothing was evicted.
	assert.Equal(t, 3, c.Stats().Entries)
}

func TestEvictionRemovesExpiredIdleEntries(t *testing.T) {
	c := newTestCache(t, 20, time.Nanosecond)

	old, err := c.GetOrCreate([]string{"stale"})
	require.NoError(t, err)
	c.Release(old.Hash)

	time.Sleep(5 * time.Millisecond)

	_, err = c.GetOrCreate([]string{"new"})
	require.NoError(t, err)

	assert.NoDirExists(t, old.Path)
}

func TestCacheRecoversFromDisk(t *testing.T) {
	root := t.TempDir()
	logger := zap.NewNop()

	c1, err := NewDependencyCache(root, 0, 0, ports.NopMetrics{}, logger)
	require.NoError(t, err)
	env, err := c1.GetOrCreate([]string{"p", "q"})
	require.NoError(t, err)

	c2, err := NewDependencyCache(root, 0, 0, ports.NopMetrics{}, logger)
	require.NoError(t, err)

	recovered, err := c2.GetOrCreate([]string{"q", "p"})
	require.NoError(t, err)
	assert.Equal(t, env.Path, recovered.Path)
	assert.Equal(t, int64(1), c2.Stats().Hits, "recovered entry serves as a hit")
}

func TestLinkPlacesEnvironmentInSandbox(t *testing.T) {
	c := newTestCache(t, 0, 0)
	sandbox := t.TempDir()

	env, err := c.GetOrCreate([]string{"linked"})
	require.NoError(t, err)
	require.NoError(t, c.Link(env, sandbox))

	linked := filepath.Join(sandbox, envLinkName)
	marker, err := os.ReadFile(filepath.Join(linked, depsMarker))
	require.NoError(t, err)
	assert.Equal(t, "linked", string(marker))
}

func TestCopyTreeFallback(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "f.txt"), []byte("data"), 0o644))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, copyTree(src, dst))

	got, err := os.ReadFile(filepath.Join(dst, "nested", "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}
