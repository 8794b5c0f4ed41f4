package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/internal/ports"
)

const (
	// depsMarker lists the dependency set an environment was built for.
	depsMarker = ".deps"

	// envLinkName is where a sandbox links its cached environment.
	envLinkName = ".deps-env"

	defaultMaxEntries = 20
	defaultMaxAge     = 24 * time.Hour
)

// CacheStats is a point-in-time summary of cache effectiveness.
type CacheStats struct {
	Entries int     `json:"entries"`
	InUse   int     `json:"in_use"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// DependencyCache shares prepared dependency environments between
// sandboxes that declare the same dependency set. Entries live under
// <sandbox_root>/.cache/envs/<shortHash>/ and survive restarts; the
// in-memory index is rebuilt from the marker files on construction.
type DependencyCache struct {
	dir        string
	maxEntries int
	maxAge     time.Duration
	metrics    ports.MetricsCollector
	logger     *zap.Logger

	mu      sync.Mutex
	entries map[string]*domain.CachedEnv
	hits    int64
	misses  int64
}

// NewDependencyCache opens (or creates) the cache directory under
// sandboxRoot and rebuilds the index from the environments found there.
// Recovered entries start with a zero ref count.
func NewDependencyCache(sandboxRoot string, maxEntries int, maxAge time.Duration, metrics ports.MetricsCollector, logger *zap.Logger) (*DependencyCache, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	dir := filepath.Join(sandboxRoot, ".cache", "envs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &DependencyCache{
		dir:        dir,
		maxEntries: maxEntries,
		maxAge:     maxAge,
		metrics:    metrics,
		logger:     logger,
		entries:    make(map[string]*domain.CachedEnv),
	}
	c.load()
	return c, nil
}

// HashDeps returns the cache key for a dependency list: the SHA-256 of
// the newline-joined sorted list. Declaration order never changes it.
func HashDeps(deps []string) string {
	sorted := make([]string, len(deps))
	copy(sorted, deps)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// shortHash is the directory name for a cache entry.
func shortHash(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}

// GetOrCreate returns the environment for the dependency set, preparing
// it on disk when no sandbox has declared the set before. The returned
// entry's ref count includes the caller; pair with Release.
func (c *DependencyCache) GetOrCreate(deps []string) (domain.CachedEnv, error) {
	hash := HashDeps(deps)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[hash]; ok {
		if _, err := os.Stat(entry.Path); err == nil {
			entry.RefCount++
			entry.LastUsed = time.Now()
			c.hits++
			c.metrics.RecordCacheLookup(true)
			c.logger.Debug("dependency cache hit",
				zap.String("hash", shortHash(hash)),
				zap.Int("ref_count", entry.RefCount))
			return *entry, nil
		}
		// Directory vanished underneath us; rebuild below.
		delete(c.entries, hash)
	}

	c.misses++
	c.metrics.RecordCacheLookup(false)
	c.evictLocked(time.Now())

	path := filepath.Join(c.dir, shortHash(hash))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return domain.CachedEnv{}, fmt.Errorf("failed to create cached environment: %w", err)
	}

	sorted := make([]string, len(deps))
	copy(sorted, deps)
	sort.Strings(sorted)
	if err := os.WriteFile(filepath.Join(path, depsMarker), []byte(strings.Join(sorted, "\n")), 0o644); err != nil {
		return domain.CachedEnv{}, fmt.Errorf("failed to write dependency marker: %w", err)
	}

	now := time.Now()
	entry := &domain.CachedEnv{
		Hash:      hash,
		Path:      path,
		Deps:      sorted,
		CreatedAt: now,
		LastUsed:  now,
		RefCount:  1,
	}
	c.entries[hash] = entry
	c.metrics.SetCachedEnvs(len(c.entries))
	c.logger.Debug("dependency cache miss",
		zap.String("hash", shortHash(hash)),
		zap.Int("deps", len(sorted)))
	return *entry, nil
}

// Release drops one reference on the entry. The ref count never goes
// below zero; releasing an unknown hash is a no-op.
func (c *DependencyCache) Release(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[hash]
	if !ok {
		return
	}
	if entry.RefCount > 0 {
		entry.RefCount--
	}
	entry.LastUsed = time.Now()
}

// Link places the cached environment into the sandbox at .deps-env.
// A symbolic link is preferred; when the filesystem refuses one the
// environment is copied instead.
func (c *DependencyCache) Link(env domain.CachedEnv, sandboxDir string) error {
	target := filepath.Join(sandboxDir, envLinkName)
	_ = os.RemoveAll(target)

	abs, err := filepath.Abs(env.Path)
	if err != nil {
		abs = env.Path
	}
	if err := os.Symlink(abs, target); err == nil {
		return nil
	}

	c.logger.Debug("symlink unavailable, copying cached environment",
		zap.String("hash", shortHash(env.Hash)))
	if err := copyTree(env.Path, target); err != nil {
		return fmt.Errorf("failed to copy cached environment: %w", err)
	}
	return nil
}

// Stats reports cache effectiveness counters.
func (c *DependencyCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	inUse := 0
	for _, e := range c.entries {
		if e.InUse() {
			inUse++
		}
	}
	stats := CacheStats{
		Entries: len(c.entries),
		InUse:   inUse,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// Entries returns a snapshot of every cached environment.
func (c *DependencyCache) Entries() []domain.CachedEnv {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.CachedEnv, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// evictLocked removes idle entries that are expired, then trims the
// cache back under maxEntries in oldest-created-first order. Entries
// still referenced by a sandbox are never removed, so the cache may
// exceed its nominal limit while everything is in use.
func (c *DependencyCache) evictLocked(now time.Time) {
	for hash, entry := range c.entries {
		if entry.InUse() {
			continue
		}
		if now.Sub(entry.CreatedAt) > c.maxAge {
			c.removeLocked(hash, "expired")
		}
	}

	if len(c.entries) < c.maxEntries {
		return
	}

	idle := make([]*domain.CachedEnv, 0, len(c.entries))
	for _, entry := range c.entries {
		if !entry.InUse() {
			idle = append(idle, entry)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].CreatedAt.Before(idle[j].CreatedAt) })

	for _, entry := range idle {
		if len(c.entries) < c.maxEntries {
			break
		}
		c.removeLocked(entry.Hash, "capacity")
	}
}

func (c *DependencyCache) removeLocked(hash, reason string) {
	entry, ok := c.entries[hash]
	if !ok {
		return
	}
	if err := os.RemoveAll(entry.Path); err != nil {
		c.logger.Warn("failed to remove cached environment",
			zap.String("hash", shortHash(hash)),
			zap.Error(err))
	}
	delete(c.entries, hash)
	c.metrics.SetCachedEnvs(len(c.entries))
	c.logger.Debug("evicted cached environment",
		zap.String("hash", shortHash(hash)),
		zap.String("reason", reason))
}

// load rebuilds the index from the marker files on disk.
func (c *DependencyCache) load() {
	dirs, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, d.Name())
		raw, err := os.ReadFile(filepath.Join(path, depsMarker))
		if err != nil {
			continue
		}
		var deps []string
		if len(raw) > 0 {
			deps = strings.Split(strings.TrimSpace(string(raw)), "\n")
		}
		hash := HashDeps(deps)
		if shortHash(hash) != d.Name() {
			c.logger.Warn("cached environment does not match its marker, ignoring",
				zap.String("dir", d.Name()))
			continue
		}
		created := time.Now()
		if info, err := d.Info(); err == nil {
			created = info.ModTime()
		}
		c.entries[hash] = &domain.CachedEnv{
			Hash:      hash,
			Path:      path,
			Deps:      deps,
			CreatedAt: created,
			LastUsed:  created,
		}
	}
	c.metrics.SetCachedEnvs(len(c.entries))
	if len(c.entries) > 0 {
		c.logger.Info("recovered dependency cache",
			zap.Int("entries", len(c.entries)))
	}
}

// copyTree duplicates a directory tree, following the top-level layout
// byte-exact. Used when symlinks are unavailable.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}
