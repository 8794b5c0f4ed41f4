package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/application/network"
	"github.com/wronai/pactown/internal/application/orchestrator"
	"github.com/wronai/pactown/internal/application/resolver"
	"github.com/wronai/pactown/internal/application/sandbox"
	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/internal/manifest"
	"github.com/wronai/pactown/internal/ports"
	"github.com/wronai/pactown/pkg/adapters/artifact"
	eventsmemory "github.com/wronai/pactown/pkg/adapters/events/memory"
	eventsredis "github.com/wronai/pactown/pkg/adapters/events/redis"
	storememory "github.com/wronai/pactown/pkg/adapters/store/memory"
	storeredis "github.com/wronai/pactown/pkg/adapters/store/redis"
)

// snapshotTTL bounds how long Redis keeps a service state snapshot
// after the last save. Long enough to survive operator pauses, short
// enough that abandoned ecosystems age out.
const snapshotTTL = 24 * time.Hour

// ecosystemRuntime bundles everything a manifest-driven command needs:
// the parsed spec and the fully wired engine with its collaborators.
type ecosystemRuntime struct {
	spec     *domain.EcosystemSpec
	basePath string
	engine   *orchestrator.Engine
	manager  *sandbox.Manager
	registry *network.ServiceRegistry
	store    ports.StateStore
	bus      ports.EventBus

	cleanup []func()
}

func (r *ecosystemRuntime) close() {
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		r.cleanup[i]()
	}
}

// loadManifest parses the ecosystem manifest and returns it together
// with the directory that anchors the manifest's relative paths.
func loadManifest(path string) (*domain.EcosystemSpec, string, error) {
	spec, err := manifest.Load(path)
	if err != nil {
		return nil, "", err
	}
	basePath, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, "", err
	}
	return spec, basePath, nil
}

// sandboxRoot resolves the manifest's sandbox directory against the
// manifest location, so running pactown from another directory still
// finds the same sandboxes.
func sandboxRoot(spec *domain.EcosystemSpec, basePath string) string {
	root := spec.SandboxRoot
	if root == "" {
		root = ".pactown-sandboxes"
	}
	if !filepath.IsAbs(root) {
		root = filepath.Join(basePath, root)
	}
	return root
}

// newAdapters selects the state store and event bus backing a command:
// in-memory by default, Redis when PACTOWN_REDIS is enabled so state
// snapshots survive across invocations and machines.
func newAdapters(ctx context.Context, log *zap.Logger) (ports.StateStore, ports.EventBus, func(), error) {
	if !cfg.Redis.Enabled {
		bus := eventsmemory.NewBus()
		return storememory.NewStore(), bus, func() { _ = bus.Close() }, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, &runtimeError{err: fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Addr, err)}
	}
	log.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	bus := eventsredis.NewStreamsBus(client, "pactown", fmt.Sprintf("pactown-%d", os.Getpid()), log)
	store := storeredis.NewStore(client, snapshotTTL, log)
	closeAll := func() {
		_ = bus.Close()
		_ = client.Close()
	}
	return store, bus, closeAll, nil
}

// buildRuntime loads the manifest and wires the orchestration engine
// with its registry, sandbox manager and persistence adapters. The
// security policy stays out of the local CLI path; it guards the
// multi-tenant runner API.
func buildRuntime(ctx context.Context, manifestPath string, log *zap.Logger) (*ecosystemRuntime, error) {
	spec, basePath, err := loadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	start, end, err := cfg.PortBounds()
	if err != nil {
		return nil, err
	}

	store, bus, closeAdapters, err := newAdapters(ctx, log)
	if err != nil {
		return nil, err
	}

	root := sandboxRoot(spec, basePath)
	allocator := network.NewPortAllocator(start, end)
	registry := network.NewServiceRegistry(root, allocator, log)

	cache, err := sandbox.NewDependencyCache(root, cfg.Cache.MaxEntries, cfg.Cache.MaxAge, ports.NopMetrics{}, log)
	if err != nil {
		closeAdapters()
		return nil, err
	}

	manager, err := sandbox.NewManager(root, registry, cache, store, bus, ports.NopMetrics{}, log,
		cfg.Timeouts.StopGrace, cfg.Timeouts.ProbeHTTP)
	if err != nil {
		closeAdapters()
		return nil, err
	}

	engine := orchestrator.NewEngine(spec, basePath, orchestrator.Deps{
		Resolver:  resolver.New(log),
		Registry:  registry,
		Sandbox:   manager,
		Parser:    artifact.NewParser(),
		Store:     store,
		Bus:       bus,
		Logger:    log,
		StopGrace: cfg.Timeouts.StopGrace,
	})

	return &ecosystemRuntime{
		spec:     spec,
		basePath: basePath,
		engine:   engine,
		manager:  manager,
		registry: registry,
		store:    store,
		bus:      bus,
		cleanup:  []func(){closeAdapters},
	}, nil
}
