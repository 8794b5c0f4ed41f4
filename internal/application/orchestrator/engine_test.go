package orchestrator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/application/resolver"
	"github.com/wronai/pactown/internal/application/sandbox"
	"github.com/wronai/pactown/internal/application/security"
	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/internal/ports"
	artifactparser "github.com/wronai/pactown/pkg/adapters/artifact"
	eventbus "github.com/wronai/pactown/pkg/adapters/events/memory"
	statestore "github.com/wronai/pactown/pkg/adapters/store/memory"
)

// testDirectory plays both registry roles: the sandbox manager's
// endpoint registry and the engine's directory. Fixed endpoints let a
// test point a service's health URL at an httptest server.
type testDirectory struct {
	mu        sync.Mutex
	fixed     map[string]domain.ServiceEndpoint
	nextPort  int
	endpoints map[string]domain.ServiceEndpoint
}

var (
	_ ports.EndpointRegistry = (*testDirectory)(nil)
	_ Directory              = (*testDirectory)(nil)
)

func newTestDirectory() *testDirectory {
	return &testDirectory{
		fixed:     make(map[string]domain.ServiceEndpoint),
		nextPort:  19000,
		endpoints: make(map[string]domain.ServiceEndpoint),
	}
}

func (d *testDirectory) fix(name string, ep domain.ServiceEndpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fixed[name] = ep
}

func (d *testDirectory) Register(name string, preferredPort int, healthCheck string) (domain.ServiceEndpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ep := domain.ServiceEndpoint{Name: name, Host: "127.0.0.1", HealthCheck: healthCheck}
	switch {
	case d.fixed[name].Port != 0:
		ep.Host = d.fixed[name].Host
		ep.Port = d.fixed[name].Port
	case preferredPort != 0:
		ep.Port = preferredPort
	default:
		ep.Port = d.nextPort
		d.nextPort++
	}
	d.endpoints[name] = ep
	return ep, nil
}

func (d *testDirectory) Unregister(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.endpoints, name)
	return nil
}

func (d *testDirectory) Get(name string) (domain.ServiceEndpoint, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ep, ok := d.endpoints[name]
	return ep, ok
}

func (d *testDirectory) EnvironmentFor(_ string, deps []domain.DependencyRef) map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()

	env := make(map[string]string)
	for _, dep := range deps {
		if dep.External() {
			env[dep.URLVar()] = dep.Endpoint
			continue
		}
		if ep, ok := d.endpoints[dep.Name]; ok {
			prefix := domain.EnvName(dep.Name)
			env[dep.URLVar()] = ep.URL()
			env[prefix+"_HOST"] = ep.Host
			env[prefix+"_PORT"] = strconv.Itoa(ep.Port)
		}
	}
	return env
}

func (d *testDirectory) Reconcile(alive func(name string) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name := range d.endpoints {
		if !alive(name) {
			delete(d.endpoints, name)
		}
	}
}

func (d *testDirectory) has(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.endpoints[name]
	return ok
}

func healthyEndpoint(t *testing.T) domain.ServiceEndpoint {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return domain.ServiceEndpoint{Host: u.Hostname(), Port: port, HealthCheck: "/health"}
}

func deadEndpoint(t *testing.T) domain.ServiceEndpoint {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return domain.ServiceEndpoint{Host: "127.0.0.1", Port: port, HealthCheck: "/health"}
}

// writeArtifact drops a minimal annotated README for one service under
// base.
func writeArtifact(t *testing.T, base, name, run string) {
	t.Helper()
	dir := filepath.Join(base, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := fmt.Sprintf("# %s\n\n```bash pactown:run\n%s\n```\n", name, run)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte(content), 0o644))
}

func service(name string, deps ...string) domain.ServiceSpec {
	svc := domain.ServiceSpec{
		Name:        name,
		Artifact:    name + "/README.md",
		HealthCheck: "/health",
		Timeout:     5 * time.Second,
	}
	for _, dep := range deps {
		svc.DependsOn = append(svc.DependsOn, domain.DependencyRef{Name: dep})
	}
	return svc
}

type engineFixture struct {
	engine    *Engine
	directory *testDirectory
	manager   *sandbox.Manager
	store     *statestore.Store
	bus       *eventbus.Bus
}

func newTestEngine(t *testing.T, spec *domain.EcosystemSpec, base string, dir *testDirectory, policy *security.Policy) *engineFixture {
	t.Helper()
	root := t.TempDir()
	cache, err := sandbox.NewDependencyCache(root, 0, 0, ports.NopMetrics{}, zap.NewNop())
	require.NoError(t, err)

	store := statestore.NewStore()
	bus := eventbus.NewBus()
	t.Cleanup(func() { bus.Close() })

	manager, err := sandbox.NewManager(root, dir, cache, store, bus, ports.NopMetrics{}, zap.NewNop(), 500*time.Millisecond, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { manager.StopAll(context.Background()) })

	engine := NewEngine(spec, base, Deps{
		Resolver:  resolver.New(zap.NewNop()),
		Registry:  dir,
		Sandbox:   manager,
		Policy:    policy,
		Parser:    artifactparser.NewParser(),
		Store:     store,
		Bus:       bus,
		Logger:    zap.NewNop(),
		StopGrace: 500 * time.Millisecond,
	})
	return &engineFixture{engine: engine, directory: dir, manager: manager, store: store, bus: bus}
}

func newTestPolicy(t *testing.T) *security.Policy {
	t.Helper()
	anomalies := security.NewAnomalyLogger(filepath.Join(t.TempDir(), "anomalies.jsonl"), 100, nil, zap.NewNop())
	monitor := security.NewResourceMonitor(100, 100, time.Minute)
	return security.NewPolicy(anomalies, monitor, nil, zap.NewNop())
}

// collectEvents subscribes to the lifecycle topic and returns an
// accessor for the events seen so far.
func collectEvents(t *testing.T, bus *eventbus.Bus) func() []ports.Event {
	t.Helper()
	var mu sync.Mutex
	var events []ports.Event
	err := bus.Subscribe(context.Background(), ports.TopicLifecycle, func(_ context.Context, e ports.Event) error {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return func() []ports.Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]ports.Event, len(events))
		copy(out, events)
		return out
	}
}

func TestUpStartsServicesInDependencyOrder(t *testing.T) {
	base := t.TempDir()
	writeArtifact(t, base, "db", "sleep 30")
	writeArtifact(t, base, "api", "sleep 30")

	spec := &domain.EcosystemSpec{
		Name: "shop",
		// Declared out of dependency order on purpose.
		Services: []domain.ServiceSpec{service("api", "db"), service("db")},
	}

	dir := newTestDirectory()
	dir.fix("db", healthyEndpoint(t))
	dir.fix("api", healthyEndpoint(t))

	fx := newTestEngine(t, spec, base, dir, nil)
	events := collectEvents(t, fx.bus)

	require.NoError(t, fx.engine.Up(context.Background(), UpOptions{Workers: 1}))

	assert.True(t, fx.manager.Running("db"))
	assert.True(t, fx.manager.Running("api"))

	// The dependent's sandbox got the dependency's endpoint.
	envData, err := os.ReadFile(filepath.Join(fx.manager.Dir("api"), ".env"))
	require.NoError(t, err)
	assert.Contains(t, string(envData), "DB_URL=")
	assert.Contains(t, string(envData), "DB_PORT=")

	require.Eventually(t, func() bool {
		for _, e := range events() {
			if e.Type == ports.EventEcosystemUp {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	var starting []string
	for _, e := range events() {
		if e.Type == ports.EventServiceStarting {
			starting = append(starting, e.Service)
		}
	}
	assert.Equal(t, []string{"db", "api"}, starting)

	require.Empty(t, fx.engine.Down(context.Background()))
}

func TestUpParallelWavesRespectDependencies(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"db", "cache", "api"} {
		writeArtifact(t, base, name, "sleep 30")
	}

	spec := &domain.EcosystemSpec{
		Name:     "shop",
		Services: []domain.ServiceSpec{service("db"), service("cache"), service("api", "db", "cache")},
	}

	dir := newTestDirectory()
	for _, name := range []string{"db", "cache", "api"} {
		dir.fix(name, healthyEndpoint(t))
	}

	fx := newTestEngine(t, spec, base, dir, nil)
	events := collectEvents(t, fx.bus)

	require.NoError(t, fx.engine.Up(context.Background(), UpOptions{Workers: 4}))

	for _, name := range []string{"db", "cache", "api"} {
		assert.True(t, fx.manager.Running(name), "%s should be running", name)
	}

	require.Eventually(t, func() bool {
		started := 0
		for _, e := range events() {
			if e.Type == ports.EventServiceStarted {
				started++
			}
		}
		return started == 3
	}, 2*time.Second, 10*time.Millisecond)

	// The dependent never starts before its whole wave finished.
	var apiStarting, dbStarted, cacheStarted int
	for i, e := range events() {
		switch {
		case e.Type == ports.EventServiceStarting && e.Service == "api":
			apiStarting = i
		case e.Type == ports.EventServiceStarted && e.Service == "db":
			dbStarted = i
		case e.Type == ports.EventServiceStarted && e.Service == "cache":
			cacheStarted = i
		}
	}
	assert.Greater(t, apiStarting, dbStarted)
	assert.Greater(t, apiStarting, cacheStarted)

	require.Empty(t, fx.engine.Down(context.Background()))
}

func TestUpRollsBackStartedServicesOnFailure(t *testing.T) {
	base := t.TempDir()
	writeArtifact(t, base, "db", "sleep 30")
	writeArtifact(t, base, "api", "exit 7")

	spec := &domain.EcosystemSpec{
		Name:     "shop",
		Services: []domain.ServiceSpec{service("db"), service("api", "db")},
	}

	dir := newTestDirectory()
	dir.fix("db", healthyEndpoint(t))
	dir.fix("api", deadEndpoint(t))

	fx := newTestEngine(t, spec, base, dir, nil)

	err := fx.engine.Up(context.Background(), UpOptions{Workers: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api")

	var exitErr *domain.ProcessExitedError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 7, exitErr.ExitCode)

	// The failed start rolled the already-running dependency back.
	assert.False(t, fx.manager.Running("db"))
	assert.False(t, fx.manager.Running("api"))
	assert.False(t, dir.has("db"))
	assert.False(t, dir.has("api"))
}

func TestUpFailsOnDependencyCycle(t *testing.T) {
	base := t.TempDir()
	spec := &domain.EcosystemSpec{
		Name:     "loop",
		Services: []domain.ServiceSpec{service("a", "b"), service("b", "a")},
	}

	fx := newTestEngine(t, spec, base, newTestDirectory(), nil)

	err := fx.engine.Up(context.Background(), UpOptions{})
	var cycleErr *domain.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Empty(t, fx.manager.List())
}

func TestUpDeniedByPolicy(t *testing.T) {
	base := t.TempDir()
	writeArtifact(t, base, "web", "sleep 30")

	spec := &domain.EcosystemSpec{
		Name:     "solo",
		Services: []domain.ServiceSpec{service("web")},
	}

	policy := newTestPolicy(t)
	policy.Block("local", "abuse report")

	dir := newTestDirectory()
	dir.fix("web", healthyEndpoint(t))
	fx := newTestEngine(t, spec, base, dir, policy)
	events := collectEvents(t, fx.bus)

	err := fx.engine.Up(context.Background(), UpOptions{Workers: 1})
	var denied *domain.PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Contains(t, denied.Reason, "abuse report")
	assert.False(t, fx.manager.Running("web"))

	require.Eventually(t, func() bool {
		for _, e := range events() {
			if e.Type == ports.EventPolicyDenied && e.Service == "web" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	recent := policy.Anomalies().Recent(5)
	require.NotEmpty(t, recent)
	assert.Equal(t, domain.AnomalyUnauthorizedAccess, recent[0].Type)
}

func TestRestartReplacesProcess(t *testing.T) {
	base := t.TempDir()
	writeArtifact(t, base, "web", "sleep 30")

	spec := &domain.EcosystemSpec{
		Name:     "solo",
		Services: []domain.ServiceSpec{service("web")},
	}

	dir := newTestDirectory()
	dir.fix("web", healthyEndpoint(t))
	fx := newTestEngine(t, spec, base, dir, nil)

	require.NoError(t, fx.engine.Up(context.Background(), UpOptions{Workers: 1}))
	before, ok := fx.manager.Status("web")
	require.True(t, ok)
	require.NotZero(t, before.PID)

	require.NoError(t, fx.engine.Restart(context.Background(), "web"))
	after, ok := fx.manager.Status("web")
	require.True(t, ok)
	assert.Equal(t, domain.StateRunning, after.State)
	assert.NotEqual(t, before.PID, after.PID)

	require.Empty(t, fx.engine.Down(context.Background()))
}

func TestRestartUnknownService(t *testing.T) {
	spec := &domain.EcosystemSpec{Name: "solo", Services: []domain.ServiceSpec{service("web")}}
	fx := newTestEngine(t, spec, t.TempDir(), newTestDirectory(), nil)

	err := fx.engine.Restart(context.Background(), "ghost")
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestStatusReflectsLifecycle(t *testing.T) {
	base := t.TempDir()
	writeArtifact(t, base, "web", "sleep 30")

	spec := &domain.EcosystemSpec{
		Name:     "solo",
		Services: []domain.ServiceSpec{service("web")},
	}

	dir := newTestDirectory()
	dir.fix("web", healthyEndpoint(t))
	fx := newTestEngine(t, spec, base, dir, nil)
	ctx := context.Background()

	rows := fx.engine.Status(ctx)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.SandboxState(""), rows[0].State)
	assert.Nil(t, rows[0].Healthy)

	require.NoError(t, fx.engine.Up(ctx, UpOptions{Workers: 1}))
	rows = fx.engine.Status(ctx)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.StateRunning, rows[0].State)
	assert.NotZero(t, rows[0].PID)
	require.NotNil(t, rows[0].Healthy)
	assert.True(t, *rows[0].Healthy)

	require.Empty(t, fx.engine.Down(ctx))
	rows = fx.engine.Status(ctx)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.StateDead, rows[0].State)
	assert.Nil(t, rows[0].Healthy)
}

func TestDownStopsDetachedProcess(t *testing.T) {
	base := t.TempDir()
	spec := &domain.EcosystemSpec{
		Name:     "solo",
		Services: []domain.ServiceSpec{service("web")},
	}

	fx := newTestEngine(t, spec, base, newTestDirectory(), nil)
	ctx := context.Background()

	// A process from a previous run: alive, but supervised by nobody.
	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	require.NoError(t, cmd.Start())
	go func() { _ = cmd.Wait() }()
	pid := cmd.Process.Pid

	require.NoError(t, fx.store.Save(ctx, "web", domain.ServiceState{
		Name:  "web",
		State: domain.StateRunning,
		PID:   pid,
	}))

	require.Empty(t, fx.engine.Down(ctx))

	require.Eventually(t, func() bool {
		return !sandbox.PIDAlive(pid)
	}, 5*time.Second, 50*time.Millisecond)

	exists, err := fx.store.Exists(ctx, "web")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReconcileDropsDeadEndpoints(t *testing.T) {
	spec := &domain.EcosystemSpec{
		Name:     "solo",
		Services: []domain.ServiceSpec{service("web"), service("ghost")},
	}
	dir := newTestDirectory()
	fx := newTestEngine(t, spec, t.TempDir(), dir, nil)
	ctx := context.Background()

	_, err := dir.Register("web", 0, "/health")
	require.NoError(t, err)
	_, err = dir.Register("ghost", 0, "/health")
	require.NoError(t, err)

	// web has a live snapshot (our own PID is always alive), ghost has
	// nothing behind it.
	require.NoError(t, fx.store.Save(ctx, "web", domain.ServiceState{
		Name:  "web",
		State: domain.StateRunning,
		PID:   os.Getpid(),
	}))

	fx.engine.Reconcile(ctx)

	assert.True(t, dir.has("web"))
	assert.False(t, dir.has("ghost"))
}

func TestPlanOrdersAndGroups(t *testing.T) {
	spec := &domain.EcosystemSpec{
		Name:     "shop",
		Services: []domain.ServiceSpec{service("api", "db", "cache"), service("cache"), service("db")},
	}
	fx := newTestEngine(t, spec, t.TempDir(), newTestDirectory(), nil)

	plan, err := fx.engine.Plan()
	require.NoError(t, err)
	assert.Equal(t, []string{"cache", "db", "api"}, plan.Order)
	require.Len(t, plan.Waves, 2)
	assert.ElementsMatch(t, []string{"db", "cache"}, plan.Waves[0])
	assert.Equal(t, []string{"api"}, plan.Waves[1])
}
