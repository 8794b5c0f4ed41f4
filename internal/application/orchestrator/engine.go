package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/application/resolver"
	"github.com/wronai/pactown/internal/application/sandbox"
	"github.com/wronai/pactown/internal/application/security"
	"github.com/wronai/pactown/internal/application/workers"
	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/internal/ports"
)

// defaultUserID attributes starts that carry no tenant, such as local
// CLI runs, to a single shared profile.
const defaultUserID = "local"

// Directory is the endpoint registry surface the engine drives:
// environment composition for dependents, lookup for status probes,
// withdrawal during detached teardown, and crash reconciliation. The
// network service registry satisfies it.
type Directory interface {
	Get(name string) (domain.ServiceEndpoint, bool)
	Unregister(name string) error
	EnvironmentFor(service string, deps []domain.DependencyRef) map[string]string
	Reconcile(alive func(name string) bool)
}

// Deps bundles the collaborators an Engine drives. Policy and Store
// are optional.
type Deps struct {
	Resolver *resolver.Resolver
	Registry Directory
	Sandbox  *sandbox.Manager
	Policy   *security.Policy
	Parser   ports.ArtifactParser
	Store    ports.StateStore
	Bus      ports.EventBus
	Logger   *zap.Logger

	// StopGrace bounds how long a stale process from a previous run
	// gets between SIGTERM and SIGKILL.
	StopGrace time.Duration
}

// Engine drives one ecosystem end to end: ordered start-up, reverse
// teardown, restarts and status aggregation. All lifecycle work is
// delegated; the engine owns only the coordination.
type Engine struct {
	spec     *domain.EcosystemSpec
	basePath string

	resolver  *resolver.Resolver
	registry  Directory
	sandbox   *sandbox.Manager
	policy    *security.Policy
	parser    ports.ArtifactParser
	store     ports.StateStore
	bus       ports.EventBus
	logger    *zap.Logger
	stopGrace time.Duration

	probe *http.Client

	mu        sync.Mutex
	artifacts map[string]*domain.Artifact
}

// NewEngine creates an engine for one ecosystem. basePath anchors the
// relative artifact paths of the manifest, normally the directory the
// manifest was loaded from.
func NewEngine(spec *domain.EcosystemSpec, basePath string, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	grace := deps.StopGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Engine{
		spec:      spec,
		basePath:  basePath,
		resolver:  deps.Resolver,
		registry:  deps.Registry,
		sandbox:   deps.Sandbox,
		policy:    deps.Policy,
		parser:    deps.Parser,
		store:     deps.Store,
		bus:       deps.Bus,
		logger:    logger,
		stopGrace: grace,
		probe:     &http.Client{Timeout: 5 * time.Second},
		artifacts: make(map[string]*domain.Artifact),
	}
}

// Spec returns the ecosystem the engine drives.
func (e *Engine) Spec() *domain.EcosystemSpec {
	return e.spec
}

// Sandbox exposes the sandbox manager for API consumers that need
// per-service operations like logs and endpoint tests.
func (e *Engine) Sandbox() *sandbox.Manager {
	return e.sandbox
}

// Start wires the engine's background bookkeeping: when a service dies
// on its own, its policy slot is released. One-shot commands can skip
// it; long-running processes should call it once.
func (e *Engine) Start(ctx context.Context) error {
	if e.policy == nil || e.bus == nil {
		return nil
	}
	return e.bus.Subscribe(ctx, ports.TopicLifecycle, func(_ context.Context, event ports.Event) error {
		if event.Type != ports.EventServiceExited {
			return nil
		}
		if svc := e.spec.Service(event.Service); svc != nil {
			e.policy.UnregisterStop(userFor(svc), event.Service)
		}
		return nil
	})
}

// Plan is the computed start order of the ecosystem.
type Plan struct {
	// Order lists every service in start order.
	Order []string
	// Waves groups the order into dependency levels; services inside
	// one wave are mutually independent.
	Waves [][]string
}

// Plan resolves the ecosystem's dependency graph without starting
// anything.
func (e *Engine) Plan() (*Plan, error) {
	order, err := e.resolver.Order(e.spec)
	if err != nil {
		return nil, err
	}
	waves, err := e.resolver.Levels(e.spec)
	if err != nil {
		return nil, err
	}
	return &Plan{Order: order, Waves: waves}, nil
}

// UpOptions tune one Up run.
type UpOptions struct {
	// Workers caps parallel starts inside one dependency wave. Values
	// below two start every service sequentially in topological order.
	Workers int

	// SkipHealth starts services without waiting for health probes.
	SkipHealth bool
}

// Up starts every service of the ecosystem in dependency order. When
// any start fails, the services already started are stopped again in
// reverse order and the first error is returned.
func (e *Engine) Up(ctx context.Context, opts UpOptions) error {
	plan, err := e.Plan()
	if err != nil {
		return err
	}

	waves := plan.Waves
	if opts.Workers <= 1 {
		waves = make([][]string, 0, len(plan.Order))
		for _, name := range plan.Order {
			waves = append(waves, []string{name})
		}
	}

	e.logger.Info("starting ecosystem",
		zap.String("ecosystem", e.spec.Name),
		zap.Strings("order", plan.Order),
		zap.Int("workers", opts.Workers))

	began := time.Now()
	var mu sync.Mutex
	started := make(map[string]bool, len(plan.Order))

	pool := workers.NewPool(opts.Workers, e.logger)
	_, err = pool.RunWaves(ctx, waves, func(ctx context.Context, name string) error {
		if err := e.startService(ctx, name, opts.SkipHealth); err != nil {
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		mu.Lock()
		started[name] = true
		mu.Unlock()
		return nil
	})
	if err != nil {
		e.logger.Error("ecosystem start failed, stopping started services",
			zap.String("ecosystem", e.spec.Name),
			zap.Error(err))
		e.rollback(plan.Order, started)
		return err
	}

	e.publish(ctx, ports.EventEcosystemUp, "", map[string]interface{}{
		"services":    len(plan.Order),
		"duration_ms": time.Since(began).Milliseconds(),
	})
	e.logger.Info("ecosystem up",
		zap.String("ecosystem", e.spec.Name),
		zap.Int("services", len(plan.Order)),
		zap.Duration("took", time.Since(began)))
	return nil
}

// rollback stops the started subset in reverse start order. Teardown
// uses a fresh context: the run context may already be cancelled.
func (e *Engine) rollback(order []string, started map[string]bool) {
	ctx := context.Background()
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if !started[name] {
			continue
		}
		if err := e.stopOne(ctx, name); err != nil {
			e.logger.Error("rollback stop failed",
				zap.String("service", name),
				zap.Error(err))
		}
	}
}

// startService runs the full per-service start pipeline: admission,
// artifact load, dependency environment, sandbox launch, accounting.
func (e *Engine) startService(ctx context.Context, name string, skipHealth bool) error {
	svc := e.spec.Service(name)
	if svc == nil {
		return &domain.ConfigError{Reason: fmt.Sprintf("unknown service %q", name)}
	}
	user := userFor(svc)

	if e.policy != nil {
		decision := e.policy.CheckCanStart(user, name, svc.Port)
		if !decision.Allowed {
			e.publish(ctx, ports.EventPolicyDenied, name, map[string]interface{}{
				"user":   user,
				"reason": decision.Reason,
			})
			return &domain.PolicyDeniedError{UserID: user, Reason: decision.Reason, Delay: decision.Delay}
		}
		if decision.Delay > 0 {
			e.logger.Warn("start throttled",
				zap.String("service", name),
				zap.Duration("delay", decision.Delay))
			select {
			case <-time.After(decision.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	artifact, err := e.artifact(svc)
	if err != nil {
		return err
	}
	env := e.registry.EnvironmentFor(name, svc.DependsOn)

	if skipHealth {
		_, err = e.sandbox.Launch(ctx, *svc, artifact, env)
	} else {
		_, err = e.sandbox.Run(ctx, *svc, artifact, env)
	}
	if err != nil {
		return err
	}

	if e.policy != nil {
		e.policy.RegisterStart(user, name)
	}
	return nil
}

// Down stops every service in reverse dependency order. Teardown is
// best effort: a failing stop is recorded and the sweep continues.
func (e *Engine) Down(ctx context.Context) []error {
	order, err := e.resolver.Order(e.spec)
	if err != nil {
		// A manifest that no longer resolves can still be torn down.
		order = e.spec.ServiceNames()
	}

	e.logger.Info("stopping ecosystem",
		zap.String("ecosystem", e.spec.Name),
		zap.Int("services", len(order)))

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := e.stopOne(ctx, order[i]); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop %s: %w", order[i], err))
		}
	}

	e.publish(ctx, ports.EventEcosystemDown, "", map[string]interface{}{
		"services": len(order),
		"errors":   len(errs),
	})
	return errs
}

// Restart stops one service and starts it again with the same spec.
// The sandbox manager serializes the teardown against the new start,
// so the port rebinds only after the old process group is gone.
func (e *Engine) Restart(ctx context.Context, name string) error {
	svc := e.spec.Service(name)
	if svc == nil {
		return &domain.ConfigError{Reason: fmt.Sprintf("unknown service %q", name)}
	}

	e.logger.Info("restarting service", zap.String("service", name))
	if err := e.stopOne(ctx, name); err != nil {
		return err
	}
	return e.startService(ctx, name, false)
}

// stopOne stops a service wherever it lives: a supervised sandbox
// instance, or a detached process left behind by a previous run and
// known only through the persisted snapshot.
func (e *Engine) stopOne(ctx context.Context, name string) error {
	if svc := e.spec.Service(name); svc != nil && e.policy != nil {
		defer e.policy.UnregisterStop(userFor(svc), name)
	}

	if e.sandbox.Running(name) {
		return e.sandbox.Stop(ctx, name)
	}
	return e.stopDetached(ctx, name)
}

// stopDetached kills a process this engine never supervised, using the
// PID persisted by the run that did.
func (e *Engine) stopDetached(ctx context.Context, name string) error {
	if e.store == nil {
		return nil
	}
	state, err := e.store.Load(ctx, name)
	if err != nil {
		if errors.Is(err, ports.ErrStateNotFound) {
			return nil
		}
		return err
	}

	if state.State == domain.StateRunning && sandbox.PIDAlive(state.PID) {
		e.logger.Info("stopping detached service",
			zap.String("service", name),
			zap.Int("pid", state.PID))
		if err := sandbox.KillStale(state.PID, e.stopGrace); err != nil {
			return err
		}
		e.publish(ctx, ports.EventServiceStopped, name, map[string]interface{}{
			"pid":      state.PID,
			"detached": true,
		})
	}

	if err := e.registry.Unregister(name); err != nil {
		e.logger.Debug("endpoint already withdrawn",
			zap.String("service", name),
			zap.Error(err))
	}
	if err := e.store.Delete(ctx, name); err != nil {
		e.logger.Warn("failed to drop state snapshot",
			zap.String("service", name),
			zap.Error(err))
	}
	return nil
}

// Reconcile aligns the persisted endpoint registry with the processes
// that are actually alive, dropping endpoints left behind by a crash.
func (e *Engine) Reconcile(ctx context.Context) {
	e.registry.Reconcile(func(name string) bool {
		if e.sandbox.Running(name) {
			return true
		}
		if e.store == nil {
			return false
		}
		state, err := e.store.Load(ctx, name)
		if err != nil {
			return false
		}
		return state.State == domain.StateRunning && sandbox.PIDAlive(state.PID)
	})
}

// ServiceRow is one line of the ecosystem status report.
type ServiceRow struct {
	Name    string
	Port    int
	State   domain.SandboxState
	PID     int
	Healthy *bool
	Uptime  time.Duration
}

// Status reports every declared service: live sandbox state when this
// process supervises it, the persisted snapshot when another run did,
// and a live health probe for everything that looks alive.
func (e *Engine) Status(ctx context.Context) []ServiceRow {
	now := time.Now()
	rows := make([]ServiceRow, 0, len(e.spec.Services))

	for i := range e.spec.Services {
		name := e.spec.Services[i].Name
		row := ServiceRow{Name: name}

		if state, ok := e.sandbox.Status(name); ok {
			row.State = state.State
			row.Port = state.Port
			row.PID = state.PID
			row.Uptime = state.Uptime(now)
		} else if state, err := e.loadSnapshot(ctx, name); err == nil {
			row.State = state.State
			row.Port = state.Port
			row.PID = state.PID
			if state.State == domain.StateRunning {
				if sandbox.PIDAlive(state.PID) {
					row.Uptime = state.Uptime(now)
				} else {
					row.State = domain.StateDead
				}
			}
		}

		if row.State == domain.StateRunning {
			healthy := e.probeService(ctx, name)
			row.Healthy = &healthy
		}
		rows = append(rows, row)
	}
	return rows
}

func (e *Engine) loadSnapshot(ctx context.Context, name string) (domain.ServiceState, error) {
	if e.store == nil {
		return domain.ServiceState{}, ports.ErrStateNotFound
	}
	return e.store.Load(ctx, name)
}

// probeService performs one GET against the service's health URL.
func (e *Engine) probeService(ctx context.Context, name string) bool {
	endpoint, ok := e.registry.Get(name)
	if !ok {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.HealthURL(), nil)
	if err != nil {
		return false
	}
	resp, err := e.probe.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// artifact loads and parses the service's Markdown definition, caching
// the result for the engine's lifetime.
func (e *Engine) artifact(svc *domain.ServiceSpec) (*domain.Artifact, error) {
	e.mu.Lock()
	if artifact, ok := e.artifacts[svc.Name]; ok {
		e.mu.Unlock()
		return artifact, nil
	}
	e.mu.Unlock()

	path := svc.Artifact
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.basePath, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigError{Path: path, Reason: fmt.Sprintf("cannot read artifact: %v", err)}
	}
	artifact, err := e.parser.Parse(data)
	if err != nil {
		return nil, &domain.ConfigError{Path: path, Reason: err.Error()}
	}

	e.mu.Lock()
	e.artifacts[svc.Name] = artifact
	e.mu.Unlock()
	return artifact, nil
}

func (e *Engine) publish(ctx context.Context, evtType ports.EventType, service string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	event := ports.Event{
		ID:        uuid.New().String(),
		Type:      evtType,
		Timestamp: time.Now(),
		Ecosystem: e.spec.Name,
		Service:   service,
		Data:      data,
	}
	if err := e.bus.Publish(ctx, ports.TopicLifecycle, event); err != nil {
		e.logger.Error("failed to publish event",
			zap.String("type", string(evtType)),
			zap.Error(err))
	}
}

func userFor(svc *domain.ServiceSpec) string {
	if svc.UserID != "" {
		return svc.UserID
	}
	return defaultUserID
}
