package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/internal/ports"
)

const (
	serviceLogName   = "service.log"
	errorLogName     = "error.log"
	dotenvName       = ".env"
	requirementsName = "requirements.txt"

	defaultStopGrace = 10 * time.Second

	// launchSettle is how long Launch watches a new process for an
	// immediate crash before declaring it running unprobed.
	launchSettle = time.Second
)

var serviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// instance is the in-memory record of one sandboxed service.
type instance struct {
	name      string
	userID    string
	dir       string
	state     domain.SandboxState
	port      int
	runCmd    string
	envHash   string
	tests     []domain.ArtifactTest
	stdout    *ringBuffer
	stderr    *ringBuffer
	proc      *process
	startedAt time.Time
	exitCode  *int

	// cleaned closes once the supervisor has finished post-exit
	// cleanup (endpoint withdrawn, cache reference released).
	cleaned chan struct{}
}

func (i *instance) snapshot() domain.ServiceState {
	s := domain.ServiceState{
		Name:      i.name,
		State:     i.state,
		Port:      i.port,
		Sandbox:   i.dir,
		StartedAt: i.startedAt,
		ExitCode:  i.exitCode,
	}
	if i.proc != nil && i.proc.alive() {
		s.PID = i.proc.pid()
	}
	return s
}

// Manager owns every sandbox under one root directory: it materializes
// artifacts, starts and supervises their processes, and reports state.
type Manager struct {
	root     string
	registry ports.EndpointRegistry
	cache    *DependencyCache
	store    ports.StateStore
	bus      ports.EventBus
	metrics  ports.MetricsCollector
	prober   *prober
	logger   *zap.Logger

	stopGrace time.Duration

	mu        sync.Mutex
	instances map[string]*instance
}

// NewManager creates a sandbox manager rooted at root. The registry is
// the capability used to announce endpoints; store and bus may be nil
// when persistence or events are not wanted.
func NewManager(
	root string,
	registry ports.EndpointRegistry,
	cache *DependencyCache,
	store ports.StateStore,
	bus ports.EventBus,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	stopGrace, probeTimeout time.Duration,
) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if stopGrace <= 0 {
		stopGrace = defaultStopGrace
	}
	return &Manager{
		root:      root,
		registry:  registry,
		cache:     cache,
		store:     store,
		bus:       bus,
		metrics:   metrics,
		prober:    newProber(probeTimeout, metrics),
		logger:    logger,
		stopGrace: stopGrace,
		instances: make(map[string]*instance),
	}, nil
}

// Root returns the sandbox root directory.
func (m *Manager) Root() string {
	return m.root
}

// Dir returns the sandbox directory a service materializes into.
func (m *Manager) Dir(name string) string {
	return filepath.Join(m.root, name)
}

// Create materializes the artifact into the service's sandbox: every
// declared file is written byte-exact under one directory, and the
// cached dependency environment is acquired and linked in. Returns the
// sandbox path.
func (m *Manager) Create(name string, artifact *domain.Artifact) (string, error) {
	_, dir, err := m.materialize(name, "", artifact)
	return dir, err
}

// materialize claims the instance slot for name, then performs the file
// writes without holding the manager lock. A failed materialization
// leaves the record dead so the name can be reused.
func (m *Manager) materialize(name, userID string, artifact *domain.Artifact) (*instance, string, error) {
	if !serviceNamePattern.MatchString(name) {
		return nil, "", &domain.ConfigError{Reason: fmt.Sprintf("invalid service name %q", name)}
	}

	dir := filepath.Join(m.root, name)

	m.mu.Lock()
	if prev, ok := m.instances[name]; ok {
		switch prev.state {
		case domain.StateCreated, domain.StateStarting, domain.StateRunning, domain.StateStopping:
			m.mu.Unlock()
			return nil, "", &domain.AlreadyRunningError{Service: name}
		default:
			// Never launched or already cleaned up; a leftover cache
			// reference belongs to us now.
			if prev.envHash != "" {
				m.cache.Release(prev.envHash)
				prev.envHash = ""
			}
		}
	}
	inst := &instance{
		name:   name,
		userID: userID,
		dir:    dir,
		state:  domain.StateCreated,
		tests:  artifact.Tests,
	}
	m.instances[name] = inst
	m.mu.Unlock()

	fail := func(err error) (*instance, string, error) {
		m.mu.Lock()
		inst.state = domain.StateDead
		m.mu.Unlock()
		return nil, "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(fmt.Errorf("failed to create sandbox: %w", err))
	}

	for _, f := range artifact.Files {
		rel, err := safeRel(f.Path)
		if err != nil {
			return fail(err)
		}
		target := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fail(fmt.Errorf("failed to create %s: %w", filepath.Dir(rel), err))
		}
		if err := os.WriteFile(target, f.Content, 0o644); err != nil {
			return fail(fmt.Errorf("failed to write %s: %w", rel, err))
		}
	}

	if len(artifact.Deps) > 0 {
		manifest := strings.Join(artifact.Deps, "\n") + "\n"
		if err := os.WriteFile(filepath.Join(dir, requirementsName), []byte(manifest), 0o644); err != nil {
			return fail(fmt.Errorf("failed to write dependency manifest: %w", err))
		}

		env, err := m.cache.GetOrCreate(artifact.Deps)
		if err != nil {
			return fail(err)
		}
		if err := m.cache.Link(env, dir); err != nil {
			m.cache.Release(env.Hash)
			return fail(err)
		}
		m.mu.Lock()
		inst.envHash = env.Hash
		m.mu.Unlock()
	}

	m.mu.Lock()
	inst.state = domain.StateMaterialized
	m.mu.Unlock()

	m.logger.Info("sandbox materialized",
		zap.String("service", name),
		zap.String("dir", dir),
		zap.Int("files", len(artifact.Files)),
		zap.Int("deps", len(artifact.Deps)))
	m.publish(context.Background(), ports.EventSandboxCreated, name, map[string]interface{}{
		"dir":   dir,
		"files": len(artifact.Files),
	})
	return inst, dir, nil
}

// Run materializes the artifact and starts the service, blocking until
// it answers its health check, the startup budget runs out, or the
// process dies. extraEnv is layered over the process environment;
// PORT, MARKPACT_PORT, SERVICE_NAME and SERVICE_URL are always set to
// the allocated endpoint.
func (m *Manager) Run(ctx context.Context, spec domain.ServiceSpec, artifact *domain.Artifact, extraEnv map[string]string) (domain.ServiceState, error) {
	return m.run(ctx, spec, artifact, extraEnv, true)
}

// Launch starts the service without waiting for its health probe. The
// process gets a short settle window to catch immediate crashes, then
// the snapshot is returned with the service considered running.
func (m *Manager) Launch(ctx context.Context, spec domain.ServiceSpec, artifact *domain.Artifact, extraEnv map[string]string) (domain.ServiceState, error) {
	return m.run(ctx, spec, artifact, extraEnv, false)
}

func (m *Manager) run(ctx context.Context, spec domain.ServiceSpec, artifact *domain.Artifact, extraEnv map[string]string, waitHealth bool) (domain.ServiceState, error) {
	if strings.TrimSpace(artifact.Run) == "" {
		return domain.ServiceState{}, &domain.ConfigError{Reason: fmt.Sprintf("artifact for %q declares no run command", spec.Name)}
	}

	// A start racing a stop on the same name waits out the residual
	// teardown instead of failing.
	if prev := m.stoppingInstance(spec.Name); prev != nil {
		select {
		case <-prev.cleaned:
		case <-ctx.Done():
			return domain.ServiceState{}, ctx.Err()
		case <-time.After(m.stopGrace + 5*time.Second):
		}
	}

	inst, dir, err := m.materialize(spec.Name, spec.UserID, artifact)
	if err != nil {
		return domain.ServiceState{}, err
	}

	endpoint, err := m.registry.Register(spec.Name, spec.Port, spec.HealthCheck)
	if err != nil {
		m.releaseEnv(inst)
		return domain.ServiceState{}, err
	}

	overlay := make(map[string]string, len(extraEnv)+4)
	for k, v := range extraEnv {
		overlay[k] = v
	}
	overlay["PORT"] = strconv.Itoa(endpoint.Port)
	overlay["MARKPACT_PORT"] = strconv.Itoa(endpoint.Port)
	overlay["SERVICE_NAME"] = spec.Name
	overlay["SERVICE_URL"] = endpoint.URL()
	for k, v := range spec.Env {
		overlay[k] = v
	}

	if err := writeDotenv(filepath.Join(dir, dotenvName), overlay); err != nil {
		m.logger.Warn("failed to write dotenv file",
			zap.String("service", spec.Name),
			zap.Error(err))
	}

	runCmd := rewriteRunCommand(artifact.Run, endpoint.Port)

	m.mu.Lock()
	inst.state = domain.StateStarting
	inst.port = endpoint.Port
	inst.runCmd = runCmd
	inst.stdout = newRingBuffer(defaultRingSize)
	inst.stderr = newRingBuffer(defaultRingSize)
	inst.cleaned = make(chan struct{})
	m.mu.Unlock()

	m.persist(ctx, inst)
	m.publish(ctx, ports.EventServiceStarting, spec.Name, map[string]interface{}{
		"port": endpoint.Port,
	})
	m.logger.Info("starting service",
		zap.String("service", spec.Name),
		zap.Int("port", endpoint.Port),
		zap.String("command", runCmd))

	started := time.Now()
	proc, err := launch(runCmd, dir, composeEnv(overlay), inst.stdout, inst.stderr, filepath.Join(dir, serviceLogName))
	if err != nil {
		m.mu.Lock()
		inst.state = domain.StateDead
		m.mu.Unlock()
		if uerr := m.registry.Unregister(spec.Name); uerr != nil {
			m.logger.Debug("endpoint cleanup after failed launch",
				zap.String("service", spec.Name),
				zap.Error(uerr))
		}
		m.releaseEnv(inst)
		m.metrics.RecordServiceStarted("launch_failed")
		return domain.ServiceState{}, err
	}

	m.mu.Lock()
	inst.proc = proc
	inst.startedAt = started
	m.mu.Unlock()

	go m.supervise(inst)

	if !waitHealth {
		select {
		case <-proc.done:
			<-inst.cleaned
			code, sig := proc.exit()
			m.metrics.RecordServiceStarted("process_exited")
			m.logger.Error("service exited during startup",
				zap.String("service", spec.Name),
				zap.Int("exit_code", code))
			return domain.ServiceState{}, &domain.ProcessExitedError{Service: spec.Name, ExitCode: code, Signal: sig}
		case <-ctx.Done():
			m.mu.Lock()
			inst.state = domain.StateStopping
			m.mu.Unlock()
			proc.terminate(m.stopGrace)
			<-inst.cleaned
			return domain.ServiceState{}, ctx.Err()
		case <-time.After(launchSettle):
		}

		m.mu.Lock()
		inst.state = domain.StateRunning
		state := inst.snapshot()
		m.mu.Unlock()

		m.persist(ctx, inst)
		m.metrics.RecordServiceStarted("success")
		m.metrics.SetServicesRunning(m.runningCount())
		m.publish(ctx, ports.EventServiceStarted, spec.Name, map[string]interface{}{
			"port":   endpoint.Port,
			"pid":    state.PID,
			"probed": false,
		})
		m.logger.Info("service launched",
			zap.String("service", spec.Name),
			zap.Int("port", endpoint.Port),
			zap.Int("pid", state.PID))
		return state, nil
	}

	budget := spec.Timeout
	if budget <= 0 {
		budget = 60 * time.Second
	}
	err = m.prober.waitHealthy(ctx, spec.Name, endpoint, budget, proc.done)
	switch {
	case err == nil:
		m.mu.Lock()
		inst.state = domain.StateRunning
		state := inst.snapshot()
		m.mu.Unlock()

		m.persist(ctx, inst)
		m.metrics.RecordServiceStarted("success")
		m.metrics.RecordStartDuration(spec.Name, time.Since(started))
		m.metrics.SetServicesRunning(m.runningCount())
		m.publish(ctx, ports.EventServiceStarted, spec.Name, map[string]interface{}{
			"port":        endpoint.Port,
			"pid":         state.PID,
			"duration_ms": time.Since(started).Milliseconds(),
		})
		m.logger.Info("service healthy",
			zap.String("service", spec.Name),
			zap.Int("port", endpoint.Port),
			zap.Duration("took", time.Since(started)))
		return state, nil

	case errors.Is(err, errExitedDuringProbe):
		<-inst.cleaned
		code, sig := proc.exit()
		m.metrics.RecordServiceStarted("process_exited")
		m.logger.Error("service exited during startup",
			zap.String("service", spec.Name),
			zap.Int("exit_code", code))
		return domain.ServiceState{}, &domain.ProcessExitedError{Service: spec.Name, ExitCode: code, Signal: sig}

	default:
		m.mu.Lock()
		inst.state = domain.StateStopping
		m.mu.Unlock()
		proc.terminate(m.stopGrace)
		<-inst.cleaned

		var timeoutErr *domain.HealthTimeoutError
		if errors.As(err, &timeoutErr) {
			m.metrics.RecordServiceStarted("health_timeout")
			m.logger.Error("service never became healthy",
				zap.String("service", spec.Name),
				zap.Duration("timeout", budget))
		} else {
			m.metrics.RecordServiceStarted("cancelled")
		}
		return domain.ServiceState{}, err
	}
}

// supervise owns post-exit cleanup for one launched instance: it
// withdraws the endpoint, releases the cache reference, persists the
// final state and publishes the exit event.
func (m *Manager) supervise(inst *instance) {
	<-inst.proc.done
	code, sig := inst.proc.exit()

	m.mu.Lock()
	deliberate := inst.state == domain.StateStopping
	inst.state = domain.StateDead
	inst.exitCode = &code
	envHash := inst.envHash
	inst.envHash = ""
	m.mu.Unlock()

	if err := m.registry.Unregister(inst.name); err != nil {
		m.logger.Debug("endpoint already withdrawn",
			zap.String("service", inst.name),
			zap.Error(err))
	}
	if envHash != "" {
		m.cache.Release(envHash)
	}
	if code != 0 && !deliberate {
		m.writeErrorLog(inst, code, sig)
	}

	ctx := context.Background()
	m.persist(ctx, inst)
	m.metrics.RecordServiceStopped()
	m.metrics.SetServicesRunning(m.runningCount())

	evtType := ports.EventServiceStopped
	if !deliberate {
		evtType = ports.EventServiceExited
	}
	data := map[string]interface{}{"exit_code": code}
	if sig != "" {
		data["signal"] = sig
	}
	m.publish(ctx, evtType, inst.name, data)

	if deliberate || code == 0 {
		m.logger.Info("service stopped",
			zap.String("service", inst.name),
			zap.Int("exit_code", code))
	} else {
		m.logger.Error("service exited unexpectedly",
			zap.String("service", inst.name),
			zap.Int("exit_code", code),
			zap.String("signal", sig))
	}
	close(inst.cleaned)
}

// Stop sends SIGTERM to the service's process group, waits up to the
// grace period, then escalates to SIGKILL. Stopping a service that is
// not running is a no-op.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	inst, ok := m.instances[name]
	if !ok || inst.proc == nil || !inst.proc.alive() {
		m.mu.Unlock()
		return nil
	}
	inst.state = domain.StateStopping
	proc := inst.proc
	m.mu.Unlock()

	m.logger.Info("stopping service", zap.String("service", name))
	proc.terminate(m.stopGrace)

	select {
	case <-inst.cleaned:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.stopGrace + 5*time.Second):
		// Cleanup finishes in the background.
		return nil
	}
}

// Destroy stops the service if needed and removes its sandbox
// directory from disk.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	if err := m.Stop(ctx, name); err != nil {
		return err
	}

	m.mu.Lock()
	inst, ok := m.instances[name]
	if ok {
		// A materialized-but-never-launched sandbox still holds its
		// cache reference.
		if inst.envHash != "" {
			m.cache.Release(inst.envHash)
			inst.envHash = ""
		}
		delete(m.instances, name)
	}
	m.mu.Unlock()

	dir := filepath.Join(m.root, name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove sandbox: %w", err)
	}

	if m.store != nil {
		if err := m.store.Delete(ctx, name); err != nil {
			m.logger.Debug("state already deleted",
				zap.String("service", name),
				zap.Error(err))
		}
	}
	m.publish(ctx, ports.EventSandboxDestroyed, name, nil)
	m.logger.Info("sandbox destroyed", zap.String("service", name))
	return nil
}

// Status returns the runtime snapshot of one service.
func (m *Manager) Status(name string) (domain.ServiceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[name]
	if !ok {
		return domain.ServiceState{}, false
	}
	return inst.snapshot(), true
}

// List returns snapshots of every known service, sorted by name.
func (m *Manager) List() []domain.ServiceState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.ServiceState, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the names of every known service, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.instances))
	for name := range m.instances {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Running reports whether the service is currently starting or running.
func (m *Manager) Running(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[name]
	return ok && (inst.state == domain.StateStarting || inst.state == domain.StateRunning)
}

// RunningForUser counts the live services attributed to one user.
func (m *Manager) RunningForUser(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, inst := range m.instances {
		if inst.userID != userID {
			continue
		}
		if inst.state == domain.StateStarting || inst.state == domain.StateRunning {
			n++
		}
	}
	return n
}

// Logs returns up to tailLines trailing lines of the service's combined
// output. With tailLines <= 0 the whole captured log is returned. Logs
// of a dead service remain readable from its sandbox directory.
func (m *Manager) Logs(name string, tailLines int) ([]byte, error) {
	m.mu.Lock()
	inst, known := m.instances[name]
	m.mu.Unlock()

	dir := filepath.Join(m.root, name)
	data, err := os.ReadFile(filepath.Join(dir, serviceLogName))
	if err != nil {
		if os.IsNotExist(err) && known && inst.stdout != nil {
			combined := append(inst.stdout.Bytes(), inst.stderr.Bytes()...)
			return tailOf(combined, tailLines), nil
		}
		return nil, fmt.Errorf("no logs for service %q: %w", name, err)
	}
	return tailOf(data, tailLines), nil
}

// CheckHealth performs one liveness probe against a running service.
// False means the service is not running, has no endpoint, or did not
// answer with a 200-399 status.
func (m *Manager) CheckHealth(ctx context.Context, name string) bool {
	if !m.Running(name) {
		return false
	}
	endpoint, ok := m.registry.Get(name)
	if !ok {
		return false
	}
	return m.prober.check(ctx, name, endpoint)
}

// Tests returns the HTTP checks declared by the service's artifact.
func (m *Manager) Tests(name string) []domain.ArtifactTest {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[name]
	if !ok {
		return nil
	}
	out := make([]domain.ArtifactTest, len(inst.tests))
	copy(out, inst.tests)
	return out
}

// EndpointTestResult is the outcome of one declared HTTP check.
type EndpointTestResult struct {
	Method   string `json:"method"`
	Path     string `json:"path"`
	Expected int    `json:"expected"`
	Actual   int    `json:"actual,omitempty"`
	Passed   bool   `json:"passed"`
	Error    string `json:"error,omitempty"`
}

// TestEndpoints runs the artifact's declared HTTP checks against the
// running service.
func (m *Manager) TestEndpoints(ctx context.Context, name string) ([]EndpointTestResult, error) {
	endpoint, ok := m.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("service %q is not registered", name)
	}
	tests := m.Tests(name)

	results := make([]EndpointTestResult, 0, len(tests))
	for _, t := range tests {
		res := EndpointTestResult{Method: t.Method, Path: t.Path, Expected: t.ExpectStatus}

		var body io.Reader
		if t.Body != "" {
			body = strings.NewReader(t.Body)
		}
		req, err := http.NewRequestWithContext(ctx, t.Method, endpoint.URL()+t.Path, body)
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		if t.Body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := m.prober.client.Do(req)
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		resp.Body.Close()
		res.Actual = resp.StatusCode
		res.Passed = resp.StatusCode == t.ExpectStatus
		results = append(results, res)
	}
	return results, nil
}

// CacheStats reports dependency cache effectiveness.
func (m *Manager) CacheStats() CacheStats {
	return m.cache.Stats()
}

// StopAll stops every live service, best-effort. Used on shutdown.
func (m *Manager) StopAll(ctx context.Context) []error {
	var errs []error
	for _, name := range m.Names() {
		if err := m.Stop(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}
	return errs
}

func (m *Manager) stoppingInstance(name string) *instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[name]
	if ok && inst.state == domain.StateStopping && inst.cleaned != nil {
		return inst
	}
	return nil
}

func (m *Manager) releaseEnv(inst *instance) {
	m.mu.Lock()
	hash := inst.envHash
	inst.envHash = ""
	m.mu.Unlock()
	if hash != "" {
		m.cache.Release(hash)
	}
}

func (m *Manager) runningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, inst := range m.instances {
		if inst.state == domain.StateRunning {
			n++
		}
	}
	return n
}

func (m *Manager) persist(ctx context.Context, inst *instance) {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	state := inst.snapshot()
	m.mu.Unlock()

	if err := m.store.Save(ctx, state.Name, state); err != nil {
		m.logger.Warn("failed to persist service state",
			zap.String("service", state.Name),
			zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, evtType ports.EventType, service string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	event := ports.Event{
		ID:        uuid.New().String(),
		Type:      evtType,
		Timestamp: time.Now(),
		Service:   service,
		Data:      data,
	}
	if err := m.bus.Publish(ctx, ports.TopicLifecycle, event); err != nil {
		m.logger.Warn("failed to publish event",
			zap.String("type", string(evtType)),
			zap.String("service", service),
			zap.Error(err))
	}
}

// writeErrorLog leaves a post-mortem file in the sandbox after an
// unexpected exit: exit status, command, output tails and the sandbox
// file listing.
func (m *Manager) writeErrorLog(inst *instance, code int, signal string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Exit code: %d\n", code)
	if signal != "" {
		fmt.Fprintf(&b, "Signal: %s\n", signal)
	}
	fmt.Fprintf(&b, "Command: %s\n", inst.runCmd)
	fmt.Fprintf(&b, "CWD: %s\n", inst.dir)
	fmt.Fprintf(&b, "\n--- STDERR ---\n%s\n", inst.stderr.Bytes())
	fmt.Fprintf(&b, "\n--- STDOUT ---\n%s\n", inst.stdout.Bytes())
	if entries, err := os.ReadDir(inst.dir); err == nil {
		b.WriteString("\n--- FILES ---\n")
		for _, e := range entries {
			b.WriteString(e.Name())
			b.WriteByte('\n')
		}
	}
	if err := os.WriteFile(filepath.Join(inst.dir, errorLogName), []byte(b.String()), 0o644); err != nil {
		m.logger.Warn("failed to write error log",
			zap.String("service", inst.name),
			zap.Error(err))
	}
}

var (
	rePortFlag   = regexp.MustCompile(`--port +\d+`)
	rePortFlagEq = regexp.MustCompile(`--port=\d+`)
	rePortShort  = regexp.MustCompile(`(^|\s)-p +\d+`)
	rePortEnv    = regexp.MustCompile(`\bPORT=\d+`)
)

// rewriteRunCommand reconciles literal ports in the run command with
// the allocated one. Three literal patterns are rewritten (--port <N>,
// -p <N>, PORT=<N>) and $PORT style references are expanded.
func rewriteRunCommand(command string, port int) string {
	p := strconv.Itoa(port)

	command = strings.ReplaceAll(command, "${MARKPACT_PORT}", p)
	command = strings.ReplaceAll(command, "$MARKPACT_PORT", p)
	command = strings.ReplaceAll(command, "${PORT}", p)
	command = strings.ReplaceAll(command, "$PORT", p)

	command = rePortFlag.ReplaceAllString(command, "--port "+p)
	command = rePortFlagEq.ReplaceAllString(command, "--port="+p)
	command = rePortShort.ReplaceAllString(command, "${1}-p "+p)
	command = rePortEnv.ReplaceAllString(command, "PORT="+p)
	return command
}

// composeEnv layers the overlay over the inherited process environment.
func composeEnv(overlay map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	return env
}

// writeDotenv persists the overlay as KEY=VALUE lines so shell tooling
// inside the sandbox sees the same environment as the service process.
func writeDotenv(path string, env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := env[k]
		if strings.ContainsAny(k, "=\n") || strings.Contains(v, "\n") {
			continue
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// safeRel validates an artifact-declared path: relative, clean and
// confined to the sandbox.
func safeRel(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", &domain.ConfigError{Reason: "artifact declares a file with an empty path"}
	}
	if filepath.IsAbs(p) {
		return "", &domain.ConfigError{Reason: fmt.Sprintf("artifact file path %q is absolute", p)}
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &domain.ConfigError{Reason: fmt.Sprintf("artifact file path %q escapes the sandbox", p)}
	}
	return clean, nil
}

// tailOf returns the last n lines of data, or all of it when n <= 0.
func tailOf(data []byte, n int) []byte {
	if n <= 0 || len(data) == 0 {
		return data
	}
	end := len(data)
	if data[end-1] == '\n' {
		// The terminating newline closes the last line rather than
		// starting a new one.
		end--
	}
	lines := 0
	for i := end - 1; i >= 0; i-- {
		if data[i] == '\n' {
			lines++
			if lines == n {
				return data[i+1:]
			}
		}
	}
	return data
}
