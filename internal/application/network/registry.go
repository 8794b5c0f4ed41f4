package network

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/domain"
)

// StorageFile is the registry persistence file name, created under the
// sandbox root.
const StorageFile = ".pactown-services.json"

// registryDocument is the on-disk shape of the registry file.
type registryDocument struct {
	Services map[string]domain.ServiceEndpoint `json:"services"`
}

// ServiceRegistry maps service names to live endpoints, allocates their
// ports and composes the environment injected into dependents. Every
// mutation is persisted atomically so readers never observe a partial
// document.
type ServiceRegistry struct {
	host      string
	path      string
	allocator *PortAllocator
	logger    *zap.Logger

	mu       sync.Mutex
	services map[string]domain.ServiceEndpoint
}

// NewServiceRegistry creates a registry persisting under sandboxRoot.
// An existing registry file is loaded as-is; call Reconcile afterwards
// to drop entries whose processes are gone.
func NewServiceRegistry(sandboxRoot string, allocator *PortAllocator, logger *zap.Logger) *ServiceRegistry {
	r := &ServiceRegistry{
		host:      "127.0.0.1",
		path:      filepath.Join(sandboxRoot, StorageFile),
		allocator: allocator,
		logger:    logger,
		services:  make(map[string]domain.ServiceEndpoint),
	}
	r.load()
	return r
}

// Register allocates a port for name and announces its endpoint. When
// the name is already registered and its port is still free the
// existing endpoint is reused; otherwise a fresh port is allocated.
func (r *ServiceRegistry) Register(name string, preferredPort int, healthCheck string) (domain.ServiceEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.services[name]; ok {
		if r.allocator.IsFree(existing.Port) {
			return existing, nil
		}
		r.allocator.Release(existing.Port)
	}

	port, err := r.allocator.Allocate(preferredPort)
	if err != nil {
		return domain.ServiceEndpoint{}, err
	}

	endpoint := domain.ServiceEndpoint{
		Name:        name,
		Host:        r.host,
		Port:        port,
		HealthCheck: healthCheck,
	}
	r.services[name] = endpoint

	if err := r.save(); err != nil {
		r.logger.Warn("failed to persist service registry",
			zap.String("service", name),
			zap.Error(err))
	}

	r.logger.Debug("registered service",
		zap.String("service", name),
		zap.Int("port", port))

	return endpoint, nil
}

// Unregister withdraws the endpoint and releases its port. Unknown
// names are a no-op.
func (r *ServiceRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoint, ok := r.services[name]
	if !ok {
		return nil
	}
	r.allocator.Release(endpoint.Port)
	delete(r.services, name)

	if err := r.save(); err != nil {
		return fmt.Errorf("persist registry after unregister: %w", err)
	}
	return nil
}

// Get looks up a live endpoint by name.
func (r *ServiceRegistry) Get(name string) (domain.ServiceEndpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	endpoint, ok := r.services[name]
	return endpoint, ok
}

// List returns all registered endpoints sorted by name.
func (r *ServiceRegistry) List() []domain.ServiceEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoints := make([]domain.ServiceEndpoint, 0, len(r.services))
	for _, endpoint := range r.services {
		endpoints = append(endpoints, endpoint)
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].Name < endpoints[j].Name })
	return endpoints
}

// EnvironmentFor composes the environment record injected into service:
// the caller's own MARKPACT_PORT, PORT, SERVICE_NAME and SERVICE_URL,
// plus {DEP}_URL, {DEP}_HOST and {DEP}_PORT for every dependency. An
// explicit endpoint on a reference replaces the URL value; host and
// port are then derived from that URL when parseable and omitted
// otherwise.
func (r *ServiceRegistry) EnvironmentFor(service string, deps []domain.DependencyRef) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	env := make(map[string]string)

	if own, ok := r.services[service]; ok {
		env["MARKPACT_PORT"] = strconv.Itoa(own.Port)
		env["PORT"] = strconv.Itoa(own.Port)
		env["SERVICE_NAME"] = service
		env["SERVICE_URL"] = own.URL()
	}

	for _, dep := range deps {
		prefix := domain.EnvName(dep.Name)

		if dep.External() {
			env[dep.URLVar()] = dep.Endpoint
			if u, err := url.Parse(dep.Endpoint); err == nil && u.Hostname() != "" {
				env[prefix+"_HOST"] = u.Hostname()
				if p := u.Port(); p != "" {
					env[prefix+"_PORT"] = p
				}
			}
			continue
		}

		endpoint, ok := r.services[dep.Name]
		if !ok {
			continue
		}
		env[dep.URLVar()] = endpoint.URL()
		env[prefix+"_HOST"] = endpoint.Host
		env[prefix+"_PORT"] = strconv.Itoa(endpoint.Port)
	}

	return env
}

// Reconcile drops every endpoint for which alive reports false. Loaded
// registry files may name processes that died while the registry was
// down; those entries vanish silently.
func (r *ServiceRegistry) Reconcile(alive func(name string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for name, endpoint := range r.services {
		if alive(name) {
			continue
		}
		r.allocator.Release(endpoint.Port)
		delete(r.services, name)
		dropped++
	}
	if dropped == 0 {
		return
	}

	if err := r.save(); err != nil {
		r.logger.Warn("failed to persist service registry after reconcile", zap.Error(err))
	}
	r.logger.Debug("reconciled service registry", zap.Int("dropped", dropped))
}

// Clear removes every registration and the persistence file.
func (r *ServiceRegistry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.services = make(map[string]domain.ServiceEndpoint)
	r.allocator.ReleaseAll()

	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove registry file: %w", err)
	}
	return nil
}

func (r *ServiceRegistry) load() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return
	}
	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		r.logger.Warn("ignoring corrupt service registry file",
			zap.String("path", r.path),
			zap.Error(err))
		return
	}
	for name, endpoint := range doc.Services {
		r.services[name] = endpoint
	}
}

// save writes the registry via temp file and rename so that concurrent
// readers never see a partial document.
func (r *ServiceRegistry) save() error {
	doc := registryDocument{Services: r.services}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".pactown-services-*.tmp")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write registry temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync registry temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close registry temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("replace registry file: %w", err)
	}
	return nil
}
