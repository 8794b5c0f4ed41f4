package manifest

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wronai/pactown/internal/domain"
)

// Defaults applied while loading.
const (
	DefaultBasePort    = 8000
	DefaultSandboxRoot = "./.pactown-sandboxes"
	DefaultHealthCheck = "/health"
	DefaultTimeout     = 60 * time.Second
)

// file mirrors the top-level YAML shape. Services stays a raw node so
// that declaration order survives; Go maps would lose it and port
// defaulting depends on it.
type file struct {
	Name        string    `yaml:"name"`
	Version     string    `yaml:"version"`
	Description string    `yaml:"description"`
	BasePort    int       `yaml:"base_port"`
	SandboxRoot string    `yaml:"sandbox_root"`
	Registry    yaml.Node `yaml:"registry"`
	Services    yaml.Node `yaml:"services"`
}

// Load reads and validates the manifest at path. The returned spec has
// every default applied: base port assignments, health check paths and
// startup timeouts. PACTOWN_SANDBOX_ROOT, when set, overrides the
// manifest's sandbox_root.
func Load(path string) (*domain.EcosystemSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigError{Path: path, Reason: err.Error()}
	}

	spec, err := Parse(data)
	if err != nil {
		if ce, ok := err.(*domain.ConfigError); ok {
			ce.Path = path
			return nil, ce
		}
		return nil, &domain.ConfigError{Path: path, Reason: err.Error()}
	}
	return spec, nil
}

// Parse decodes a manifest document from memory.
func Parse(data []byte) (*domain.EcosystemSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, &domain.ConfigError{Reason: err.Error()}
	}

	if f.Name == "" {
		return nil, &domain.ConfigError{Reason: "missing required field: name"}
	}

	spec := &domain.EcosystemSpec{
		Name:        f.Name,
		Version:     f.Version,
		Description: f.Description,
		BasePort:    f.BasePort,
		SandboxRoot: f.SandboxRoot,
	}
	if spec.Version == "" {
		spec.Version = "0.1.0"
	}
	if spec.BasePort == 0 {
		spec.BasePort = DefaultBasePort
	}
	if spec.SandboxRoot == "" {
		spec.SandboxRoot = DefaultSandboxRoot
	}
	if root := os.Getenv("PACTOWN_SANDBOX_ROOT"); root != "" {
		spec.SandboxRoot = root
	}

	registry, err := parseRegistry(&f.Registry)
	if err != nil {
		return nil, err
	}
	spec.Registry = registry

	services, err := parseServices(&f.Services, spec.BasePort)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, &domain.ConfigError{Reason: "missing required field: services"}
	}
	spec.Services = services

	return spec, nil
}

// parseRegistry accepts either a scalar URL or a {url, auth_token,
// namespace} mapping and returns the URL.
func parseRegistry(node *yaml.Node) (string, error) {
	if node.Kind == 0 || node.IsZero() {
		return "", nil
	}
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Value, nil
	case yaml.MappingNode:
		var url string
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			switch key.Value {
			case "url":
				url = value.Value
			case "auth_token", "namespace":
				// accepted, consumed by the registry client
			default:
				return "", unknownKey("registry", key)
			}
		}
		return url, nil
	default:
		return "", &domain.ConfigError{Reason: fmt.Sprintf("line %d: registry must be a URL or a mapping", node.Line)}
	}
}

// parseServices walks the services mapping in declaration order so that
// port defaulting (base_port + index) is stable across runs.
func parseServices(node *yaml.Node, basePort int) ([]domain.ServiceSpec, error) {
	if node.Kind == 0 || node.IsZero() {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, &domain.ConfigError{Reason: fmt.Sprintf("line %d: services must be a mapping", node.Line)}
	}

	seen := make(map[string]bool)
	services := make([]domain.ServiceSpec, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		name := key.Value
		if name == "" {
			return nil, &domain.ConfigError{Reason: fmt.Sprintf("line %d: service name must not be empty", key.Line)}
		}
		if seen[name] {
			return nil, &domain.ConfigError{Reason: fmt.Sprintf("line %d: duplicate service %q", key.Line, name)}
		}
		seen[name] = true

		svc, err := parseService(name, value)
		if err != nil {
			return nil, err
		}
		if svc.Port == 0 {
			svc.Port = basePort + len(services)
		}
		services = append(services, svc)
	}
	return services, nil
}

func parseService(name string, node *yaml.Node) (domain.ServiceSpec, error) {
	svc := domain.ServiceSpec{
		Name:        name,
		Artifact:    name + "/README.md",
		HealthCheck: DefaultHealthCheck,
		Timeout:     DefaultTimeout,
	}
	if node.Kind != yaml.MappingNode {
		return svc, &domain.ConfigError{Reason: fmt.Sprintf("line %d: service %q must be a mapping", node.Line, name)}
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "readme":
			svc.Artifact = value.Value
		case "port":
			if err := value.Decode(&svc.Port); err != nil {
				return svc, badValue(name, key, err)
			}
		case "health_check":
			svc.HealthCheck = value.Value
		case "timeout":
			var seconds int
			if err := value.Decode(&seconds); err != nil {
				return svc, badValue(name, key, err)
			}
			if seconds <= 0 {
				return svc, &domain.ConfigError{Reason: fmt.Sprintf("line %d: service %q: timeout must be positive", key.Line, name)}
			}
			svc.Timeout = time.Duration(seconds) * time.Second
		case "env":
			if err := value.Decode(&svc.Env); err != nil {
				return svc, badValue(name, key, err)
			}
		case "depends_on":
			deps, err := parseDependencies(name, value)
			if err != nil {
				return svc, err
			}
			svc.DependsOn = deps
		default:
			return svc, unknownKey("service "+name, key)
		}
	}

	if svc.Artifact == "" {
		return svc, &domain.ConfigError{Reason: fmt.Sprintf("service %q: missing required field: readme", name)}
	}
	if !strings.HasPrefix(svc.HealthCheck, "/") {
		svc.HealthCheck = "/" + svc.HealthCheck
	}
	return svc, nil
}

// parseDependencies accepts both the scalar shorthand ("db" or
// "db@1.2") and the full {name, endpoint, env_var} mapping.
func parseDependencies(service string, node *yaml.Node) ([]domain.DependencyRef, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, &domain.ConfigError{Reason: fmt.Sprintf("line %d: service %q: depends_on must be a list", node.Line, service)}
	}

	deps := make([]domain.DependencyRef, 0, len(node.Content))
	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			name, _, _ := strings.Cut(item.Value, "@")
			if name == "" {
				return nil, &domain.ConfigError{Reason: fmt.Sprintf("line %d: service %q: dependency name must not be empty", item.Line, service)}
			}
			deps = append(deps, domain.DependencyRef{Name: name})
		case yaml.MappingNode:
			var dep domain.DependencyRef
			for i := 0; i+1 < len(item.Content); i += 2 {
				key, value := item.Content[i], item.Content[i+1]
				switch key.Value {
				case "name":
					dep.Name = value.Value
				case "endpoint":
					dep.Endpoint = value.Value
				case "env_var":
					dep.EnvVar = value.Value
				default:
					return nil, unknownKey("service "+service+" dependency", key)
				}
			}
			if dep.Name == "" {
				return nil, &domain.ConfigError{Reason: fmt.Sprintf("line %d: service %q: dependency missing required field: name", item.Line, service)}
			}
			deps = append(deps, dep)
		default:
			return nil, &domain.ConfigError{Reason: fmt.Sprintf("line %d: service %q: dependency must be a name or a mapping", item.Line, service)}
		}
	}
	return deps, nil
}

func unknownKey(where string, key *yaml.Node) *domain.ConfigError {
	return &domain.ConfigError{Reason: fmt.Sprintf("line %d: %s: unknown key %q", key.Line, where, key.Value)}
}

func badValue(service string, key *yaml.Node, err error) *domain.ConfigError {
	return &domain.ConfigError{Reason: fmt.Sprintf("line %d: service %q: invalid %s: %v", key.Line, service, key.Value, err)}
}
