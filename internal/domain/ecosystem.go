package domain

import (
	"strings"
	"time"
)

// EcosystemSpec is the parsed description of one ecosystem: a named set
// of services that are started and stopped together.
type EcosystemSpec struct {
	Name        string
	Version     string
	Description string
	BasePort    int
	SandboxRoot string
	Registry    string
	Services    []ServiceSpec
}

// Service returns the spec for name, or nil when the ecosystem does not
// declare it.
func (e *EcosystemSpec) Service(name string) *ServiceSpec {
	for i := range e.Services {
		if e.Services[i].Name == name {
			return &e.Services[i]
		}
	}
	return nil
}

// ServiceNames returns the declared service names in declaration order.
func (e *EcosystemSpec) ServiceNames() []string {
	names := make([]string, 0, len(e.Services))
	for i := range e.Services {
		names = append(names, e.Services[i].Name)
	}
	return names
}

// ServiceSpec declares a single service inside an ecosystem.
type ServiceSpec struct {
	Name        string
	Artifact    string // path to the Markdown artifact
	Port        int    // preferred port, 0 means allocate from the range
	HealthCheck string
	Timeout     time.Duration // startup budget for the health probe
	Env         map[string]string
	DependsOn   []DependencyRef
	UserID      string
}

// DependencyRef names one dependency of a service. Endpoint, when set,
// points at a service running outside the ecosystem and removes the
// ordering constraint. EnvVar renames the URL variable injected into
// the dependent's environment.
type DependencyRef struct {
	Name     string
	Endpoint string
	EnvVar   string
}

// URLVar returns the environment variable name that carries the
// dependency's URL: EnvVar when set, otherwise {NAME}_URL.
func (d DependencyRef) URLVar() string {
	if d.EnvVar != "" {
		return d.EnvVar
	}
	return EnvName(d.Name) + "_URL"
}

// External reports whether the reference points outside the ecosystem.
func (d DependencyRef) External() bool {
	return d.Endpoint != ""
}

// EnvName converts a service name into its environment variable prefix:
// uppercase with dashes and dots flattened to underscores.
func EnvName(service string) string {
	s := strings.ToUpper(service)
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, ".", "_")
	return s
}
