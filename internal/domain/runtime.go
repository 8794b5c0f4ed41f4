package domain

import (
	"fmt"
	"time"
)

// ServiceEndpoint is the runtime record a registered service exposes to
// its dependents. Exactly one endpoint exists per live service.
type ServiceEndpoint struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	HealthCheck string `json:"health_check,omitempty"`
}

// URL returns the HTTP base URL of the endpoint.
func (e ServiceEndpoint) URL() string {
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

// HealthURL returns the full URL of the endpoint's health check.
func (e ServiceEndpoint) HealthURL() string {
	path := e.HealthCheck
	if path == "" {
		path = "/health"
	}
	return e.URL() + path
}

// SandboxState is one step in a sandbox's lifecycle. Transitions are
// monotonic per sandbox instance; a new start after dead creates a
// fresh record under the same name.
type SandboxState string

const (
	StateCreated      SandboxState = "created"
	StateMaterialized SandboxState = "materialized"
	StateStarting     SandboxState = "starting"
	StateRunning      SandboxState = "running"
	StateStopping     SandboxState = "stopping"
	StateDead         SandboxState = "dead"
)

// ServiceState is the externally visible runtime snapshot of one
// service, as reported by status queries and persisted in state stores.
type ServiceState struct {
	Name      string       `json:"name"`
	State     SandboxState `json:"state"`
	Port      int          `json:"port,omitempty"`
	PID       int          `json:"pid,omitempty"`
	Sandbox   string       `json:"sandbox,omitempty"`
	StartedAt time.Time    `json:"started_at,omitempty"`
	ExitCode  *int         `json:"exit_code,omitempty"`
}

// Uptime returns how long the service has been up relative to now, or
// zero when it never reached running.
func (s ServiceState) Uptime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() || s.State != StateRunning {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// CachedEnv is a prepared dependency environment shared between
// sandboxes that declare the same dependency set. Hash is derived from
// the sorted dependency list, so declaration order never splits the
// cache.
type CachedEnv struct {
	Hash      string
	Path      string
	Deps      []string
	CreatedAt time.Time
	LastUsed  time.Time
	RefCount  int
}

// InUse reports whether any sandbox still links to the environment.
func (c *CachedEnv) InUse() bool {
	return c.RefCount > 0
}
