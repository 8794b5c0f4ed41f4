package domain

import (
	"fmt"
	"strings"
	"time"
)

// ConfigError reports an invalid or unreadable ecosystem configuration.
// No start is attempted when configuration fails to load.
type ConfigError struct {
	Path   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid configuration %s: %s", e.Path, e.Reason)
}

// CycleError reports a dependency cycle. Names holds the services left
// unresolved when the topological order stalled.
type CycleError struct {
	Names []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected among services: %s", strings.Join(e.Names, ", "))
}

// UnknownDependencyError reports a depends_on entry naming a service
// that is neither declared in the ecosystem nor marked external by an
// explicit endpoint.
type UnknownDependencyError struct {
	Service    string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("service %q depends on unknown service %q", e.Service, e.Dependency)
}

// NoFreePortError reports an exhausted allocator range.
type NoFreePortError struct {
	Start int
	End   int
}

func (e *NoFreePortError) Error() string {
	return fmt.Sprintf("no free port in range %d-%d", e.Start, e.End)
}

// HealthTimeoutError reports a service that never answered its health
// check within its startup budget.
type HealthTimeoutError struct {
	Service string
	Timeout time.Duration
}

func (e *HealthTimeoutError) Error() string {
	return fmt.Sprintf("service %q did not become healthy within %s", e.Service, e.Timeout)
}

// ProcessExitedError reports a service process that died during
// startup. ExitCode carries the raw status; negative values encode the
// terminating signal named by Signal.
type ProcessExitedError struct {
	Service  string
	ExitCode int
	Signal   string
}

func (e *ProcessExitedError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("service %q process killed by %s (exit code %d)", e.Service, e.Signal, e.ExitCode)
	}
	return fmt.Sprintf("service %q process exited with code %d", e.Service, e.ExitCode)
}

// AlreadyRunningError reports a start attempt on a service whose
// sandbox is still starting or running.
type AlreadyRunningError struct {
	Service string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("service %q is already running", e.Service)
}

// PolicyDeniedError reports a security policy rejection.
type PolicyDeniedError struct {
	UserID string
	Reason string
	Delay  time.Duration
}

func (e *PolicyDeniedError) Error() string {
	if e.Delay > 0 {
		return fmt.Sprintf("policy denied start for user %q: %s (retry after %s)", e.UserID, e.Reason, e.Delay)
	}
	return fmt.Sprintf("policy denied start for user %q: %s", e.UserID, e.Reason)
}
