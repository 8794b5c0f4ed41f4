package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "config without path",
			err:  &ConfigError{Reason: "missing required field: name"},
			want: "invalid configuration: missing required field: name",
		},
		{
			name: "config with path",
			err:  &ConfigError{Path: "shop.yaml", Reason: "unknown key"},
			want: "invalid configuration shop.yaml: unknown key",
		},
		{
			name: "cycle",
			err:  &CycleError{Names: []string{"api", "web"}},
			want: "dependency cycle detected among services: api, web",
		},
		{
			name: "unknown dependency",
			err:  &UnknownDependencyError{Service: "web", Dependency: "db"},
			want: `service "web" depends on unknown service "db"`,
		},
		{
			name: "no free port",
			err:  &NoFreePortError{Start: 10000, End: 65000},
			want: "no free port in range 10000-65000",
		},
		{
			name: "health timeout",
			err:  &HealthTimeoutError{Service: "api", Timeout: 30 * time.Second},
			want: `service "api" did not become healthy within 30s`,
		},
		{
			name: "process exit code",
			err:  &ProcessExitedError{Service: "api", ExitCode: 7},
			want: `service "api" process exited with code 7`,
		},
		{
			name: "process killed by signal",
			err:  &ProcessExitedError{Service: "api", ExitCode: -9, Signal: "SIGKILL"},
			want: `service "api" process killed by SIGKILL (exit code -9)`,
		},
		{
			name: "already running",
			err:  &AlreadyRunningError{Service: "api"},
			want: `service "api" is already running`,
		},
		{
			name: "policy denied",
			err:  &PolicyDeniedError{UserID: "alice", Reason: "user blocked: abuse report"},
			want: `policy denied start for user "alice": user blocked: abuse report`,
		},
		{
			name: "policy denied with retry hint",
			err:  &PolicyDeniedError{UserID: "alice", Reason: "rate limit exceeded", Delay: 3 * time.Second},
			want: `policy denied start for user "alice": rate limit exceeded (retry after 3s)`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.EqualError(t, tt.err, tt.want)
		})
	}
}

// Exit-code mapping and API status mapping both locate these types with
// errors.As, so they must stay reachable through wrapped chains.
func TestErrorsSurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("failed to start api: %w",
		&ProcessExitedError{Service: "api", ExitCode: 7})

	var exited *ProcessExitedError
	require.True(t, errors.As(wrapped, &exited))
	assert.Equal(t, 7, exited.ExitCode)

	var health *HealthTimeoutError
	assert.False(t, errors.As(wrapped, &health))
}
