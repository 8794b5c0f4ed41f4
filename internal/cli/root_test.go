package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/internal/manifest"
)

func TestExitCodeClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"config error", &domain.ConfigError{Reason: "bad manifest"}, exitUsage},
		{"wrapped cycle", fmt.Errorf("resolve: %w", &domain.CycleError{Names: []string{"a", "b"}}), exitUsage},
		{"unknown dependency", &domain.UnknownDependencyError{Service: "web", Dependency: "ghost"}, exitUsage},
		{"policy denial", &domain.PolicyDeniedError{UserID: "u1", Reason: "blocked"}, exitPolicy},
		{"policy denial beats runtime wrapper", &runtimeError{err: &domain.PolicyDeniedError{Reason: "blocked"}}, exitPolicy},
		{"runtime marker", &runtimeError{err: errors.New("redis unreachable")}, exitRuntime},
		{"process exited", &domain.ProcessExitedError{Service: "api", ExitCode: 1}, exitRuntime},
		{"health timeout", &domain.HealthTimeoutError{Service: "api", Timeout: time.Second}, exitRuntime},
		{"no free port", &domain.NoFreePortError{Start: 10000, End: 10001}, exitRuntime},
		{"already running", &domain.AlreadyRunningError{Service: "api"}, exitRuntime},
		{"unclassified", errors.New("mystery"), exitUsage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCode(tc.err))
		})
	}
}

func TestStarterManifestIsLoadable(t *testing.T) {
	content := fmt.Sprintf(starterManifest, "shop", "shop")

	spec, err := manifest.Parse([]byte(content))
	require.NoError(t, err)
	assert.Equal(t, "shop", spec.Name)
	assert.Equal(t, 8000, spec.BasePort)
	assert.Equal(t, "http://localhost:8800", spec.Registry)
	require.Len(t, spec.Services, 2)

	web := spec.Service("web")
	require.NotNil(t, web)
	require.Len(t, web.DependsOn, 1)
	assert.Equal(t, "api", web.DependsOn[0].Name)
	assert.True(t, web.DependsOn[0].External(),
		"the scaffold pins the dependency to an endpoint so up works before api exists")
}

func TestInitCommandWritesScaffold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eco.yaml")

	cmd := newInitCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--name", "shop", "--output", path})
	require.NoError(t, cmd.Execute())

	spec, err := manifest.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "shop", spec.Name)

	assert.Contains(t, out.String(), "Created "+path)
	assert.Contains(t, out.String(), "Next steps:")
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eco.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const planManifest = `name: shop
services:
  web:
    readme: services/web/README.md
    port: 8002
    depends_on:
      - name: api
  api:
    readme: services/api/README.md
    port: 8001
`

func TestPrintPlanShowsDependencyOrder(t *testing.T) {
	path := writeManifest(t, planManifest)

	var buf bytes.Buffer
	require.NoError(t, printPlan(&buf, path, zap.NewNop()))

	out := buf.String()
	assert.Contains(t, out, "Dry run: shop")
	assert.Contains(t, out, "Would start services in order:")
	assert.Contains(t, out, "1. api:8001")
	assert.Contains(t, out, "2. web:8002")
	assert.Contains(t, out, "deps: api")
}

func TestGraphCommandFormats(t *testing.T) {
	logger = zap.NewNop()
	path := writeManifest(t, planManifest)

	for format, want := range map[string]string{
		"text":    "1. api",
		"dot":     "digraph shop {",
		"mermaid": "graph TD",
	} {
		cmd := newGraphCmd()
		out := &bytes.Buffer{}
		cmd.SetOut(out)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{path, "--format", format})
		require.NoError(t, cmd.Execute(), format)
		assert.Contains(t, out.String(), want, format)
	}

	cmd := newGraphCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{path, "--format", "bogus"})
	err := cmd.Execute()
	var confErr *domain.ConfigError
	require.ErrorAs(t, err, &confErr)
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestValidateCommand(t *testing.T) {
	logger = zap.NewNop()
	dir := t.TempDir()
	path := filepath.Join(dir, "eco.yaml")
	content := `name: shop
services:
  api:
    readme: services/api/README.md
    port: 8001
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	// The referenced artifact does not exist yet.
	cmd := newValidateCmd()
	errOut := &bytes.Buffer{}
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(errOut)
	cmd.SetArgs([]string{path})
	err := cmd.Execute()
	var confErr *domain.ConfigError
	require.ErrorAs(t, err, &confErr)
	assert.Contains(t, errOut.String(), "artifact not found")

	readme := filepath.Join(dir, "services", "api", "README.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(readme), 0o755))
	require.NoError(t, os.WriteFile(readme,
		[]byte("# api\n\n```bash pactown:run\npython app.py\n```\n"), 0o644))

	cmd = newValidateCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "shop is valid")
}
