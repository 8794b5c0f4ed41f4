package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wronai/pactown/internal/domain"
)

const sampleManifest = `
name: shop
version: "1.0.0"
description: two tier demo
base_port: 8000
sandbox_root: ./run

services:
  db:
    readme: db/README.md
    port: 8003
    health_check: /health
  api:
    readme: api/README.md
    timeout: 30
    env:
      DEBUG: "1"
    depends_on:
      - name: db
        env_var: DATABASE_URL
`

func TestParseManifest(t *testing.T) {
	spec, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	assert.Equal(t, "shop", spec.Name)
	assert.Equal(t, "1.0.0", spec.Version)
	assert.Equal(t, 8000, spec.BasePort)
	assert.Equal(t, "./run", spec.SandboxRoot)
	require.Len(t, spec.Services, 2)

	db := spec.Service("db")
	require.NotNil(t, db)
	assert.Equal(t, 8003, db.Port)
	assert.Equal(t, "/health", db.HealthCheck)
	assert.Equal(t, DefaultTimeout, db.Timeout)

	api := spec.Service("api")
	require.NotNil(t, api)
	assert.Equal(t, 30*time.Second, api.Timeout)
	assert.Equal(t, "1", api.Env["DEBUG"])
	require.Len(t, api.DependsOn, 1)
	assert.Equal(t, "db", api.DependsOn[0].Name)
	assert.Equal(t, "DATABASE_URL", api.DependsOn[0].URLVar())
}

func TestParsePortDefaultsFollowDeclarationOrder(t *testing.T) {
	spec, err := Parse([]byte(`
name: demo
base_port: 9000
services:
  zeta: {readme: zeta/README.md}
  alpha: {readme: alpha/README.md}
`))
	require.NoError(t, err)

	require.Len(t, spec.Services, 2)
	assert.Equal(t, "zeta", spec.Services[0].Name)
	assert.Equal(t, 9000, spec.Services[0].Port)
	assert.Equal(t, "alpha", spec.Services[1].Name)
	assert.Equal(t, 9001, spec.Services[1].Port)
}

func TestParseScalarDependency(t *testing.T) {
	spec, err := Parse([]byte(`
name: demo
services:
  api:
    readme: api/README.md
    depends_on:
      - db
      - cache@1.2
`))
	require.NoError(t, err)

	api := spec.Service("api")
	require.NotNil(t, api)
	require.Len(t, api.DependsOn, 2)
	assert.Equal(t, "db", api.DependsOn[0].Name)
	assert.Equal(t, "cache", api.DependsOn[1].Name)
	assert.Equal(t, "DB_URL", api.DependsOn[0].URLVar())
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	cases := map[string]string{
		"top level": `
name: demo
replicas: 3
services:
  api: {readme: api/README.md}
`,
		"service level": `
name: demo
services:
  api:
    readme: api/README.md
    auto_restart: true
`,
		"dependency level": `
name: demo
services:
  api:
    readme: api/README.md
    depends_on:
      - {name: db, version: "1.0"}
`,
	}

	for label, doc := range cases {
		t.Run(label, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			var ce *domain.ConfigError
			require.ErrorAs(t, err, &ce)
		})
	}
}

func TestParseRequiresNameAndServices(t *testing.T) {
	_, err := Parse([]byte("services: {api: {readme: x}}"))
	var ce *domain.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "name")

	_, err = Parse([]byte("name: demo"))
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "services")
}

func TestParseRejectsInvalidTimeout(t *testing.T) {
	_, err := Parse([]byte(`
name: demo
services:
  api:
    readme: api/README.md
    timeout: 0
`))
	var ce *domain.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "timeout")
}

func TestLoadAppliesSandboxRootOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eco.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest), 0o644))

	t.Setenv("PACTOWN_SANDBOX_ROOT", "/tmp/elsewhere")
	spec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/elsewhere", spec.SandboxRoot)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	var ce *domain.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.NotEmpty(t, ce.Path)
}
