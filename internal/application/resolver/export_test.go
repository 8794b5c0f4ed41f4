package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/domain"
)

func TestDOTExport(t *testing.T) {
	spec := specOf(
		svc("api", dep("db")),
		svc("db"),
	)

	out := DOT(spec)
	assert.Contains(t, out, "digraph test {")
	assert.Contains(t, out, `[label="api"]`)
	assert.Contains(t, out, `[label="db"]`)
	assert.Contains(t, out, "->")
}

func TestDOTExternalDashed(t *testing.T) {
	spec := specOf(
		svc("api", domain.DependencyRef{Name: "billing", Endpoint: "https://billing.example.com"}),
	)

	out := DOT(spec)
	assert.Contains(t, out, "style=dashed")
	assert.Contains(t, out, `[label="billing"`)
}

func TestMermaidExport(t *testing.T) {
	spec := specOf(
		svc("api", dep("db")),
		svc("db"),
	)

	out := Mermaid(spec)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "-->")
}

func TestTextExport(t *testing.T) {
	spec := specOf(
		svc("api", dep("db")),
		svc("db"),
	)
	order, err := New(zap.NewNop()).Order(spec)
	require.NoError(t, err)

	out := Text(spec, order)
	assert.Contains(t, out, "1. db")
	assert.Contains(t, out, "2. api  <- db")
}
