package ports

import "github.com/wronai/pactown/internal/domain"

// ArtifactParser turns a raw Markdown document into the artifact the
// sandbox manager materializes. The orchestration core never parses
// Markdown itself.
type ArtifactParser interface {
	Parse(data []byte) (*domain.Artifact, error)
}
