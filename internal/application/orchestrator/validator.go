package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wronai/pactown/internal/application/resolver"
	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/internal/ports"
)

// Validator checks an ecosystem spec against its artifacts on disk
// before anything starts.
type Validator struct {
	resolver *resolver.Resolver
	parser   ports.ArtifactParser
}

// NewValidator creates a validator using the given resolver for graph
// checks and parser for artifact checks.
func NewValidator(res *resolver.Resolver, parser ports.ArtifactParser) *Validator {
	return &Validator{resolver: res, parser: parser}
}

// Validate returns every issue found, in stable order: graph problems
// first, then per-service artifact problems in declaration order. An
// empty slice means the ecosystem can start.
func (v *Validator) Validate(spec *domain.EcosystemSpec, basePath string) []string {
	var issues []string

	for i := range spec.Services {
		svc := &spec.Services[i]
		for _, dep := range svc.DependsOn {
			if dep.External() {
				continue
			}
			if spec.Service(dep.Name) == nil {
				issues = append(issues, fmt.Sprintf(
					"service %q depends on %q which is not defined in the ecosystem",
					svc.Name, dep.Name))
			}
		}
	}

	if _, err := v.resolver.Order(spec); err != nil {
		var cycleErr *domain.CycleError
		if errors.As(err, &cycleErr) {
			issues = append(issues, cycleErr.Error())
		} else {
			var unknownErr *domain.UnknownDependencyError
			if !errors.As(err, &unknownErr) {
				// Unknown-dependency errors are already listed above.
				issues = append(issues, err.Error())
			}
		}
	}

	for i := range spec.Services {
		issues = append(issues, v.validateArtifact(&spec.Services[i], basePath)...)
	}
	return issues
}

// validateArtifact checks that the service's Markdown definition
// exists, parses, and declares a run command.
func (v *Validator) validateArtifact(svc *domain.ServiceSpec, basePath string) []string {
	path := svc.Artifact
	if !filepath.IsAbs(path) {
		path = filepath.Join(basePath, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{fmt.Sprintf("artifact not found for %q: %s", svc.Name, path)}
		}
		return []string{fmt.Sprintf("cannot read artifact for %q: %v", svc.Name, err)}
	}

	artifact, err := v.parser.Parse(data)
	if err != nil {
		return []string{fmt.Sprintf("artifact for %q does not parse: %v", svc.Name, err)}
	}
	if strings.TrimSpace(artifact.Run) == "" {
		return []string{fmt.Sprintf("artifact for %q declares no run command", svc.Name)}
	}
	return nil
}
