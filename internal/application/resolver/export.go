package resolver

import (
	"fmt"
	"strings"

	"github.com/wronai/pactown/internal/domain"
)

// DOT exports the dependency graph as Graphviz DOT text. External
// dependencies are drawn as dashed nodes.
func DOT(spec *domain.EcosystemSpec) string {
	var b strings.Builder
	b.WriteString("digraph " + sanitizeID(spec.Name) + " {\n")
	b.WriteString("  rankdir=LR;\n")

	aliases := make(map[string]string, len(spec.Services))
	for i := range spec.Services {
		name := spec.Services[i].Name
		alias := fmt.Sprintf("n%d", i)
		aliases[name] = alias
		b.WriteString(fmt.Sprintf("  %s [label=\"%s\"];\n", alias, escapeDOT(name)))
	}

	external := len(aliases)
	for i := range spec.Services {
		svc := &spec.Services[i]
		for _, dep := range svc.DependsOn {
			to, ok := aliases[dep.Name]
			if !ok {
				if !dep.External() {
					continue
				}
				to = fmt.Sprintf("n%d", external)
				external++
				aliases[dep.Name] = to
				b.WriteString(fmt.Sprintf("  %s [label=\"%s\" style=dashed];\n", to, escapeDOT(dep.Name)))
			}
			b.WriteString(fmt.Sprintf("  %s -> %s;\n", aliases[svc.Name], to))
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// Mermaid exports the dependency graph as Mermaid text.
func Mermaid(spec *domain.EcosystemSpec) string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	aliases := make(map[string]string, len(spec.Services))
	for i := range spec.Services {
		name := spec.Services[i].Name
		alias := fmt.Sprintf("n%d", i)
		aliases[name] = alias
		b.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", alias, escapeDOT(name)))
	}

	external := len(aliases)
	for i := range spec.Services {
		svc := &spec.Services[i]
		for _, dep := range svc.DependsOn {
			to, ok := aliases[dep.Name]
			if !ok {
				if !dep.External() {
					continue
				}
				to = fmt.Sprintf("n%d", external)
				external++
				aliases[dep.Name] = to
				b.WriteString(fmt.Sprintf("    %s([\"%s\"])\n", to, escapeDOT(dep.Name)))
			}
			b.WriteString(fmt.Sprintf("    %s --> %s\n", aliases[svc.Name], to))
		}
	}
	return b.String()
}

// Text renders the start order with each service's dependencies, one
// line per service, for terminal output.
func Text(spec *domain.EcosystemSpec, order []string) string {
	var b strings.Builder
	for i, name := range order {
		b.WriteString(fmt.Sprintf("%d. %s", i+1, name))
		if svc := spec.Service(name); svc != nil && len(svc.DependsOn) > 0 {
			deps := make([]string, 0, len(svc.DependsOn))
			for _, dep := range svc.DependsOn {
				if dep.External() {
					deps = append(deps, dep.Name+" (external)")
					continue
				}
				deps = append(deps, dep.Name)
			}
			b.WriteString("  <- " + strings.Join(deps, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "ecosystem"
	}
	return b.String()
}

func escapeDOT(s string) string {
	return strings.ReplaceAll(s, "\"", "\\\"")
}
