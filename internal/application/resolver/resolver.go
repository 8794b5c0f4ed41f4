package resolver

import (
	"sort"

	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/domain"
)

// Resolver orders the services of an ecosystem so that every service
// starts after everything it depends on.
type Resolver struct {
	logger *zap.Logger
}

// New creates a resolver.
func New(logger *zap.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// Order returns the service names of spec in start order. Dependencies
// carrying an explicit endpoint are external: they impose no ordering
// constraint. A depends_on entry naming an absent service without an
// endpoint fails with *domain.UnknownDependencyError; a cyclic graph
// fails with *domain.CycleError naming the unresolved services.
func (r *Resolver) Order(spec *domain.EcosystemSpec) ([]string, error) {
	edges, indegree, err := buildGraph(spec)
	if err != nil {
		return nil, err
	}

	// Kahn's algorithm with a sorted worklist: among all nodes of zero
	// in-degree, the alphabetically smallest is emitted first.
	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		var freed []string
		for _, dependent := range edges[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				freed = append(freed, dependent)
			}
		}
		if len(freed) > 0 {
			ready = append(ready, freed...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(indegree) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, &domain.CycleError{Names: stuck}
	}

	r.logger.Debug("resolved start order",
		zap.String("ecosystem", spec.Name),
		zap.Strings("order", order))

	return order, nil
}

// Levels groups the services by dependency depth: services in one
// level depend only on earlier levels and may start concurrently.
// Within a level, names are sorted. Flattening the levels yields a
// valid start order, though not necessarily the one Order returns.
func (r *Resolver) Levels(spec *domain.EcosystemSpec) ([][]string, error) {
	edges, indegree, err := buildGraph(spec)
	if err != nil {
		return nil, err
	}

	var current []string
	for name, deg := range indegree {
		if deg == 0 {
			current = append(current, name)
		}
	}
	sort.Strings(current)

	var levels [][]string
	emitted := 0
	for len(current) > 0 {
		levels = append(levels, current)
		emitted += len(current)

		var next []string
		for _, name := range current {
			for _, dependent := range edges[name] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if emitted != len(indegree) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, &domain.CycleError{Names: stuck}
	}

	return levels, nil
}

// buildGraph returns the dependency adjacency (dependency -> dependents)
// and the in-degree of every service.
func buildGraph(spec *domain.EcosystemSpec) (map[string][]string, map[string]int, error) {
	known := make(map[string]bool, len(spec.Services))
	for i := range spec.Services {
		known[spec.Services[i].Name] = true
	}

	edges := make(map[string][]string, len(spec.Services))
	indegree := make(map[string]int, len(spec.Services))
	for i := range spec.Services {
		indegree[spec.Services[i].Name] = 0
	}

	for i := range spec.Services {
		svc := &spec.Services[i]
		for _, dep := range svc.DependsOn {
			if !known[dep.Name] {
				if dep.External() {
					continue
				}
				return nil, nil, &domain.UnknownDependencyError{
					Service:    svc.Name,
					Dependency: dep.Name,
				}
			}
			if dep.Name == svc.Name {
				return nil, nil, &domain.CycleError{Names: []string{svc.Name}}
			}
			edges[dep.Name] = append(edges[dep.Name], svc.Name)
			indegree[svc.Name]++
		}
	}

	return edges, indegree, nil
}
