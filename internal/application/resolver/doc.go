// Package resolver computes deterministic start orders for the
// services of an ecosystem.
//
// The order is a topological sort of the dependency graph with an
// alphabetical tie-break, so repeated runs of the same manifest always
// produce identical startup traces. The package also exports the graph
// in DOT, Mermaid and plain-text form for inspection.
package resolver
