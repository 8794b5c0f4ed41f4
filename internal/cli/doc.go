// Package cli implements the pactown command line: ecosystem lifecycle
// (up, down, status), manifest validation and scaffolding, dependency
// graph export, the runner API server and LLM-backed artifact drafting.
package cli
