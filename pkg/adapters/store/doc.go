// Package store provides service state store implementations.
//
// Implementations:
//   - memory: in-process map, the default
//   - redis: Redis-backed with TTL, survives orchestrator restarts
package store
