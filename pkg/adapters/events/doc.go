// Package events provides event bus implementations.
//
// Implementations:
//   - memory: in-process fan-out, the default
//   - redis: Redis Streams with consumer groups, for multi-process
//     deployments
package events
