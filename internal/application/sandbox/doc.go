// Package sandbox materializes service artifacts into isolated
// directories and supervises the processes started from them.
//
// The manager coordinates the full service lifecycle:
//   - Materializing artifact files under one sandbox directory
//   - Linking shared dependency environments from the cache
//   - Launching the run command with a composed environment
//   - Probing the health endpoint until the service is ready
//   - Supervising the child and publishing exit events
//
// The dependency cache shares prepared environments between sandboxes
// that declare the same dependency set, keyed order-insensitively.
package sandbox
