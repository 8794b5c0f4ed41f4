// Package orchestrator coordinates the lifecycle of a whole ecosystem.
//
// The engine starts services in dependency order (optionally several
// per wave in parallel), composes each service's environment from its
// dependencies' endpoints, and tears everything down in reverse order.
// A failed start rolls back the services already started. Admission
// control, sandboxing, port allocation and health probing are owned by
// collaborators; the engine only sequences them.
//
// The validator checks a manifest and its artifacts before any process
// is spawned.
package orchestrator
