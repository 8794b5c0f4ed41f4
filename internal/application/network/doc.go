// Package network provides local service discovery: a loopback port
// allocator and a name-to-endpoint registry.
//
// The registry persists to a JSON file under the sandbox root so that
// endpoints survive a process restart; on reload it reconciles the file
// against the set of processes that are actually alive.
package network
