// Package workers provides bounded parallel execution of service
// start tasks and steady-state health monitoring.
//
// The pool runs the services of one dependency wave concurrently, up
// to a configured width, and stops feeding new waves after the first
// failure. The health monitor periodically probes running services and
// publishes an event when one stops answering.
package workers
