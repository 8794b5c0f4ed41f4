// Package http provides the runner REST API.
//
// The server exposes endpoints for:
//   - Running a service directly from Markdown content
//   - Status, logs, restart and declared endpoint tests
//   - Sandbox file management with path traversal rejection
//   - Content validation, anomaly and cache statistics queries
//   - Health checks and Prometheus metrics
package http
