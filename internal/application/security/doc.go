// Package security enforces per-user admission control on service
// starts.
//
// The policy runs six ordered checks, short-circuiting on the first
// failure:
//   - Blocked profile
//   - Token bucket rate limit
//   - Concurrent service limit
//   - Hourly sliding-window start limit
//   - Port allowlist
//   - Server load throttle
//
// Every denied or throttled decision is recorded as an anomaly in an
// append-only JSON-lines log with an optional synchronous hook.
package security
