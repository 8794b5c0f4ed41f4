// Package manifest loads ecosystem configuration files.
//
// A manifest is a YAML document naming the ecosystem and its services.
// Parsing is strict: unknown keys are rejected so typos fail loudly
// instead of being silently ignored. All load failures are reported as
// *domain.ConfigError.
package manifest
