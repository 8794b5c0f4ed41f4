// Package domain defines the types shared by every pactown component.
//
// It holds the ecosystem model (specs and dependency references), the
// runtime records (endpoints, lifecycle states, cached environments),
// the security model (tiers, profiles, anomaly events) and the typed
// errors that cross package boundaries.
package domain
