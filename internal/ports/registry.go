package ports

import "github.com/wronai/pactown/internal/domain"

// EndpointRegistry is the narrow registry capability handed to the
// sandbox manager: announce, withdraw and look up endpoints. The full
// registry (environment composition, persistence) stays behind the
// network package; the registry never calls back into the manager.
type EndpointRegistry interface {
	// Register allocates a port and announces the endpoint
	Register(name string, preferredPort int, healthCheck string) (domain.ServiceEndpoint, error)

	// Unregister withdraws the endpoint and releases its port
	Unregister(name string) error

	// Get looks up a live endpoint by service name
	Get(name string) (domain.ServiceEndpoint, bool)
}
