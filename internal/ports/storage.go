package ports

import (
	"context"
	"errors"
	"time"

	"github.com/wronai/pactown/internal/domain"
)

// ErrStateNotFound is returned by Load when no snapshot is stored under
// the requested name. Implementations wrap it so callers can errors.Is.
var ErrStateNotFound = errors.New("state not found")

// StateStore persists service runtime snapshots so that status queries
// and crash-reload reconciliation survive process restarts.
type StateStore interface {
	// Save persists the snapshot for a service
	Save(ctx context.Context, name string, state domain.ServiceState) error

	// Load retrieves the snapshot for a service
	Load(ctx context.Context, name string) (domain.ServiceState, error)

	// Delete removes the snapshot for a service
	Delete(ctx context.Context, name string) error

	// Exists checks whether a snapshot is stored for a service
	Exists(ctx context.Context, name string) (bool, error)

	// SetTTL sets a time-to-live on a stored snapshot
	SetTTL(ctx context.Context, name string, ttl time.Duration) error

	// List returns the names of all stored snapshots
	List(ctx context.Context) ([]string, error)
}
