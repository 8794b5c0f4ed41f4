package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/internal/ports"
)

// Store implements ports.StateStore with an in-process map. It is the
// default backend; snapshots live only as long as the orchestrator.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	state     domain.ServiceState
	expiresAt time.Time // zero means no expiry
}

// NewStore creates an empty in-memory state store.
func NewStore() *Store {
	return &Store{entries: make(map[string]entry)}
}

// Save persists the snapshot for a service. Saving resets any TTL.
func (s *Store) Save(ctx context.Context, name string, state domain.ServiceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[name] = entry{state: state}
	return nil
}

// Load retrieves the snapshot for a service.
func (s *Store) Load(ctx context.Context, name string) (domain.ServiceState, error) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		return domain.ServiceState{}, fmt.Errorf("%w: %s", ports.ErrStateNotFound, name)
	}
	return e.state, nil
}

// Delete removes the snapshot for a service.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, name)
	return nil
}

// Exists checks whether a snapshot is stored for a service.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()

	return ok && !e.expired(time.Now()), nil
}

// SetTTL sets a time-to-live on a stored snapshot. Expiry is enforced
// lazily on reads.
func (s *Store) SetTTL(ctx context.Context, name string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ports.ErrStateNotFound, name)
	}
	e.expiresAt = time.Now().Add(ttl)
	s.entries[name] = e
	return nil
}

// List returns the names of all stored snapshots.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	names := make([]string, 0, len(s.entries))
	for name, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, name)
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}
