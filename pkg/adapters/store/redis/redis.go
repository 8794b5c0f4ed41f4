package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/internal/ports"
)

const keyPrefix = "pactown:state:"

// Store implements ports.StateStore on Redis. Snapshots carry a default
// TTL so records from a crashed orchestrator age out on their own.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStore creates a Redis state store. ttl is applied to every Save;
// zero keeps snapshots until deleted.
func NewStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Save persists the snapshot for a service.
func (s *Store) Save(ctx context.Context, name string, state domain.ServiceState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := s.client.Set(ctx, stateKey(name), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	s.logger.Debug("state saved",
		zap.String("service", name),
		zap.String("state", string(state.State)))
	return nil
}

// Load retrieves the snapshot for a service.
func (s *Store) Load(ctx context.Context, name string) (domain.ServiceState, error) {
	data, err := s.client.Get(ctx, stateKey(name)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.ServiceState{}, fmt.Errorf("%w: %s", ports.ErrStateNotFound, name)
		}
		return domain.ServiceState{}, fmt.Errorf("failed to get state: %w", err)
	}

	var state domain.ServiceState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.ServiceState{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, nil
}

// Delete removes the snapshot for a service.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, stateKey(name)).Err(); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

// Exists checks whether a snapshot is stored for a service.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	result, err := s.client.Exists(ctx, stateKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check existence: %w", err)
	}
	return result > 0, nil
}

// SetTTL sets a time-to-live on a stored snapshot.
func (s *Store) SetTTL(ctx context.Context, name string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, stateKey(name), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set TTL: %w", err)
	}
	return nil
}

// List returns the names of all stored snapshots.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		batch, next, err := s.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	names := make([]string, 0, len(keys))
	for _, key := range keys {
		if len(key) > len(keyPrefix) {
			names = append(names, key[len(keyPrefix):])
		}
	}
	return names, nil
}

// stateKey returns the Redis key for a service snapshot.
func stateKey(name string) string {
	return keyPrefix + name
}
