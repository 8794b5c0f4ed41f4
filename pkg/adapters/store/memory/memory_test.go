package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/internal/ports"
)

func TestStoreRoundTrip(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	state := domain.ServiceState{
		Name:  "api",
		State: domain.StateRunning,
		Port:  8001,
		PID:   4242,
	}
	require.NoError(t, s.Save(ctx, "api", state))

	got, err := s.Load(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, state, got)

	ok, err := s.Exists(ctx, "api")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api"}, names)

	require.NoError(t, s.Delete(ctx, "api"))
	_, err = s.Load(ctx, "api")
	assert.ErrorIs(t, err, ports.ErrStateNotFound)
}

func TestStoreLoadMissing(t *testing.T) {
	s := NewStore()
	_, err := s.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, ports.ErrStateNotFound)
}

func TestStoreTTLExpiresSnapshots(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "api", domain.ServiceState{Name: "api"}))
	require.NoError(t, s.SetTTL(ctx, "api", time.Millisecond))

	time.Sleep(5 * time.Millisecond)

	ok, err := s.Exists(ctx, "api")
	require.NoError(t, err)
	assert.False(t, ok)

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStoreSetTTLOnMissing(t *testing.T) {
	s := NewStore()
	err := s.SetTTL(context.Background(), "ghost", time.Minute)
	assert.ErrorIs(t, err, ports.ErrStateNotFound)
}

func TestStoreSaveResetsTTL(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "api", domain.ServiceState{Name: "api"}))
	require.NoError(t, s.SetTTL(ctx, "api", time.Millisecond))
	require.NoError(t, s.Save(ctx, "api", domain.ServiceState{Name: "api", Port: 9000}))

	time.Sleep(5 * time.Millisecond)

	got, err := s.Load(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, 9000, got.Port)
}
