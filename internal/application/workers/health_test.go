package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/internal/ports"
	"github.com/wronai/pactown/pkg/adapters/events/memory"
)

type fakeSource struct {
	mu     sync.Mutex
	states []domain.ServiceState
	health map[string]bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{health: make(map[string]bool)}
}

func (f *fakeSource) addRunning(name string, healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, domain.ServiceState{Name: name, State: domain.StateRunning})
	f.health[name] = healthy
}

func (f *fakeSource) setHealth(name string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[name] = ok
}

func (f *fakeSource) List() []domain.ServiceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ServiceState, len(f.states))
	copy(out, f.states)
	return out
}

func (f *fakeSource) CheckHealth(_ context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health[name]
}

func TestHealthMonitorPublishesOnceOnTransition(t *testing.T) {
	source := newFakeSource()
	source.addRunning("api", true)

	bus := memory.NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var events []ports.Event
	err := bus.Subscribe(context.Background(), ports.TopicLifecycle, func(_ context.Context, e ports.Event) error {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	monitor := NewHealthMonitor(source, 10*time.Millisecond, bus, zap.NewNop())
	monitor.Start()
	defer monitor.Stop()

	// Healthy service: several probe cycles, no events.
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, events)
	mu.Unlock()

	source.setHealth("api", false)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, ports.EventServiceUnhealthy, events[0].Type)
	assert.Equal(t, "api", events[0].Service)
	mu.Unlock()

	// Staying unhealthy does not repeat the event.
	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	assert.Len(t, events, 1)
	mu.Unlock()

	// Recovery then a second outage publishes again.
	source.setHealth("api", true)
	time.Sleep(50 * time.Millisecond)
	source.setHealth("api", false)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthMonitorStatus(t *testing.T) {
	source := newFakeSource()
	source.addRunning("db", true)
	source.addRunning("api", false)

	monitor := NewHealthMonitor(source, time.Minute, nil, zap.NewNop())
	monitor.checkAll()

	status := monitor.Status()
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 1, status.Healthy)
	assert.Equal(t, []string{"api"}, status.Unhealthy)
}

func TestHealthMonitorIgnoresNonRunning(t *testing.T) {
	source := newFakeSource()
	source.mu.Lock()
	source.states = append(source.states, domain.ServiceState{Name: "gone", State: domain.StateDead})
	source.mu.Unlock()

	monitor := NewHealthMonitor(source, time.Minute, nil, zap.NewNop())
	monitor.checkAll()

	assert.Equal(t, 0, monitor.Status().Total)
}

func TestHealthMonitorStartStopIdempotent(t *testing.T) {
	monitor := NewHealthMonitor(newFakeSource(), time.Minute, nil, zap.NewNop())
	monitor.Start()
	monitor.Start()
	monitor.Stop()
	monitor.Stop()
}
