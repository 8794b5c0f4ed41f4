package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wronai/pactown/internal/ports"
)

func collect(t *testing.T, bus *Bus, topic string) (<-chan ports.Event, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan ports.Event, 16)
	err := bus.Subscribe(ctx, topic, func(_ context.Context, e ports.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	return received, cancel
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	received, cancel := collect(t, bus, "lifecycle")
	defer cancel()

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(ctx, "lifecycle", ports.Event{ID: id}))
	}

	for _, want := range []string{"a", "b", "c"} {
		select {
		case e := <-received:
			assert.Equal(t, want, e.ID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %q", want)
		}
	}
}

func TestBusFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	first, cancelFirst := collect(t, bus, "lifecycle")
	defer cancelFirst()
	second, cancelSecond := collect(t, bus, "lifecycle")
	defer cancelSecond()

	require.NoError(t, bus.Publish(context.Background(), "lifecycle", ports.Event{ID: "x"}))

	for _, ch := range []<-chan ports.Event{first, second} {
		select {
		case e := <-ch:
			assert.Equal(t, "x", e.ID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestBusTopicsAreIsolated(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	received, cancel := collect(t, bus, "lifecycle")
	defer cancel()

	require.NoError(t, bus.Publish(context.Background(), "other", ports.Event{ID: "y"}))

	select {
	case e := <-received:
		t.Fatalf("unexpected event %q on unrelated topic", e.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	received, cancel := collect(t, bus, "lifecycle")
	defer cancel()

	require.NoError(t, bus.Unsubscribe(context.Background(), "lifecycle"))
	require.NoError(t, bus.Publish(context.Background(), "lifecycle", ports.Event{ID: "z"}))

	select {
	case e, ok := <-received:
		if ok {
			t.Fatalf("unexpected event %q after unsubscribe", e.ID)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusContextCancelRemovesSubscription(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, cancel := collect(t, bus, "lifecycle")
	cancel()

	assert.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subs["lifecycle"]) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), "lifecycle", ports.Event{ID: "late"})
	assert.Error(t, err)
	assert.Error(t, bus.Subscribe(context.Background(), "lifecycle", func(context.Context, ports.Event) error { return nil }))
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	seen := make(map[string]bool)
	ctx := context.Background()
	err := bus.Subscribe(ctx, "lifecycle", func(_ context.Context, e ports.Event) error {
		mu.Lock()
		seen[e.ID] = true
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := []string{"p1", "p2", "p3", "p4", "p5"}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, bus.Publish(ctx, "lifecycle", ports.Event{ID: id}))
		}(id)
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(ids)
	}, time.Second, 10*time.Millisecond)
}
