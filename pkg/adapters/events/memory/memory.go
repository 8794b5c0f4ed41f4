package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/wronai/pactown/internal/ports"
)

// subscriptionBuffer bounds the per-subscription queue. A consumer that
// falls further behind loses events rather than blocking publishers.
const subscriptionBuffer = 64

// Bus implements ports.EventBus in process. Every subscription owns a
// dispatch goroutine fed from a buffered queue, so one subscriber sees
// events in publish order and publishing never blocks on handlers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan ports.Event
	closed bool
}

// NewBus creates an empty in-memory event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan ports.Event)}
}

// Publish sends an event to all subscribers of a topic.
func (b *Bus) Publish(ctx context.Context, topic string, event ports.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}
	for _, queue := range b.subs[topic] {
		select {
		case queue <- event:
		default:
			// Queue full: drop for this subscriber.
		}
	}
	return nil
}

// Subscribe registers a handler for events on a topic. The handler runs
// on its own goroutine until the context is cancelled, the topic is
// unsubscribed, or the bus closes. Handler errors are ignored.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("event bus is closed")
	}
	b.nextID++
	id := b.nextID
	queue := make(chan ports.Event, subscriptionBuffer)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan ports.Event)
	}
	b.subs[topic][id] = queue
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				b.drop(topic, id)
				return
			case event, ok := <-queue:
				if !ok {
					return
				}
				_ = handler(ctx, event)
			}
		}
	}()
	return nil
}

// Unsubscribe removes all handlers for a topic. Events already queued
// may still be delivered while the queues drain.
func (b *Bus) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, queue := range b.subs[topic] {
		close(queue)
		delete(b.subs[topic], id)
	}
	delete(b.subs, topic)
	return nil
}

// Close shuts down the bus and every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for id, queue := range subs {
			close(queue)
			delete(subs, id)
		}
		delete(b.subs, topic)
	}
	return nil
}

// drop removes one subscription after its context was cancelled.
func (b *Bus) drop(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[topic]; ok {
		if queue, ok := subs[id]; ok {
			close(queue)
			delete(subs, id)
		}
	}
}
