package ports

import (
	"context"
	"time"
)

// TopicLifecycle is the bus topic carrying every lifecycle event.
const TopicLifecycle = "lifecycle.events"

// EventType identifies the kind of lifecycle event on the bus.
type EventType string

const (
	EventServiceStarting  EventType = "service.starting"
	EventServiceStarted   EventType = "service.started"
	EventServiceStopped   EventType = "service.stopped"
	EventServiceExited    EventType = "service.exited"
	EventServiceUnhealthy EventType = "service.unhealthy"
	EventSandboxCreated   EventType = "sandbox.created"
	EventSandboxDestroyed EventType = "sandbox.destroyed"
	EventCacheHit         EventType = "cache.hit"
	EventCacheMiss        EventType = "cache.miss"
	EventPolicyDenied     EventType = "policy.denied"
	EventEcosystemUp      EventType = "ecosystem.up"
	EventEcosystemDown    EventType = "ecosystem.down"
)

// Event is one lifecycle notification flowing through an EventBus.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Ecosystem string                 `json:"ecosystem,omitempty"`
	Service   string                 `json:"service,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventHandler processes events delivered to a subscription.
type EventHandler func(ctx context.Context, event Event) error

// EventBus decouples event producers from consumers. Implementations
// must be safe for concurrent use.
type EventBus interface {
	// Publish sends an event to all subscribers of a topic
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe registers a handler for events on a topic
	Subscribe(ctx context.Context, topic string, handler EventHandler) error

	// Unsubscribe removes all handlers for a topic
	Unsubscribe(ctx context.Context, topic string) error

	// Close shuts down the event bus
	Close() error
}
