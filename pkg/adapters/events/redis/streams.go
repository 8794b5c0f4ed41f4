package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/ports"
)

const streamPrefix = "pactown:events:"

// StreamsBus implements ports.EventBus on Redis Streams with consumer
// groups, so lifecycle events survive orchestrator restarts and fan out
// across processes.
type StreamsBus struct {
	client        *redis.Client
	logger        *zap.Logger
	consumerGroup string
	consumerName  string
}

// NewStreamsBus creates a Redis Streams event bus. Consumers with the
// same group share the stream; distinct groups each see every event.
func NewStreamsBus(client *redis.Client, consumerGroup, consumerName string, logger *zap.Logger) *StreamsBus {
	return &StreamsBus{
		client:        client,
		logger:        logger,
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
	}
}

// Publish appends an event to the topic's stream.
func (b *StreamsBus) Publish(ctx context.Context, topic string, event ports.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey(topic),
		Values: map[string]interface{}{"data": string(data)},
	}
	if _, err := b.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	b.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("topic", topic))
	return nil
}

// Subscribe registers a handler for events on a topic. Reading runs on
// a background goroutine until the context is cancelled.
func (b *StreamsBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	key := streamKey(topic)

	err := b.client.XGroupCreateMkStream(ctx, key, b.consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	b.logger.Info("subscribed to event stream",
		zap.String("stream", key),
		zap.String("consumer_group", b.consumerGroup),
		zap.String("consumer", b.consumerName))

	go b.readStream(ctx, key, handler)
	return nil
}

// readStream polls the stream and dispatches messages until ctx ends.
func (b *StreamsBus) readStream(ctx context.Context, key string, handler ports.EventHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.consumerGroup,
			Consumer: b.consumerName,
			Streams:  []string{key, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || err == context.Canceled {
				continue
			}
			b.logger.Error("failed to read from stream",
				zap.String("stream", key),
				zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				b.processMessage(ctx, key, message, handler)
			}
		}
	}
}

// processMessage decodes one stream entry, hands it to the handler and
// acknowledges it. Undecodable entries are acknowledged too, so a bad
// payload cannot wedge the group.
func (b *StreamsBus) processMessage(ctx context.Context, key string, message redis.XMessage, handler ports.EventHandler) {
	ack := func() {
		if err := b.client.XAck(ctx, key, b.consumerGroup, message.ID).Err(); err != nil {
			b.logger.Error("failed to acknowledge message",
				zap.String("stream", key),
				zap.String("message_id", message.ID),
				zap.Error(err))
		}
	}

	data, ok := message.Values["data"].(string)
	if !ok {
		b.logger.Error("invalid message format",
			zap.String("stream", key),
			zap.String("message_id", message.ID))
		ack()
		return
	}

	var event ports.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		b.logger.Error("failed to unmarshal event",
			zap.String("stream", key),
			zap.String("message_id", message.ID),
			zap.Error(err))
		ack()
		return
	}

	if err := handler(ctx, event); err != nil {
		// Left unacked: the entry stays pending and is redelivered on
		// the next claim.
		b.logger.Error("handler error",
			zap.String("stream", key),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}
	ack()
}

// Unsubscribe is a no-op for streams; readers stop when their
// subscription context is cancelled.
func (b *StreamsBus) Unsubscribe(ctx context.Context, topic string) error {
	return nil
}

// Close releases nothing; the Redis client is owned by the caller.
func (b *StreamsBus) Close() error {
	return nil
}

// streamKey returns the Redis stream key for a topic.
func streamKey(topic string) string {
	return streamPrefix + topic
}
