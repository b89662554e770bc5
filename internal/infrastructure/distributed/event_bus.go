package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"alumlink/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of cross-instance event
type EventType string

const (
	EventPresenceChanged EventType = "presence.changed"
	EventUserPush        EventType = "user.push"
)

// Event represents an event fanned out between gateway instances
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	UserID     domain.UserID   `json:"user_id,omitempty"`
	Online     bool            `json:"online,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus provides event publishing and subscription for coordination
// between gateway instances sharing a Redis backend.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
	channels   []string
}

// NewEventBus creates a new event bus
func NewEventBus(
	client *redis.Client,
	instanceID string,
	logger *zap.SugaredLogger,
) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		channels:   []string{"alumlink:events"},
	}
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	channel := eb.channels[0]
	if err := eb.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"user_id", event.UserID,
	)

	return nil
}

// Subscribe subscribes to events and calls handler for each event
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channels...)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			// Skip events from this instance
			if event.InstanceID == eb.instanceID {
				continue
			}

			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// PublishPresence publishes a presence transition for a user. Implements
// ports.PresencePublisher.
func (eb *EventBus) PublishPresence(userID domain.UserID, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := eb.Publish(ctx, &Event{
		Type:   EventPresenceChanged,
		UserID: userID,
		Online: online,
	}); err != nil {
		eb.logger.Warnw("failed to publish presence event",
			"user_id", userID,
			"error", err,
		)
	}
}

// PublishUserPush forwards an outbound event to other instances that may
// hold connections for the user.
func (eb *EventBus) PublishUserPush(ctx context.Context, userID domain.UserID, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}

	return eb.Publish(ctx, &Event{
		Type:    EventUserPush,
		UserID:  userID,
		Payload: payload,
	})
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
