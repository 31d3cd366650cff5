package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type EventType string

const (
	// EventDeliver carries a signaling frame for a user connected elsewhere.
	EventDeliver EventType = "signal.deliver"
)

const eventsChannel = "meshcall:relay:events"

// Event is what relay instances exchange over Redis pub/sub.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	UserID     domain.UserID   `json:"user_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus lets relay instances forward frames to users they do not hold a
// socket for.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	channel    string
	breaker    *circuitbreaker.CircuitBreaker
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		channel:    eventsChannel,
	}
}

// WithBreaker guards Publish so that an unreachable Redis is not retried on
// every frame while the breaker is open.
func (eb *EventBus) WithBreaker(cb *circuitbreaker.CircuitBreaker) *EventBus {
	eb.breaker = cb
	return eb
}

func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	publish := func() error { return eb.client.Publish(ctx, eb.channel, data).Err() }
	if eb.breaker != nil {
		err = eb.breaker.Execute(ctx, publish)
	} else {
		err = publish()
	}
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event", "type", event.Type, "user_id", event.UserID)
	return nil
}

func (eb *EventBus) PublishDelivery(ctx context.Context, userID domain.UserID, frame json.RawMessage) error {
	return eb.Publish(ctx, &Event{
		Type:    EventDeliver,
		UserID:  userID,
		Payload: frame,
	})
}

// Subscribe blocks, calling handler for every event published by other
// instances, until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling event", "type", event.Type, "error", err)
			}
		}
	}
}

// Deliverer writes a frame to a locally connected user.
type Deliverer interface {
	DeliverLocal(userID domain.UserID, frame []byte) bool
}

// DeliveryHandler routes EventDeliver events to local sockets. Frames for
// users not connected here are ignored; another instance owns them.
func DeliveryHandler(d Deliverer) func(*Event) error {
	return func(event *Event) error {
		if event.Type != EventDeliver {
			return nil
		}
		d.DeliverLocal(event.UserID, event.Payload)
		return nil
	}
}
