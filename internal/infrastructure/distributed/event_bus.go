package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"relaycast/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel carries stream status events.
const DefaultChannel = "relaycast:stream-events"

// Event is the wire form of a stream status change.
type Event struct {
	Type        domain.StreamEventType `json:"type"`
	InstanceID  string                 `json:"instance_id"`
	Timestamp   time.Time              `json:"timestamp"`
	StreamToken domain.StreamToken     `json:"stream_token"`
	ViewerCount int                    `json:"viewer_count"`
}

// EventBus publishes stream status events on a redis channel so other
// services (directory pages, notifiers) can follow live state.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
}

// NewEventBus tags every event with instanceID.
func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    DefaultChannel,
		logger:     logger,
	}
}

// PublishStreamEvent implements ports.StreamEventPublisher.
func (eb *EventBus) PublishStreamEvent(ctx context.Context, ev domain.StreamEvent) error {
	data, err := eb.encode(ev)
	if err != nil {
		return err
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", ev.Type,
		"stream_token", ev.Token,
	)
	return nil
}

func (eb *EventBus) encode(ev domain.StreamEvent) ([]byte, error) {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now()
	}
	data, err := json.Marshal(Event{
		Type:        ev.Type,
		InstanceID:  eb.instanceID,
		Timestamp:   ts.UTC(),
		StreamToken: ev.Token,
		ViewerCount: ev.ViewerCount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}
