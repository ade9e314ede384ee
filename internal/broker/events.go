package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"replenishment-service/internal/models"
	"replenishment-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// NewChangeEvent builds a change event for a stream
func NewChangeEvent(stream, source string, orderIDs ...int64) *models.ChangeEvent {
	return &models.ChangeEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeChange,
			Timestamp: time.Now(),
		},
		Stream:   stream,
		Source:   source,
		OrderIDs: orderIDs,
	}
}

// PublishChange publishes a change event keyed by stream
func (ep *EventPublisher) PublishChange(ctx context.Context, event *models.ChangeEvent) error {
	return ep.producer.PublishEvent(ctx, "stream-"+event.Stream, event)
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler decodes incoming messages and forwards change events to a feed
type EventHandler struct {
	feed   *ChangeFeed
	logger *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler(feed *ChangeFeed) *EventHandler {
	return &EventHandler{feed: feed, logger: util.Component("event-handler")}
}

// HandleMessage routes messages to the change feed
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeChange:
		var event models.ChangeEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal change event: %w", err)
		}
		eh.feed.Dispatch(ctx, &event)

	case models.EventTypeOrderStatusChanged:
		var event models.OrderStatusChangedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal order status event: %w", err)
		}
		// A transition is an orders change for anything watching the stream
		eh.feed.Dispatch(ctx, &models.ChangeEvent{
			BaseEvent: event.BaseEvent,
			Stream:    models.StreamOrders,
			Source:    models.SourceOrderService,
			OrderIDs:  []int64{event.OrderID},
		})

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
