package broker

import (
	"context"
	"fmt"

	"reconciler-service/internal/models"
)

// EventPublisher publishes order lifecycle events for downstream consumers.
// Messages are keyed by order id so per-order ordering is preserved within
// a partition.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderStatusChanged publishes an OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishOrderSynced publishes an OrderSynced event
func (ep *EventPublisher) PublishOrderSynced(ctx context.Context, event *models.OrderSyncedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}
