package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reconciler-service/internal/models"
	"reconciler-service/internal/queue"
	"reconciler-service/internal/util"
)

// TaskHandlers holds the queue task executors. Every handler is idempotent:
// the queue delivers at-least-once and the webhook provider redelivers, so
// duplicate executions must converge on the same state.
type TaskHandlers struct {
	store     OrderStore
	klaviyo   *KlaviyoClient
	publisher Publisher
	email     EmailSender
	logger    *zap.Logger
}

// NewTaskHandlers wires the task executors.
func NewTaskHandlers(store OrderStore, klaviyo *KlaviyoClient, publisher Publisher, email EmailSender) *TaskHandlers {
	return &TaskHandlers{
		store:     store,
		klaviyo:   klaviyo,
		publisher: publisher,
		email:     email,
		logger:    util.GetLogger(),
	}
}

// RegisterAll installs every handler on the queue manager.
func (h *TaskHandlers) RegisterAll(m *queue.Manager) {
	m.Register(queue.TaskMarketingEvent, h.HandleMarketingEvent)
	m.Register(queue.TaskUserCreation, h.HandleUserCreation)
	m.Register(queue.TaskDataSync, h.HandleDataSync)
	m.Register(queue.TaskEmailNotification, h.HandleEmailNotification)
}

// HandleMarketingEvent forwards a purchase event to Klaviyo. The payload's
// idempotency key doubles as the Klaviyo unique_id so server-side dedup
// absorbs at-least-once redelivery.
func (h *TaskHandlers) HandleMarketingEvent(ctx context.Context, task *queue.Task) error {
	var p queue.MarketingEventPayload
	if err := queue.DecodePayload(task, &p); err != nil {
		return err
	}

	props := map[string]interface{}{
		"order_id": p.OrderID,
		"amount":   p.Amount,
		"currency": p.Currency,
	}
	if err := h.klaviyo.TrackEvent(ctx, p.Email, p.Event, p.IdempotencyKey, props); err != nil {
		return fmt.Errorf("klaviyo track failed: %w", err)
	}

	if p.OrderID > 0 {
		if err := h.store.MarkKlaviyoEventSent(ctx, p.OrderID); err != nil {
			// The event went out; only the bookkeeping failed.
			h.logger.Warn("Failed to mark klaviyo event sent",
				zap.Int64("order_id", p.OrderID), zap.Error(err))
		}
	}
	return nil
}

// HandleUserCreation upserts a customer profile keyed by email.
func (h *TaskHandlers) HandleUserCreation(ctx context.Context, task *queue.Task) error {
	var p queue.UserCreationPayload
	if err := queue.DecodePayload(task, &p); err != nil {
		return err
	}

	if err := h.store.UpsertCustomer(ctx, p.Email, p.FirstName); err != nil {
		return fmt.Errorf("customer upsert failed: %w", err)
	}
	return nil
}

// HandleDataSync republishes the current order snapshot to the order-events
// topic. Consumers upsert by order id, so replays are harmless.
func (h *TaskHandlers) HandleDataSync(ctx context.Context, task *queue.Task) error {
	var p queue.DataSyncPayload
	if err := queue.DecodePayload(task, &p); err != nil {
		return err
	}

	order, err := h.store.GetOrderByID(ctx, p.OrderID)
	if err != nil {
		return fmt.Errorf("data sync lookup failed: %w", err)
	}

	if h.publisher == nil {
		h.logger.Debug("Data sync skipped, no publisher configured",
			zap.Int64("order_id", p.OrderID))
		return nil
	}

	event := &models.OrderSyncedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderSynced,
			Timestamp: time.Now(),
		},
		OrderID:            order.ID,
		ShopifyOrderID:     order.ShopifyOrderID.String,
		ShopifyOrderNumber: order.ShopifyOrderNumber.String,
		FulfillmentStatus:  order.ShopifyFulfillmentStatus.String,
	}
	if err := h.publisher.PublishOrderSynced(ctx, event); err != nil {
		return fmt.Errorf("data sync publish failed: %w", err)
	}
	return nil
}

// HandleEmailNotification dispatches a transactional email.
func (h *TaskHandlers) HandleEmailNotification(ctx context.Context, task *queue.Task) error {
	var p queue.EmailNotificationPayload
	if err := queue.DecodePayload(task, &p); err != nil {
		return err
	}

	data := map[string]interface{}{
		"idempotency_key": p.IdempotencyKey,
	}
	if p.OrderID > 0 {
		data["order_id"] = strconv.FormatInt(p.OrderID, 10)
	}

	if err := h.email.Send(ctx, p.To, p.Template, data); err != nil {
		return fmt.Errorf("email send failed: %w", err)
	}
	return nil
}
