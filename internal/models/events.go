package models

import "time"

// Event types published to the order-events topic for downstream consumers
// (data warehouse sync, marketing pipeline).
const (
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypeOrderSynced        = "ORDER_SYNCED"
)

// BaseEvent contains common fields for all published events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderStatusChangedEvent is published after a webhook-driven status
// transition commits.
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID         int64  `json:"order_id"`
	Email           string `json:"email"`
	OldStatus       string `json:"old_status"`
	NewStatus       string `json:"new_status"`
	Provider        string `json:"provider"`
	ProviderEventID string `json:"provider_event_id"`
}

// OrderSyncedEvent is published when external Shopify order fields are
// attached or refreshed on an internal order.
type OrderSyncedEvent struct {
	BaseEvent
	OrderID            int64  `json:"order_id"`
	ShopifyOrderID     string `json:"shopify_order_id"`
	ShopifyOrderNumber string `json:"shopify_order_number,omitempty"`
	FulfillmentStatus  string `json:"fulfillment_status,omitempty"`
}
