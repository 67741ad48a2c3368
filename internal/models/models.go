package models

import (
	"database/sql"
	"time"
)

// Order represents a preorder created at checkout initiation. It is mutated
// exclusively by webhook-driven reconciliation and never hard-deleted.
type Order struct {
	ID       int64  `db:"id" json:"id"`
	Email    string `db:"email" json:"email"`
	Status   string `db:"status" json:"status"`
	Amount   int64  `db:"amount" json:"amount"`
	Currency string `db:"currency" json:"currency"`

	SessionID       sql.NullString `db:"session_id" json:"session_id,omitempty"`
	PaymentIntentID sql.NullString `db:"payment_intent_id" json:"payment_intent_id,omitempty"`

	ShopifyOrderID           sql.NullString `db:"shopify_order_id" json:"shopify_order_id,omitempty"`
	ShopifyOrderNumber       sql.NullString `db:"shopify_order_number" json:"shopify_order_number,omitempty"`
	ShopifyFulfillmentStatus sql.NullString `db:"shopify_fulfillment_status" json:"shopify_fulfillment_status,omitempty"`
	ShopifySyncedAt          sql.NullTime   `db:"shopify_synced_at" json:"shopify_synced_at,omitempty"`
	ShopifyError             sql.NullString `db:"shopify_error" json:"shopify_error,omitempty"`
	ShopifyLastAttemptAt     sql.NullTime   `db:"shopify_last_attempt_at" json:"shopify_last_attempt_at,omitempty"`

	KlaviyoEventSentAt sql.NullTime `db:"klaviyo_event_sent_at" json:"klaviyo_event_sent_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Order statuses
const (
	OrderStatusInitiated  = "initiated"
	OrderStatusProcessing = "processing"
	OrderStatusCompleted  = "completed"
	OrderStatusFailed     = "failed"
	OrderStatusRefunded   = "refunded"
	OrderStatusCancelled  = "cancelled"
)

// orderTransitions lists the allowed forward transitions. Terminal states
// have no outgoing edges; refund/cancel is only reachable from processing
// or completed.
var orderTransitions = map[string][]string{
	OrderStatusInitiated:  {OrderStatusProcessing, OrderStatusCompleted, OrderStatusFailed, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusCompleted, OrderStatusFailed, OrderStatusRefunded, OrderStatusCancelled},
	OrderStatusCompleted:  {OrderStatusRefunded, OrderStatusCancelled},
	OrderStatusFailed:     {},
	OrderStatusRefunded:   {},
	OrderStatusCancelled:  {},
}

// CanTransition reports whether an order may move from one status to another.
// A same-status transition is allowed so that replayed events are no-ops.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether the status accepts no further transitions.
func IsTerminalStatus(status string) bool {
	return len(orderTransitions[status]) == 0
}

// Webhook providers
const (
	ProviderStripe  = "stripe"
	ProviderShopify = "shopify"
)

// Webhook log statuses
const (
	WebhookStatusPending = "pending"
	WebhookStatusSuccess = "success"
	WebhookStatusFailed  = "failed"
)

// WebhookLogEntry records the lifecycle of a single inbound webhook delivery.
// Exactly one terminal entry may exist per (provider, provider_event_id) pair;
// that row is the idempotency anchor for replayed deliveries.
type WebhookLogEntry struct {
	ID              int64          `db:"id" json:"id"`
	WebhookID       string         `db:"webhook_id" json:"webhook_id"`
	Provider        string         `db:"provider" json:"provider"`
	Event           string         `db:"event" json:"event"`
	ProviderEventID string         `db:"provider_event_id" json:"provider_event_id"`
	EntityID        sql.NullString `db:"entity_id" json:"entity_id,omitempty"`
	Status          string         `db:"status" json:"status"`
	Error           sql.NullString `db:"error" json:"error,omitempty"`
	RetryCount      int            `db:"retry_count" json:"retry_count"`
	ReceivedAt      time.Time      `db:"received_at" json:"received_at"`
	ProcessedAt     sql.NullTime   `db:"processed_at" json:"processed_at,omitempty"`
}
