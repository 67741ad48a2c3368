package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reconciler-service/internal/models"
	"reconciler-service/internal/queue"
	"reconciler-service/internal/util"
)

// ErrOrderNotFound is a permanent business rejection: the event could not
// be correlated to any internal order. Logged, never retried.
var ErrOrderNotFound = errors.New("no matching order for event")

// ErrAmountMismatch is a permanent business rejection: the session total
// disagrees with the stored order amount, so completing the order would
// confirm a payment for the wrong value.
var ErrAmountMismatch = errors.New("session amount does not match order")

// sessionAttribute is the note attribute internally-originated Shopify
// orders carry, holding the checkout session id used for correlation.
const sessionAttribute = "checkout_session_id"

// internalTag marks Shopify orders created by this system.
const internalTag = "preorder"

// OrderStore is the subset of the store the reconciliation engine needs.
type OrderStore interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error)
	GetOrderByPaymentIntentID(ctx context.Context, paymentIntentID string) (*models.Order, error)
	GetOrderByShopifyOrderID(ctx context.Context, shopifyOrderID string) (*models.Order, error)
	GetLatestOpenOrderByEmail(ctx context.Context, email string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
	SetPaymentIntent(ctx context.Context, orderID int64, paymentIntentID string) error
	AttachShopifyOrder(ctx context.Context, orderID int64, shopifyOrderID, shopifyOrderNumber string) error
	UpdateFulfillmentStatus(ctx context.Context, orderID int64, fulfillmentStatus string) error
	SetShopifyError(ctx context.Context, orderID int64, errMsg string) error
	MarkKlaviyoEventSent(ctx context.Context, orderID int64) error
	UpsertCustomer(ctx context.Context, email, firstName string) error
}

// TaskScheduler schedules deferred side effects. Implemented by the queue
// manager; scheduling is best-effort and never fails reconciliation.
type TaskScheduler interface {
	Schedule(ctx context.Context, taskType queue.TaskType, data interface{}, opts queue.Options) bool
}

// Publisher publishes order lifecycle events for downstream consumers.
type Publisher interface {
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishOrderSynced(ctx context.Context, event *models.OrderSyncedEvent) error
}

// Reconciler maps verified provider events onto the order state machine.
// Every handler is idempotent: fields are set to payload values, never
// incremented or appended, so replays and out-of-order deliveries converge.
type Reconciler struct {
	store     OrderStore
	tasks     TaskScheduler
	publisher Publisher
	logger    *zap.Logger
}

// NewReconciler creates a reconciliation engine. publisher may be nil when
// Kafka is not configured.
func NewReconciler(store OrderStore, tasks TaskScheduler, publisher Publisher) *Reconciler {
	return &Reconciler{
		store:     store,
		tasks:     tasks,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// ApplyStripeEvent dispatches a verified Stripe event to its handler.
// Returns the internal order id for the webhook log entry.
func (r *Reconciler) ApplyStripeEvent(ctx context.Context, event *models.StripeEvent) (string, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.ApplyStripeEvent")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReconciliationLatency.Observe(time.Since(start).Seconds())
	}()

	var orderID string
	var err error

	switch event.Type {
	case models.StripeEventCheckoutCompleted:
		orderID, err = r.handleCheckoutCompleted(ctx, event)
	case models.StripeEventCheckoutExpired:
		orderID, err = r.handleCheckoutExpired(ctx, event)
	case models.StripeEventPaymentSucceeded:
		orderID, err = r.handlePaymentSucceeded(ctx, event)
	case models.StripeEventPaymentFailed:
		orderID, err = r.handlePaymentFailed(ctx, event)
	case models.StripeEventChargeRefunded:
		orderID, err = r.handleChargeRefunded(ctx, event)
	default:
		// Allowlisted but unhandled: nothing to reconcile.
		r.logger.Warn("No reconciliation handler for Stripe event", zap.String("type", event.Type))
	}

	r.recordOutcome(event.Type, err)
	return orderID, err
}

// ApplyShopifyTopic dispatches a verified Shopify webhook to its handler.
func (r *Reconciler) ApplyShopifyTopic(ctx context.Context, topic string, payload []byte) (string, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.ApplyShopifyTopic")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReconciliationLatency.Observe(time.Since(start).Seconds())
	}()

	if topic == models.ShopifyTopicAppUninstalled {
		r.logger.Warn("Shopify app uninstalled", zap.String("topic", topic))
		r.recordOutcome(topic, nil)
		return "", nil
	}

	var order models.ShopifyOrder
	if err := json.Unmarshal(payload, &order); err != nil {
		err = fmt.Errorf("malformed shopify order payload: %w", err)
		r.recordOutcome(topic, err)
		return "", err
	}

	var orderID string
	var err error

	switch topic {
	case models.ShopifyTopicOrdersCreate:
		orderID, err = r.handleShopifyOrderCreate(ctx, &order)
	case models.ShopifyTopicOrdersUpdated, models.ShopifyTopicOrdersPaid:
		orderID, err = r.handleShopifyOrderRefresh(ctx, &order)
	case models.ShopifyTopicOrdersCancel:
		orderID, err = r.handleShopifyForceFulfillment(ctx, &order, "cancelled")
	case models.ShopifyTopicOrdersFulfill:
		orderID, err = r.handleShopifyForceFulfillment(ctx, &order, "fulfilled")
	default:
		r.logger.Warn("No reconciliation handler for Shopify topic", zap.String("topic", topic))
	}

	r.recordOutcome(topic, err)
	return orderID, err
}

func (r *Reconciler) recordOutcome(topic string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	util.ReconciliationsTotal.WithLabelValues(topic, result).Inc()
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event *models.StripeEvent) (string, error) {
	var session models.StripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return "", fmt.Errorf("malformed checkout session: %w", err)
	}

	order, err := r.correlateSession(ctx, session.ID, session.Email())
	if err != nil {
		return "", err
	}

	if session.AmountTotal > 0 && order.Amount > 0 && session.AmountTotal != order.Amount {
		return orderKey(order), fmt.Errorf("%w: order %d expects %d %s, session %s paid %d",
			ErrAmountMismatch, order.ID, order.Amount, order.Currency, session.ID, session.AmountTotal)
	}

	if session.PaymentIntent != "" {
		if err := r.store.SetPaymentIntent(ctx, order.ID, session.PaymentIntent); err != nil {
			return orderKey(order), fmt.Errorf("failed to record payment intent: %w", err)
		}
	}

	if err := r.transition(ctx, order, models.OrderStatusCompleted, models.ProviderStripe, event.ID); err != nil {
		return orderKey(order), err
	}

	r.scheduleCompletionEffects(ctx, order, event.ID)
	return orderKey(order), nil
}

func (r *Reconciler) handleCheckoutExpired(ctx context.Context, event *models.StripeEvent) (string, error) {
	var session models.StripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return "", fmt.Errorf("malformed checkout session: %w", err)
	}

	order, err := r.correlateSession(ctx, session.ID, session.Email())
	if err != nil {
		return "", err
	}

	return orderKey(order), r.transition(ctx, order, models.OrderStatusCancelled, models.ProviderStripe, event.ID)
}

func (r *Reconciler) handlePaymentSucceeded(ctx context.Context, event *models.StripeEvent) (string, error) {
	var intent models.StripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return "", fmt.Errorf("malformed payment intent: %w", err)
	}

	order, err := r.correlateIntent(ctx, intent.ID, intent.ReceiptEmail)
	if err != nil {
		return "", err
	}

	if err := r.transition(ctx, order, models.OrderStatusCompleted, models.ProviderStripe, event.ID); err != nil {
		return orderKey(order), err
	}

	r.scheduleCompletionEffects(ctx, order, event.ID)
	return orderKey(order), nil
}

func (r *Reconciler) handlePaymentFailed(ctx context.Context, event *models.StripeEvent) (string, error) {
	var intent models.StripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return "", fmt.Errorf("malformed payment intent: %w", err)
	}

	order, err := r.correlateIntent(ctx, intent.ID, intent.ReceiptEmail)
	if err != nil {
		return "", err
	}

	return orderKey(order), r.transition(ctx, order, models.OrderStatusFailed, models.ProviderStripe, event.ID)
}

func (r *Reconciler) handleChargeRefunded(ctx context.Context, event *models.StripeEvent) (string, error) {
	var charge models.StripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return "", fmt.Errorf("malformed charge: %w", err)
	}

	order, err := r.correlateIntent(ctx, charge.PaymentIntent, charge.ReceiptEmail)
	if err != nil {
		return "", err
	}

	return orderKey(order), r.transition(ctx, order, models.OrderStatusRefunded, models.ProviderStripe, event.ID)
}

// handleShopifyOrderCreate attaches the external order id and number to the
// matching internal order. Only internally-originated orders (tagged, or
// carrying the session note attribute) are reconciled; storefront orders
// created outside the checkout flow are skipped.
func (r *Reconciler) handleShopifyOrderCreate(ctx context.Context, shopifyOrder *models.ShopifyOrder) (string, error) {
	sessionID := shopifyOrder.NoteAttribute(sessionAttribute)
	if sessionID == "" && !hasTag(shopifyOrder.Tags, internalTag) {
		r.logger.Info("Skipping externally-originated Shopify order",
			zap.Int64("shopify_order_id", shopifyOrder.ID))
		return "", nil
	}

	// The session id is the mandatory correlation key; email alone is
	// ambiguous when one customer has overlapping checkout sessions.
	if sessionID == "" {
		return "", fmt.Errorf("%w: internally-tagged order %d has no %s attribute",
			ErrOrderNotFound, shopifyOrder.ID, sessionAttribute)
	}

	order, err := r.store.GetOrderBySessionID(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("session correlation lookup failed: %w", err)
	}
	if order == nil {
		return "", fmt.Errorf("%w: session %s", ErrOrderNotFound, sessionID)
	}

	externalID := strconv.FormatInt(shopifyOrder.ID, 10)
	if err := r.store.AttachShopifyOrder(ctx, order.ID, externalID, shopifyOrder.Name); err != nil {
		r.recordShopifyError(ctx, order.ID, err)
		return orderKey(order), fmt.Errorf("failed to attach shopify order: %w", err)
	}

	r.publishSynced(ctx, order.ID, externalID, shopifyOrder.Name, shopifyOrder.FulfillmentStatus)
	r.scheduleDataSync(ctx, order.ID, "shopify_order_attached")
	return orderKey(order), nil
}

// handleShopifyOrderRefresh refreshes the fulfillment status from the
// payload and bumps the sync timestamp. Payment confirmation is tracked via
// the Stripe path, so orders/paid only refreshes fulfillment here.
func (r *Reconciler) handleShopifyOrderRefresh(ctx context.Context, shopifyOrder *models.ShopifyOrder) (string, error) {
	order, err := r.correlateShopify(ctx, shopifyOrder)
	if err != nil {
		return "", err
	}

	if err := r.store.UpdateFulfillmentStatus(ctx, order.ID, shopifyOrder.FulfillmentStatus); err != nil {
		r.recordShopifyError(ctx, order.ID, err)
		return orderKey(order), fmt.Errorf("failed to update fulfillment status: %w", err)
	}

	externalID := strconv.FormatInt(shopifyOrder.ID, 10)
	r.publishSynced(ctx, order.ID, externalID, shopifyOrder.Name, shopifyOrder.FulfillmentStatus)
	return orderKey(order), nil
}

func (r *Reconciler) handleShopifyForceFulfillment(ctx context.Context, shopifyOrder *models.ShopifyOrder, status string) (string, error) {
	order, err := r.correlateShopify(ctx, shopifyOrder)
	if err != nil {
		return "", err
	}

	if err := r.store.UpdateFulfillmentStatus(ctx, order.ID, status); err != nil {
		r.recordShopifyError(ctx, order.ID, err)
		return orderKey(order), fmt.Errorf("failed to force fulfillment status: %w", err)
	}

	externalID := strconv.FormatInt(shopifyOrder.ID, 10)
	r.publishSynced(ctx, order.ID, externalID, shopifyOrder.Name, status)
	return orderKey(order), nil
}

// correlateSession finds the internal order for a checkout session, falling
// back to the most recent open order for the customer email.
func (r *Reconciler) correlateSession(ctx context.Context, sessionID, email string) (*models.Order, error) {
	if sessionID != "" {
		order, err := r.store.GetOrderBySessionID(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("session correlation lookup failed: %w", err)
		}
		if order != nil {
			return order, nil
		}
	}

	if email != "" {
		order, err := r.store.GetLatestOpenOrderByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("email correlation lookup failed: %w", err)
		}
		if order != nil {
			return order, nil
		}
	}

	return nil, fmt.Errorf("%w: session=%s", ErrOrderNotFound, sessionID)
}

func (r *Reconciler) correlateIntent(ctx context.Context, paymentIntentID, email string) (*models.Order, error) {
	if paymentIntentID != "" {
		order, err := r.store.GetOrderByPaymentIntentID(ctx, paymentIntentID)
		if err != nil {
			return nil, fmt.Errorf("payment intent correlation lookup failed: %w", err)
		}
		if order != nil {
			return order, nil
		}
	}

	if email != "" {
		order, err := r.store.GetLatestOpenOrderByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("email correlation lookup failed: %w", err)
		}
		if order != nil {
			return order, nil
		}
	}

	return nil, fmt.Errorf("%w: payment_intent=%s", ErrOrderNotFound, paymentIntentID)
}

// recordShopifyError writes the sync failure onto the order so operators
// can see the last failed attempt. Best-effort: the original error is the
// one that propagates.
func (r *Reconciler) recordShopifyError(ctx context.Context, orderID int64, cause error) {
	if err := r.store.SetShopifyError(ctx, orderID, cause.Error()); err != nil {
		r.logger.Error("Failed to record shopify sync error",
			zap.Int64("order_id", orderID), zap.Error(err))
	}
}

func (r *Reconciler) correlateShopify(ctx context.Context, shopifyOrder *models.ShopifyOrder) (*models.Order, error) {
	externalID := strconv.FormatInt(shopifyOrder.ID, 10)
	order, err := r.store.GetOrderByShopifyOrderID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("shopify correlation lookup failed: %w", err)
	}
	if order != nil {
		return order, nil
	}

	if sessionID := shopifyOrder.NoteAttribute(sessionAttribute); sessionID != "" {
		order, err = r.store.GetOrderBySessionID(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("session correlation lookup failed: %w", err)
		}
		if order != nil {
			return order, nil
		}
	}

	return nil, fmt.Errorf("%w: shopify_order=%d", ErrOrderNotFound, shopifyOrder.ID)
}

// transition moves an order along the state machine. Replaying the same
// target status is a no-op; an illegal transition (out-of-order or stale
// delivery) is skipped with a warning rather than applied, so terminal
// states are never left.
func (r *Reconciler) transition(ctx context.Context, order *models.Order, to, provider, providerEventID string) error {
	if order.Status == to {
		return nil
	}
	if !models.CanTransition(order.Status, to) {
		r.logger.Warn("Skipping illegal status transition",
			zap.Int64("order_id", order.ID),
			zap.String("from", order.Status),
			zap.String("to", to),
			zap.String("provider_event_id", providerEventID))
		return nil
	}

	if err := r.store.UpdateOrderStatus(ctx, order.ID, to); err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	old := order.Status
	order.Status = to

	r.logger.Info("Order status transitioned",
		zap.Int64("order_id", order.ID),
		zap.String("from", old),
		zap.String("to", to))

	if r.publisher != nil {
		event := &models.OrderStatusChangedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOrderStatusChanged,
				Timestamp: time.Now(),
			},
			OrderID:         order.ID,
			Email:           order.Email,
			OldStatus:       old,
			NewStatus:       to,
			Provider:        provider,
			ProviderEventID: providerEventID,
		}
		if err := r.publisher.PublishOrderStatusChanged(ctx, event); err != nil {
			r.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
		}
	}

	return nil
}

// scheduleCompletionEffects queues the post-purchase side effects. All of
// them are best-effort: a Redis outage loses the side effect, never the
// order mutation.
func (r *Reconciler) scheduleCompletionEffects(ctx context.Context, order *models.Order, providerEventID string) {
	if r.tasks == nil {
		return
	}

	idempotencyKey := fmt.Sprintf("%s:%d", providerEventID, order.ID)

	r.tasks.Schedule(ctx, queue.TaskMarketingEvent, queue.MarketingEventPayload{
		IdempotencyKey: idempotencyKey,
		Email:          order.Email,
		Event:          "Placed Preorder",
		OrderID:        order.ID,
		Amount:         order.Amount,
		Currency:       order.Currency,
	}, queue.Options{Priority: queue.PriorityHigh})

	r.tasks.Schedule(ctx, queue.TaskUserCreation, queue.UserCreationPayload{
		IdempotencyKey: idempotencyKey,
		Email:          order.Email,
	}, queue.Options{})

	r.tasks.Schedule(ctx, queue.TaskEmailNotification, queue.EmailNotificationPayload{
		IdempotencyKey: idempotencyKey,
		To:             order.Email,
		Template:       "order_confirmation",
		OrderID:        order.ID,
	}, queue.Options{Priority: queue.PriorityHigh})

	r.scheduleDataSync(ctx, order.ID, "order_completed")
}

func (r *Reconciler) scheduleDataSync(ctx context.Context, orderID int64, reason string) {
	if r.tasks == nil {
		return
	}
	r.tasks.Schedule(ctx, queue.TaskDataSync, queue.DataSyncPayload{
		IdempotencyKey: fmt.Sprintf("%s:%d", reason, orderID),
		OrderID:        orderID,
		Reason:         reason,
	}, queue.Options{Priority: queue.PriorityLow})
}

func (r *Reconciler) publishSynced(ctx context.Context, orderID int64, shopifyOrderID, orderNumber, fulfillment string) {
	if r.publisher == nil {
		return
	}
	event := &models.OrderSyncedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderSynced,
			Timestamp: time.Now(),
		},
		OrderID:            orderID,
		ShopifyOrderID:     shopifyOrderID,
		ShopifyOrderNumber: orderNumber,
		FulfillmentStatus:  fulfillment,
	}
	if err := r.publisher.PublishOrderSynced(ctx, event); err != nil {
		r.logger.Error("Failed to publish OrderSynced event", zap.Error(err))
	}
}

func orderKey(order *models.Order) string {
	return strconv.FormatInt(order.ID, 10)
}

func hasTag(tags, want string) bool {
	for _, tag := range strings.Split(tags, ",") {
		if strings.TrimSpace(tag) == want {
			return true
		}
	}
	return false
}
