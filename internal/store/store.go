package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"reconciler-service/internal/models"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// CreateOrder creates a new preorder at checkout initiation
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (email, status, amount, currency, session_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, order, query,
		order.Email, order.Status, order.Amount, order.Currency, order.SessionID)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderBySessionID retrieves an order by its checkout session id.
// Returns (nil, nil) when no order matches.
func (s *Store) GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE session_id = $1", sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByPaymentIntentID retrieves an order by its payment intent id.
// Returns (nil, nil) when no order matches.
func (s *Store) GetOrderByPaymentIntentID(ctx context.Context, paymentIntentID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE payment_intent_id = $1", paymentIntentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByShopifyOrderID retrieves an order by its attached Shopify order
// id. Returns (nil, nil) when no order matches.
func (s *Store) GetOrderByShopifyOrderID(ctx context.Context, shopifyOrderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE shopify_order_id = $1", shopifyOrderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetLatestOpenOrderByEmail retrieves the most recent non-terminal order
// for an email. Used as the correlation fallback when no external id has
// been attached yet. Returns (nil, nil) when no order matches.
func (s *Store) GetLatestOpenOrderByEmail(ctx context.Context, email string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, `
		SELECT * FROM orders
		WHERE email = $1 AND status IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1`,
		email, models.OrderStatusInitiated, models.OrderStatusProcessing)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus updates the order status. Transition legality is checked
// by the reconciliation engine before calling.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	return err
}

// SetPaymentIntent records the payment intent id on an order
func (s *Store) SetPaymentIntent(ctx context.Context, orderID int64, paymentIntentID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET payment_intent_id = $1, updated_at = NOW() WHERE id = $2",
		paymentIntentID, orderID)
	return err
}

// AttachShopifyOrder attaches the external order id and number to an
// internal order and bumps the sync timestamp. Idempotent: replaying the
// same event sets the same values.
func (s *Store) AttachShopifyOrder(ctx context.Context, orderID int64, shopifyOrderID, shopifyOrderNumber string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET shopify_order_id = $1, shopify_order_number = $2,
		    shopify_synced_at = NOW(), shopify_error = NULL, updated_at = NOW()
		WHERE id = $3`,
		shopifyOrderID, shopifyOrderNumber, orderID)
	return err
}

// UpdateFulfillmentStatus sets the Shopify fulfillment status and bumps the
// sync timestamp.
func (s *Store) UpdateFulfillmentStatus(ctx context.Context, orderID int64, fulfillmentStatus string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET shopify_fulfillment_status = $1, shopify_synced_at = NOW(), updated_at = NOW()
		WHERE id = $2`,
		fulfillmentStatus, orderID)
	return err
}

// SetShopifyError records a failed sync attempt against the order
func (s *Store) SetShopifyError(ctx context.Context, orderID int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET shopify_error = $1, shopify_last_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $2`,
		errMsg, orderID)
	return err
}

// MarkKlaviyoEventSent records that the post-purchase marketing event went
// out for this order.
func (s *Store) MarkKlaviyoEventSent(ctx context.Context, orderID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET klaviyo_event_sent_at = NOW(), updated_at = NOW() WHERE id = $1",
		orderID)
	return err
}

// UpsertCustomer creates a customer profile keyed by email if one does not
// exist. Idempotent under at-least-once task delivery.
func (s *Store) UpsertCustomer(ctx context.Context, email, firstName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (email, first_name)
		VALUES ($1, $2)
		ON CONFLICT (email) DO NOTHING`,
		email, firstName)
	return err
}
