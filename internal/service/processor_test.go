package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reconciler-service/internal/models"
	"reconciler-service/internal/webhook"
)

const (
	testStripeSecret  = "whsec_test"
	testShopifySecret = "shpss_test"
)

// fakeLogStore is an in-memory WebhookLogStore.
type fakeLogStore struct {
	entries   []*models.WebhookLogEntry
	createErr error
	nextID    int64
}

func (s *fakeLogStore) CreateWebhookLog(ctx context.Context, entry *models.WebhookLogEntry) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.nextID++
	entry.ID = s.nextID
	entry.Status = models.WebhookStatusPending
	s.entries = append(s.entries, entry)
	return nil
}

func (s *fakeLogStore) MarkWebhookLogSuccess(ctx context.Context, logID int64, entityID string) error {
	for _, e := range s.entries {
		if e.ID == logID {
			e.Status = models.WebhookStatusSuccess
			e.EntityID = sql.NullString{String: entityID, Valid: entityID != ""}
			return nil
		}
	}
	return fmt.Errorf("log entry not found: %d", logID)
}

func (s *fakeLogStore) MarkWebhookLogFailure(ctx context.Context, logID int64, errMsg string) error {
	for _, e := range s.entries {
		if e.ID == logID {
			e.Status = models.WebhookStatusFailed
			e.Error = sql.NullString{String: errMsg, Valid: true}
			return nil
		}
	}
	return fmt.Errorf("log entry not found: %d", logID)
}

func (s *fakeLogStore) FindTerminalWebhookLog(ctx context.Context, provider, providerEventID string) (*models.WebhookLogEntry, error) {
	for _, e := range s.entries {
		if e.Provider == provider && e.ProviderEventID == providerEventID &&
			(e.Status == models.WebhookStatusSuccess || e.Status == models.WebhookStatusFailed) {
			return e, nil
		}
	}
	return nil, nil
}

func stripeSignature(secret string, body []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), body)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func shopifySignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newTestProcessor(orders *fakeOrderStore, logs *fakeLogStore) *WebhookProcessor {
	reconciler := NewReconciler(orders, &fakeScheduler{}, nil)
	return NewWebhookProcessor(
		webhook.NewStripeVerifier(testStripeSecret),
		webhook.NewShopifyVerifier(testShopifySecret),
		logs,
		reconciler,
	)
}

func TestProcessStripeHappyPath(t *testing.T) {
	order := initiatedOrder(1, "a@b.com", "cs_1")
	logs := &fakeLogStore{}
	p := newTestProcessor(newFakeOrderStore(order), logs)

	body := []byte(`{"id":"evt_10","type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`)
	sig := stripeSignature(testStripeSecret, body, time.Now())

	err := p.ProcessStripe(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)

	require.Len(t, logs.entries, 1)
	assert.Equal(t, models.WebhookStatusSuccess, logs.entries[0].Status)
	assert.Equal(t, "1", logs.entries[0].EntityID.String)
	assert.Equal(t, "evt_10", logs.entries[0].ProviderEventID)
}

func TestProcessStripeRejectsBadSignature(t *testing.T) {
	order := initiatedOrder(1, "a@b.com", "cs_1")
	logs := &fakeLogStore{}
	p := newTestProcessor(newFakeOrderStore(order), logs)

	body := []byte(`{"id":"evt_10","type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`)
	sig := stripeSignature("whsec_wrong", body, time.Now())

	err := p.ProcessStripe(context.Background(), body, sig)
	assert.ErrorIs(t, err, webhook.ErrInvalidSignature)

	// Rejected deliveries leave no trace: no log entry, no mutation.
	assert.Empty(t, logs.entries)
	assert.Equal(t, models.OrderStatusInitiated, order.Status)
}

func TestProcessStripeDuplicateShortCircuits(t *testing.T) {
	order := initiatedOrder(1, "a@b.com", "cs_1")
	logs := &fakeLogStore{}
	p := newTestProcessor(newFakeOrderStore(order), logs)

	body := []byte(`{"id":"evt_10","type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`)

	err := p.ProcessStripe(context.Background(), body, stripeSignature(testStripeSecret, body, time.Now()))
	require.NoError(t, err)
	err = p.ProcessStripe(context.Background(), body, stripeSignature(testStripeSecret, body, time.Now()))
	require.NoError(t, err)

	// The second delivery is deduplicated against the terminal log entry.
	assert.Len(t, logs.entries, 1)
}

func TestProcessStripeIgnoresUnsupportedEvent(t *testing.T) {
	logs := &fakeLogStore{}
	p := newTestProcessor(newFakeOrderStore(), logs)

	body := []byte(`{"id":"evt_11","type":"invoice.created","data":{"object":{}}}`)
	sig := stripeSignature(testStripeSecret, body, time.Now())

	err := p.ProcessStripe(context.Background(), body, sig)
	assert.NoError(t, err)
	assert.Empty(t, logs.entries)
}

func TestProcessStripeMalformedBody(t *testing.T) {
	logs := &fakeLogStore{}
	p := newTestProcessor(newFakeOrderStore(), logs)

	body := []byte(`{not json`)
	sig := stripeSignature(testStripeSecret, body, time.Now())

	err := p.ProcessStripe(context.Background(), body, sig)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestProcessStripeReconcileFailureRecordedAsFailed(t *testing.T) {
	// No orders: correlation fails, but the delivery is still durably
	// recorded and acknowledged.
	logs := &fakeLogStore{}
	p := newTestProcessor(newFakeOrderStore(), logs)

	body := []byte(`{"id":"evt_12","type":"checkout.session.completed","data":{"object":{"id":"cs_missing"}}}`)
	sig := stripeSignature(testStripeSecret, body, time.Now())

	err := p.ProcessStripe(context.Background(), body, sig)
	assert.NoError(t, err)

	require.Len(t, logs.entries, 1)
	assert.Equal(t, models.WebhookStatusFailed, logs.entries[0].Status)
	assert.Contains(t, logs.entries[0].Error.String, "no matching order")

	// The failed entry is terminal: a redelivery is deduplicated rather
	// than retried through reconciliation.
	err = p.ProcessStripe(context.Background(), body, sig)
	assert.NoError(t, err)
	assert.Len(t, logs.entries, 1)
}

func TestProcessStripeLogWriteFailureSurfaces(t *testing.T) {
	order := initiatedOrder(1, "a@b.com", "cs_1")
	logs := &fakeLogStore{createErr: fmt.Errorf("connection refused")}
	p := newTestProcessor(newFakeOrderStore(order), logs)

	body := []byte(`{"id":"evt_13","type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`)
	sig := stripeSignature(testStripeSecret, body, time.Now())

	err := p.ProcessStripe(context.Background(), body, sig)
	assert.Error(t, err)
	// Nothing recorded, nothing mutated: the provider retries the whole
	// delivery later.
	assert.Equal(t, models.OrderStatusInitiated, order.Status)
}

func TestProcessShopifyHappyPath(t *testing.T) {
	order := initiatedOrder(2, "a@b.com", "cs_2")
	order.Status = models.OrderStatusCompleted
	logs := &fakeLogStore{}
	p := newTestProcessor(newFakeOrderStore(order), logs)

	body := []byte(`{"id":777,"name":"#2001","note_attributes":[{"name":"checkout_session_id","value":"cs_2"}]}`)
	sig := shopifySignature(testShopifySecret, body)

	err := p.ProcessShopify(context.Background(), body, sig, models.ShopifyTopicOrdersCreate, "wh_1")
	require.NoError(t, err)
	assert.Equal(t, "777", order.ShopifyOrderID.String)

	require.Len(t, logs.entries, 1)
	assert.Equal(t, models.WebhookStatusSuccess, logs.entries[0].Status)
	assert.Equal(t, "wh_1", logs.entries[0].ProviderEventID)
}

func TestProcessShopifyRejectsBadSignature(t *testing.T) {
	logs := &fakeLogStore{}
	p := newTestProcessor(newFakeOrderStore(), logs)

	body := []byte(`{"id":777}`)
	err := p.ProcessShopify(context.Background(), body, shopifySignature("wrong", body), models.ShopifyTopicOrdersCreate, "wh_1")
	assert.ErrorIs(t, err, webhook.ErrInvalidSignature)
	assert.Empty(t, logs.entries)
}

func TestProcessShopifyIgnoresUnsupportedTopic(t *testing.T) {
	logs := &fakeLogStore{}
	p := newTestProcessor(newFakeOrderStore(), logs)

	body := []byte(`{}`)
	err := p.ProcessShopify(context.Background(), body, shopifySignature(testShopifySecret, body), "carts/update", "wh_2")
	assert.NoError(t, err)
	assert.Empty(t, logs.entries)
}

func TestProcessShopifyMissingWebhookIDStillProcesses(t *testing.T) {
	logs := &fakeLogStore{}
	p := newTestProcessor(newFakeOrderStore(), logs)

	body := []byte(`{"id":888,"tags":"pos"}`)
	sig := shopifySignature(testShopifySecret, body)

	err := p.ProcessShopify(context.Background(), body, sig, models.ShopifyTopicOrdersCreate, "")
	assert.NoError(t, err)

	// A synthetic delivery id was generated so the log entry still exists.
	require.Len(t, logs.entries, 1)
	assert.NotEmpty(t, logs.entries[0].ProviderEventID)
}
