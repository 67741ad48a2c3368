package models

import "encoding/json"

// Supported Stripe event types. Authenticated events outside this set are
// acknowledged and dropped so Stripe stops redelivering them.
const (
	StripeEventCheckoutCompleted = "checkout.session.completed"
	StripeEventPaymentSucceeded  = "payment_intent.succeeded"
	StripeEventPaymentFailed     = "payment_intent.payment_failed"
	StripeEventChargeRefunded    = "charge.refunded"
	StripeEventCheckoutExpired   = "checkout.session.expired"
)

// Supported Shopify webhook topics.
const (
	ShopifyTopicOrdersCreate   = "orders/create"
	ShopifyTopicOrdersUpdated  = "orders/updated"
	ShopifyTopicOrdersPaid     = "orders/paid"
	ShopifyTopicOrdersCancel   = "orders/cancelled"
	ShopifyTopicOrdersFulfill  = "orders/fulfilled"
	ShopifyTopicAppUninstalled = "app/uninstalled"
)

// StripeEvent is the provider event envelope. Data.Object carries the
// type-specific payload and is decoded by the matching handler.
type StripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// StripeCheckoutSession is the object of checkout.session.* events.
type StripeCheckoutSession struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	AmountTotal   int64  `json:"amount_total"`
	Currency      string `json:"currency"`
	PaymentStatus string `json:"payment_status"`
	CustomerEmail string `json:"customer_email"`
	CustomerInfo  struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// Email returns the customer email from whichever field Stripe populated.
func (s *StripeCheckoutSession) Email() string {
	if s.CustomerEmail != "" {
		return s.CustomerEmail
	}
	return s.CustomerInfo.Email
}

// StripePaymentIntent is the object of payment_intent.* events.
type StripePaymentIntent struct {
	ID           string `json:"id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
	ReceiptEmail string `json:"receipt_email"`
	LastError    struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// StripeCharge is the object of charge.* events.
type StripeCharge struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	Amount        int64  `json:"amount"`
	Refunded      bool   `json:"refunded"`
	ReceiptEmail  string `json:"receipt_email"`
}

// ShopifyOrder is the payload of orders/* webhook topics.
type ShopifyOrder struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	OrderNumber       int64  `json:"order_number"`
	Email             string `json:"email"`
	FinancialStatus   string `json:"financial_status"`
	FulfillmentStatus string `json:"fulfillment_status"`
	Tags              string `json:"tags"`
	Customer          struct {
		Email string `json:"email"`
	} `json:"customer"`
	NoteAttributes []ShopifyNoteAttribute `json:"note_attributes"`
}

// ShopifyNoteAttribute is a name/value pair attached to an order at creation.
// Internally-originated orders carry the checkout session id here.
type ShopifyNoteAttribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CustomerEmail returns the order email from whichever field is populated.
func (o *ShopifyOrder) CustomerEmail() string {
	if o.Email != "" {
		return o.Email
	}
	return o.Customer.Email
}

// NoteAttribute returns the value of a named note attribute, if present.
func (o *ShopifyOrder) NoteAttribute(name string) string {
	for _, attr := range o.NoteAttributes {
		if attr.Name == name {
			return attr.Value
		}
	}
	return ""
}
