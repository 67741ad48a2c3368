package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"reconciler-service/internal/resilience"
)

// Task payloads are tagged unions: each task type has one schema, validated
// at execution time. A payload that fails validation is a permanent failure,
// not a handler panic.

// MarketingEventPayload drives the marketing_event handler.
type MarketingEventPayload struct {
	IdempotencyKey string `json:"idempotency_key"`
	Email          string `json:"email"`
	Event          string `json:"event"`
	OrderID        int64  `json:"order_id"`
	Amount         int64  `json:"amount,omitempty"`
	Currency       string `json:"currency,omitempty"`
}

func (p *MarketingEventPayload) Validate() error {
	if p.Email == "" {
		return errors.New("marketing event requires email")
	}
	if p.Event == "" {
		return errors.New("marketing event requires event name")
	}
	if p.IdempotencyKey == "" {
		return errors.New("marketing event requires idempotency key")
	}
	return nil
}

// UserCreationPayload drives the user_creation handler.
type UserCreationPayload struct {
	IdempotencyKey string `json:"idempotency_key"`
	Email          string `json:"email"`
	FirstName      string `json:"first_name,omitempty"`
}

func (p *UserCreationPayload) Validate() error {
	if p.Email == "" {
		return errors.New("user creation requires email")
	}
	if p.IdempotencyKey == "" {
		return errors.New("user creation requires idempotency key")
	}
	return nil
}

// DataSyncPayload drives the data_sync handler.
type DataSyncPayload struct {
	IdempotencyKey string `json:"idempotency_key"`
	OrderID        int64  `json:"order_id"`
	Reason         string `json:"reason,omitempty"`
}

func (p *DataSyncPayload) Validate() error {
	if p.OrderID == 0 {
		return errors.New("data sync requires order id")
	}
	if p.IdempotencyKey == "" {
		return errors.New("data sync requires idempotency key")
	}
	return nil
}

// EmailNotificationPayload drives the email_notification handler.
type EmailNotificationPayload struct {
	IdempotencyKey string `json:"idempotency_key"`
	To             string `json:"to"`
	Template       string `json:"template"`
	OrderID        int64  `json:"order_id,omitempty"`
}

func (p *EmailNotificationPayload) Validate() error {
	if p.To == "" {
		return errors.New("email notification requires recipient")
	}
	if p.Template == "" {
		return errors.New("email notification requires template")
	}
	if p.IdempotencyKey == "" {
		return errors.New("email notification requires idempotency key")
	}
	return nil
}

type validatable interface {
	Validate() error
}

// DecodePayload unmarshals and validates a task's payload into dst.
// Failures are fatal: malformed or invalid payloads never become retries.
func DecodePayload(task *Task, dst validatable) error {
	if err := json.Unmarshal(task.Data, dst); err != nil {
		return resilience.Fatal(fmt.Errorf("invalid %s payload: %w", task.Type, err))
	}
	if err := dst.Validate(); err != nil {
		return resilience.Fatal(fmt.Errorf("invalid %s payload: %w", task.Type, err))
	}
	return nil
}
