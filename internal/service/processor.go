package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reconciler-service/internal/models"
	"reconciler-service/internal/util"
	"reconciler-service/internal/webhook"
)

// ErrMalformedPayload means the request body could not be parsed. Returned
// to the provider as 400.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// WebhookLogStore is the subset of the store the ingress path needs.
type WebhookLogStore interface {
	CreateWebhookLog(ctx context.Context, entry *models.WebhookLogEntry) error
	MarkWebhookLogSuccess(ctx context.Context, logID int64, entityID string) error
	MarkWebhookLogFailure(ctx context.Context, logID int64, errMsg string) error
	FindTerminalWebhookLog(ctx context.Context, provider, providerEventID string) (*models.WebhookLogEntry, error)
}

// WebhookProcessor runs the ingress pipeline: verify signature, check the
// event log for a replay, record the delivery, reconcile, finalize the log.
//
// Error contract: a returned error means the event was NOT durably recorded
// and the provider should retry (handler maps it to 4xx/5xx). Reconciliation
// failures after the log write are recorded as failed entries and reported
// as success to the provider; the log is the replay mechanism, not provider
// redelivery.
type WebhookProcessor struct {
	stripe     *webhook.StripeVerifier
	shopify    *webhook.ShopifyVerifier
	logs       WebhookLogStore
	reconciler *Reconciler
	logger     *zap.Logger
}

// NewWebhookProcessor creates the ingress processor.
func NewWebhookProcessor(
	stripe *webhook.StripeVerifier,
	shopify *webhook.ShopifyVerifier,
	logs WebhookLogStore,
	reconciler *Reconciler,
) *WebhookProcessor {
	return &WebhookProcessor{
		stripe:     stripe,
		shopify:    shopify,
		logs:       logs,
		reconciler: reconciler,
		logger:     util.GetLogger(),
	}
}

// ProcessStripe handles one raw Stripe webhook delivery.
func (p *WebhookProcessor) ProcessStripe(ctx context.Context, rawBody []byte, sigHeader string) error {
	ctx, span := util.StartSpan(ctx, "WebhookProcessor.ProcessStripe")
	defer span.End()

	util.WebhooksReceivedTotal.WithLabelValues(models.ProviderStripe).Inc()

	if err := p.stripe.Verify(rawBody, sigHeader); err != nil {
		util.WebhooksRejectedTotal.WithLabelValues(models.ProviderStripe, "signature").Inc()
		p.logger.Warn("Stripe webhook signature rejected", zap.Error(err))
		return err
	}

	var event models.StripeEvent
	if err := json.Unmarshal(rawBody, &event); err != nil || event.ID == "" || event.Type == "" {
		util.WebhooksRejectedTotal.WithLabelValues(models.ProviderStripe, "malformed").Inc()
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if !webhook.SupportedStripeEvent(event.Type) {
		// Authenticated but not understood: acknowledge so Stripe stops
		// redelivering.
		util.WebhooksIgnoredTotal.WithLabelValues(models.ProviderStripe, event.Type).Inc()
		p.logger.Debug("Ignoring unsupported Stripe event", zap.String("type", event.Type))
		return nil
	}

	return p.process(ctx, models.ProviderStripe, event.Type, event.ID, func(ctx context.Context) (string, error) {
		return p.reconciler.ApplyStripeEvent(ctx, &event)
	})
}

// ProcessShopify handles one raw Shopify webhook delivery. webhookID is the
// provider delivery id (X-Shopify-Webhook-Id) used for deduplication.
func (p *WebhookProcessor) ProcessShopify(ctx context.Context, rawBody []byte, hmacHeader, topic, webhookID string) error {
	ctx, span := util.StartSpan(ctx, "WebhookProcessor.ProcessShopify")
	defer span.End()

	util.WebhooksReceivedTotal.WithLabelValues(models.ProviderShopify).Inc()

	if err := p.shopify.Verify(rawBody, hmacHeader); err != nil {
		util.WebhooksRejectedTotal.WithLabelValues(models.ProviderShopify, "signature").Inc()
		p.logger.Warn("Shopify webhook signature rejected",
			zap.String("topic", topic), zap.Error(err))
		return err
	}

	if !webhook.SupportedShopifyTopic(topic) {
		util.WebhooksIgnoredTotal.WithLabelValues(models.ProviderShopify, topic).Inc()
		p.logger.Debug("Ignoring unsupported Shopify topic", zap.String("topic", topic))
		return nil
	}

	if webhookID == "" {
		// Without a delivery id replays cannot be deduplicated; process
		// anyway, the reconciliation handlers are idempotent.
		webhookID = uuid.New().String()
		p.logger.Warn("Shopify delivery missing webhook id header", zap.String("topic", topic))
	}

	return p.process(ctx, models.ProviderShopify, topic, webhookID, func(ctx context.Context) (string, error) {
		return p.reconciler.ApplyShopifyTopic(ctx, topic, rawBody)
	})
}

// process is the shared dedup-log-reconcile-finalize sequence.
func (p *WebhookProcessor) process(ctx context.Context, provider, event, providerEventID string, apply func(ctx context.Context) (string, error)) error {
	terminal, err := p.logs.FindTerminalWebhookLog(ctx, provider, providerEventID)
	if err != nil {
		return fmt.Errorf("idempotency check failed: %w", err)
	}
	if terminal != nil {
		util.WebhooksDuplicateTotal.WithLabelValues(provider).Inc()
		p.logger.Info("Duplicate webhook delivery, skipping",
			zap.String("provider", provider),
			zap.String("provider_event_id", providerEventID),
			zap.String("prior_status", terminal.Status))
		return nil
	}

	entry := &models.WebhookLogEntry{
		WebhookID:       uuid.New().String(),
		Provider:        provider,
		Event:           event,
		ProviderEventID: providerEventID,
	}
	if err := p.logs.CreateWebhookLog(ctx, entry); err != nil {
		// Not durably recorded: surface the failure so the provider retries.
		return fmt.Errorf("failed to record webhook delivery: %w", err)
	}

	entityID, applyErr := apply(ctx)
	if applyErr != nil {
		p.logger.Error("Webhook reconciliation failed",
			zap.String("provider", provider),
			zap.String("event", event),
			zap.String("provider_event_id", providerEventID),
			zap.Error(applyErr))
		if err := p.logs.MarkWebhookLogFailure(ctx, entry.ID, applyErr.Error()); err != nil {
			return fmt.Errorf("failed to finalize webhook log: %w", err)
		}
		// Durably recorded as failed: acknowledge, operators replay from
		// the log.
		return nil
	}

	if err := p.logs.MarkWebhookLogSuccess(ctx, entry.ID, entityID); err != nil {
		return fmt.Errorf("failed to finalize webhook log: %w", err)
	}
	return nil
}
