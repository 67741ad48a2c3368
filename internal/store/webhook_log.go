package store

import (
	"context"
	"database/sql"

	"reconciler-service/internal/models"
)

// CreateWebhookLog inserts a pending log entry for an inbound delivery.
// The row is written before any order mutation it guards.
func (s *Store) CreateWebhookLog(ctx context.Context, entry *models.WebhookLogEntry) error {
	query := `
		INSERT INTO webhook_logs (webhook_id, provider, event, provider_event_id, entity_id, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, received_at`

	return s.db.GetContext(ctx, entry, query,
		entry.WebhookID, entry.Provider, entry.Event, entry.ProviderEventID,
		entry.EntityID, models.WebhookStatusPending)
}

// MarkWebhookLogSuccess finalizes a log entry as successfully processed
func (s *Store) MarkWebhookLogSuccess(ctx context.Context, logID int64, entityID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_logs
		SET status = $1, entity_id = COALESCE(NULLIF($2, ''), entity_id), processed_at = NOW()
		WHERE id = $3`,
		models.WebhookStatusSuccess, entityID, logID)
	return err
}

// MarkWebhookLogFailure finalizes a log entry as failed. The terminal row
// remains the replay anchor; operators re-drive processing from the log
// rather than relying on provider retries.
func (s *Store) MarkWebhookLogFailure(ctx context.Context, logID int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_logs
		SET status = $1, error = $2, retry_count = retry_count + 1, processed_at = NOW()
		WHERE id = $3`,
		models.WebhookStatusFailed, errMsg, logID)
	return err
}

// FindTerminalWebhookLog returns the terminal (success or failed) entry for
// a provider-native event id, or (nil, nil) when the event has never reached
// a terminal state. This is the idempotency check at ingress.
func (s *Store) FindTerminalWebhookLog(ctx context.Context, provider, providerEventID string) (*models.WebhookLogEntry, error) {
	var entry models.WebhookLogEntry
	err := s.db.GetContext(ctx, &entry, `
		SELECT * FROM webhook_logs
		WHERE provider = $1 AND provider_event_id = $2 AND status IN ($3, $4)
		ORDER BY id DESC
		LIMIT 1`,
		provider, providerEventID, models.WebhookStatusSuccess, models.WebhookStatusFailed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListWebhookLogs returns recent log entries filtered by provider and
// status, newest first. Empty filter values match everything.
func (s *Store) ListWebhookLogs(ctx context.Context, provider, status string, limit int) ([]models.WebhookLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var entries []models.WebhookLogEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM webhook_logs
		WHERE ($1 = '' OR provider = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY id DESC
		LIMIT $3`,
		provider, status, limit)
	return entries, err
}
