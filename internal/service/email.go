package service

import (
	"context"

	"go.uber.org/zap"

	"reconciler-service/internal/util"
)

// EmailSender delivers transactional notifications.
type EmailSender interface {
	Send(ctx context.Context, to, template string, data map[string]interface{}) error
}

// LogEmailSender records the notification instead of delivering it. The
// real customer-facing delivery runs as a Klaviyo flow triggered by the
// marketing event; this keeps an operator-visible trace of what would have
// been sent.
type LogEmailSender struct {
	logger *zap.Logger
}

// NewLogEmailSender creates the logging transport.
func NewLogEmailSender() *LogEmailSender {
	return &LogEmailSender{logger: util.GetLogger()}
}

func (s *LogEmailSender) Send(ctx context.Context, to, template string, data map[string]interface{}) error {
	s.logger.Info("Email notification dispatched",
		zap.String("to", to),
		zap.String("template", template),
		zap.Any("data", data))
	return nil
}
