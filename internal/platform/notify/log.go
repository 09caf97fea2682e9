package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/marketday/api/internal/services"
)

// LogDispatcher records notifications instead of delivering them. Used when no transport is configured.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher constructs a LogDispatcher.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

// Send implements services.NotificationDispatcher.
func (d *LogDispatcher) Send(_ context.Context, n services.Notification) error {
	d.logger.Info("notification",
		zap.String("id", n.ID),
		zap.String("template", n.Template),
		zap.String("user_id", n.UserID),
		zap.Bool("has_email", n.Email != ""),
		zap.String("vertical", n.Vertical),
	)
	return nil
}
