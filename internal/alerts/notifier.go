// Package alerts delivers operator alerts to the alert sink.
package alerts

import (
	"context"
	"time"

	"binance-mm-runner/internal/models"

	"go.uber.org/zap"
)

// Sink persists alerts.
type Sink interface {
	WriteAlert(ctx context.Context, a models.Alert) (models.Alert, error)
}

// Notifier writes alerts for one bot, dropping those below the configured level.
type Notifier struct {
	sink     Sink
	botID    string
	minLevel func() models.AlertLevel
	now      func() time.Time
	logger   *zap.Logger
}

// NewNotifier creates a Notifier. minLevel is consulted on every alert so a
// reloaded NotificationConfig applies without rebuilding the notifier.
func NewNotifier(sink Sink, botID string, minLevel func() models.AlertLevel, logger *zap.Logger) *Notifier {
	if minLevel == nil {
		minLevel = func() models.AlertLevel { return models.AlertInfo }
	}
	return &Notifier{sink: sink, botID: botID, minLevel: minLevel, now: time.Now, logger: logger}
}

// Alert records an alert. Sink failures are logged and returned.
func (n *Notifier) Alert(ctx context.Context, level models.AlertLevel, title, message string) error {
	fields := []zap.Field{
		zap.String("bot_id", n.botID),
		zap.String("title", title),
		zap.String("message", message),
	}
	switch level {
	case models.AlertError:
		n.logger.Error("alert", fields...)
	case models.AlertWarn:
		n.logger.Warn("alert", fields...)
	default:
		n.logger.Info("alert", fields...)
	}

	if level.Rank() < n.minLevel().Rank() {
		return nil
	}
	_, err := n.sink.WriteAlert(ctx, models.Alert{
		BotID:     n.botID,
		Level:     level,
		Title:     title,
		Message:   message,
		CreatedAt: n.now(),
	})
	if err != nil {
		n.logger.Warn("alert sink write failed", zap.String("bot_id", n.botID), zap.Error(err))
	}
	return err
}
