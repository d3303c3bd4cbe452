package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
)

// Sender is the pluggable channel-sender capability: one implementation per
// delivery medium. Send returns the channel's opaque external id when it has
// one. New channels are added by providing a new implementation, not by
// editing the dispatch path.
type Sender interface {
	Send(ctx context.Context, notif *db.Notification) (externalID string, err error)
	SupportsChannel(channel string) bool
}

// MultiSender routes a notification to the first sender that supports its
// channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over the given channel senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the notification to the appropriate sender based on channel.
func (m *MultiSender) Send(ctx context.Context, notif *db.Notification) (string, error) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(notif.Channel) {
			m.logger.Debug("routing notification to sender",
				zap.String("channel", notif.Channel),
				zap.String("notification_id", notif.ID.String()),
			)
			return sender.Send(ctx, notif)
		}
	}

	return "", fmt.Errorf("no sender found for channel: %s", notif.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs instead of sending. Used in development and tests; accepts
// every channel.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, notif *db.Notification) (string, error) {
	s.logger.Info("logging notification (development mode)",
		zap.String("id", notif.ID.String()),
		zap.String("channel", notif.Channel),
		zap.String("recipient_id", notif.RecipientID.String()),
		zap.String("subject", notif.Subject),
	)
	return "log-" + notif.ID.String(), nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return db.ValidChannel(channel)
}

// payloadString pulls an optional string field out of the open payload map.
func payloadString(notif *db.Notification, key string) string {
	if notif.Payload == nil {
		return ""
	}
	if v, ok := notif.Payload[key].(string); ok {
		return v
	}
	return ""
}
