package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
)

// notificationChannel is the pub/sub channel pattern for in-app fan-out.
// Connected clients subscribe to their own recipient id.
func notificationChannel(recipientID string) string {
	return "notifications:" + recipientID
}

// Notifier publishes in-app notifications to the recipient's realtime
// pub/sub channel. The record store stays the durable inbox; this is only
// the live signal.
type Notifier struct {
	client *Client
	logger *zap.Logger
}

// NewNotifier creates a Notifier on the shared client.
func NewNotifier(client *Client, logger *zap.Logger) *Notifier {
	return &Notifier{
		client: client,
		logger: logger,
	}
}

// PublishNotification pushes the notification onto the recipient's channel.
func (n *Notifier) PublishNotification(ctx context.Context, recipientID string, notif *db.Notification) error {
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	channel := notificationChannel(recipientID)
	if err := n.client.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}

	n.logger.Debug("in-app notification published",
		zap.String("channel", channel),
		zap.String("notification_id", notif.ID.String()),
	)

	return nil
}
