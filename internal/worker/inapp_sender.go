package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
)

// Publisher pushes an in-app notification onto the recipient's realtime
// channel. Implemented by redis.Notifier (pub/sub).
type Publisher interface {
	PublishNotification(ctx context.Context, recipientID string, notif *db.Notification) error
}

// InAppSender delivers in_app notifications by publishing them to the
// recipient's realtime channel. The record store is the durable inbox; the
// publish is the live signal to connected clients.
type InAppSender struct {
	publisher Publisher
	logger    *zap.Logger
}

func NewInAppSender(publisher Publisher, logger *zap.Logger) *InAppSender {
	return &InAppSender{
		publisher: publisher,
		logger:    logger,
	}
}

func (s *InAppSender) Send(ctx context.Context, notif *db.Notification) (string, error) {
	if notif.Channel != db.ChannelInApp {
		return "", fmt.Errorf("in-app sender only supports in_app, got: %s", notif.Channel)
	}

	if err := s.publisher.PublishNotification(ctx, notif.RecipientID.String(), notif); err != nil {
		return "", fmt.Errorf("in-app publish failed: %w", err)
	}

	s.logger.Info("in-app notification published",
		zap.String("id", notif.ID.String()),
		zap.String("recipient_id", notif.RecipientID.String()),
	)

	// In-app delivery has no downstream broker id; the record id doubles
	// as the external reference.
	return notif.ID.String(), nil
}

func (s *InAppSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelInApp
}
