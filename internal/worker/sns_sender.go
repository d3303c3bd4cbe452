package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
)

// SNSSender delivers SMS notifications by publishing directly to the phone
// number in the payload.
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send publishes the rendered content as an SMS. The SNS message id becomes
// the external id.
func (s *SNSSender) Send(ctx context.Context, notif *db.Notification) (string, error) {
	if notif.Channel != db.ChannelSMS {
		return "", fmt.Errorf("SNS sender only supports SMS, got: %s", notif.Channel)
	}

	phone := payloadString(notif, "phone_number")
	if phone == "" {
		return "", fmt.Errorf("SMS payload missing phone_number")
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(notif.Content),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("id", notif.ID.String()),
		zap.String("phone_number", phone),
		zap.String("message_id", *result.MessageId),
	)

	return *result.MessageId, nil
}

func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}
