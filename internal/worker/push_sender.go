package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
)

// PushSender delivers push notifications by publishing to an SNS platform
// endpoint (APNs/FCM registration behind the ARN). The payload must carry
// the recipient device's "endpoint_arn".
type PushSender struct {
	client *sns.Client
	logger *zap.Logger
}

func NewPushSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*PushSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for push: %w", err)
	}

	return &PushSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (s *PushSender) Send(ctx context.Context, notif *db.Notification) (string, error) {
	if notif.Channel != db.ChannelPush {
		return "", fmt.Errorf("push sender only supports push, got: %s", notif.Channel)
	}

	endpointARN := payloadString(notif, "endpoint_arn")
	if endpointARN == "" {
		return "", fmt.Errorf("push payload missing endpoint_arn")
	}

	body, err := json.Marshal(map[string]string{
		"title": notif.Subject,
		"body":  notif.Content,
	})
	if err != nil {
		return "", fmt.Errorf("marshal push message: %w", err)
	}

	input := &sns.PublishInput{
		TargetArn: aws.String(endpointARN),
		Message:   aws.String(string(body)),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sns push publish failed: %w", err)
	}

	s.logger.Info("push sent via SNS",
		zap.String("id", notif.ID.String()),
		zap.String("message_id", *result.MessageId),
	)

	return *result.MessageId, nil
}

func (s *PushSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelPush
}
