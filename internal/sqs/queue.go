// Package sqs provides the SQS-backed delivery queue used when multiple
// herald instances share the send workload. It carries the same
// engine.DeliveryTask the in-process queue does.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/engine"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Queue sends delivery tasks to SQS. Implements engine.Queue.
type Queue struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewQueue creates an SQS-backed delivery queue.
func NewQueue(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs delivery queue initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Queue{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Enqueue sends one delivery task.
func (q *Queue) Enqueue(ctx context.Context, task engine.DeliveryTask) error {
	if task.EnqueuedAt == 0 {
		task.EnqueuedAt = time.Now().UnixNano()
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery task: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := q.client.SendMessage(ctx, input)
	if err != nil {
		q.logger.Error("failed to send delivery task to sqs",
			zap.Error(err),
			zap.String("notification_id", task.NotificationID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	q.logger.Debug("delivery task enqueued",
		zap.String("notification_id", task.NotificationID.String()),
		zap.String("sqs_message_id", *result.MessageId),
	)

	return nil
}

// Consumer long-polls SQS and feeds delivery tasks to the worker pool.
type Consumer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewConsumer creates an SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Run pumps tasks into the channel until ctx is done. Messages are deleted
// after handoff; the visibility timeout covers the send attempt.
func (c *Consumer) Run(ctx context.Context, tasks chan<- engine.DeliveryTask) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sqs consumer stopping")
			return
		default:
		}

		task, receiptHandle, err := c.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("sqs receive failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if receiptHandle == "" {
			continue
		}

		select {
		case tasks <- task:
		case <-ctx.Done():
			return
		}

		if err := c.delete(ctx, receiptHandle); err != nil {
			c.logger.Error("sqs delete failed", zap.Error(err))
		}
	}
}

func (c *Consumer) receive(ctx context.Context) (engine.DeliveryTask, string, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return engine.DeliveryTask{}, "", fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return engine.DeliveryTask{}, "", nil
	}

	msg := result.Messages[0]

	var task engine.DeliveryTask
	if err := json.Unmarshal([]byte(*msg.Body), &task); err != nil {
		c.logger.Error("failed to unmarshal delivery task", zap.Error(err))
		return engine.DeliveryTask{}, "", fmt.Errorf("invalid task format: %w", err)
	}

	return task, *msg.ReceiptHandle, nil
}

func (c *Consumer) delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}
