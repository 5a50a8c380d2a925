package sqs

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/beacon/backend/internal/tasks"
)

const (
	defaultMaxMessages     = 10
	defaultWaitTimeSeconds = 20
	defaultErrorBackoff    = time.Second
)

// ConsumerConfig configures the receive loop.
type ConsumerConfig struct {
	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
	ErrorBackoff      time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.MaxMessages <= 0 {
		c.MaxMessages = defaultMaxMessages
	}
	if c.WaitTimeSeconds <= 0 {
		c.WaitTimeSeconds = defaultWaitTimeSeconds
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = defaultErrorBackoff
	}
	return c
}

// Consume receives tasks until ctx is cancelled. Handled messages are deleted;
// failed ones stay on the queue and reappear after the visibility timeout.
// Undecodable messages are deleted.
func (c *Client) Consume(ctx context.Context, cfg ConsumerConfig, handler tasks.Handler) error {
	cfg = cfg.withDefaults()
	c.log.Info("reminder consumer started", zap.String("queue_url", c.queueURL))

	for {
		select {
		case <-ctx.Done():
			c.log.Info("reminder consumer shutting down")
			return nil
		default:
		}

		input := &awssqs.ReceiveMessageInput{
			QueueUrl:              aws.String(c.queueURL),
			MaxNumberOfMessages:   cfg.MaxMessages,
			WaitTimeSeconds:       cfg.WaitTimeSeconds,
			MessageAttributeNames: []string{"All"},
		}
		if cfg.VisibilityTimeout > 0 {
			input.VisibilityTimeout = cfg.VisibilityTimeout
		}
		result, err := c.api.ReceiveMessage(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("error receiving messages from sqs", zap.Error(err))
			if !sleepContext(ctx, cfg.ErrorBackoff) {
				return nil
			}
			continue
		}
		if result == nil || len(result.Messages) == 0 {
			continue
		}

		for _, message := range result.Messages {
			c.handleMessage(ctx, message, handler)
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, message types.Message, handler tasks.Handler) {
	messageID := aws.ToString(message.MessageId)
	task, err := tasks.DecodeReminderTask([]byte(aws.ToString(message.Body)))
	if err != nil {
		c.log.Warn("discarding undecodable reminder task",
			zap.String("message_id", messageID),
			zap.Error(err))
		c.deleteMessage(ctx, message)
		return
	}

	if err := handler(ctx, task); err != nil {
		c.log.Warn("reminder task failed, leaving for redelivery",
			zap.String("message_id", messageID),
			zap.String("family_id", task.FamilyID),
			zap.String("event_id", task.EventID),
			zap.Error(err))
		return
	}
	c.deleteMessage(ctx, message)
}

func (c *Client) deleteMessage(ctx context.Context, message types.Message) {
	_, err := c.api.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: message.ReceiptHandle,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Error("failed to delete sqs message",
			zap.String("message_id", aws.ToString(message.MessageId)),
			zap.Error(err))
	}
}

func sleepContext(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
