// Package sqs delivers reminder tasks through an Amazon SQS queue.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/beacon/backend/internal/tasks"
)

const (
	// maxDelaySeconds is the largest per-message delay SQS accepts.
	maxDelaySeconds = 900

	taskTypeAttribute = "TaskType"
	taskTypeReminder  = "sos-reminder"
)

var errMissingQueueURL = errors.New("sqs: queue url is required")

// Config locates the queue. Endpoint overrides the AWS endpoint for local brokers such as ElasticMQ.
type Config struct {
	Region   string
	QueueURL string
	Endpoint string
}

// API is the subset of the SQS client used by the queue.
type API interface {
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
}

// Client publishes and consumes reminder tasks.
type Client struct {
	api      API
	queueURL string
	clock    func() time.Time
	log      *zap.Logger
}

// NewClient loads AWS configuration and creates an SQS-backed client.
func NewClient(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if strings.TrimSpace(cfg.QueueURL) == "" {
		return nil, errMissingQueueURL
	}

	configOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	var clientOpts []func(*awssqs.Options)
	if cfg.Endpoint != "" {
		log.Info("configuring sqs endpoint override", zap.String("endpoint", cfg.Endpoint))
		configOpts = append(configOpts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "")))
		clientOpts = append(clientOpts, func(o *awssqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("sqs: load aws config: %w", err)
	}

	log.Info("sqs client created",
		zap.String("region", cfg.Region),
		zap.String("queue_url", cfg.QueueURL))
	return NewClientWithAPI(awssqs.NewFromConfig(awsConfig, clientOpts...), cfg.QueueURL, nil, log), nil
}

// NewClientWithAPI wraps an existing SQS API implementation.
func NewClientWithAPI(api API, queueURL string, clock func() time.Time, log *zap.Logger) *Client {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{api: api, queueURL: queueURL, clock: clock, log: log}
}

// QueueURL returns the configured queue URL.
func (c *Client) QueueURL() string {
	return c.queueURL
}

// Enqueue sends the task with a delivery delay derived from notBefore.
// Delays beyond the SQS maximum are capped.
func (c *Client) Enqueue(ctx context.Context, task tasks.ReminderTask, notBefore time.Time) error {
	body, err := task.Encode()
	if err != nil {
		return err
	}

	delaySeconds := delayFor(notBefore.Sub(c.clock()))
	_, err = c.api.SendMessage(ctx, &awssqs.SendMessageInput{
		QueueUrl:     aws.String(c.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds,
		MessageAttributes: map[string]types.MessageAttributeValue{
			taskTypeAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(taskTypeReminder),
			},
		},
	})
	if err != nil {
		c.log.Error("failed to send reminder task",
			zap.String("family_id", task.FamilyID),
			zap.String("event_id", task.EventID),
			zap.Error(err))
		return fmt.Errorf("sqs: send reminder task: %w", err)
	}
	c.log.Debug("reminder task enqueued",
		zap.String("family_id", task.FamilyID),
		zap.String("event_id", task.EventID),
		zap.Int32("delay_seconds", delaySeconds))
	return nil
}

func delayFor(delay time.Duration) int32 {
	if delay <= 0 {
		return 0
	}
	seconds := math.Ceil(delay.Seconds())
	if seconds > maxDelaySeconds {
		return maxDelaySeconds
	}
	return int32(seconds)
}
