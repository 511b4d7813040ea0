// Package sqs is the Amazon SQS dispatch queue backend.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/queue"
)

// MaxDelay is the longest DelaySeconds SQS accepts.
const MaxDelay = 15 * time.Minute

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the service endpoint (LocalStack).
	Endpoint          string
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

// API is the subset of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Queue is a queue.Queue on one SQS queue. Visibility timeouts and
// redelivery are the service's; this type only maps jobs to messages.
type Queue struct {
	client   API
	queueURL string
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	closed   atomic.Bool
}

var _ queue.Queue = (*Queue)(nil)

// New loads the default AWS config for cfg.Region and builds the queue.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs queue initialized",
		zap.String("queue_url", cfg.QueueURL),
		zap.String("region", cfg.Region),
	)
	return NewWithClient(client, cfg, logger), nil
}

func NewWithClient(client API, cfg Config, logger *zap.Logger) *Queue {
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 20 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60 * time.Second
	}
	return &Queue{
		client:   client,
		queueURL: cfg.QueueURL,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Enqueue sends job as one message. Delays beyond MaxDelay are clamped; the
// dispatcher's backoff cap keeps real delays well inside the window anyway.
func (q *Queue) Enqueue(ctx context.Context, job *queue.Job, delay time.Duration) error {
	if q.closed.Load() {
		return queue.ErrClosed
	}

	job.Stamp(q.now())
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds(delay),
	}

	result, err := q.client.SendMessage(ctx, input)
	if err != nil {
		q.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("sqs_message_id", aws.ToString(result.MessageId)),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
	)
	return nil
}

// Receive long-polls for one message.
func (q *Queue) Receive(ctx context.Context) (*queue.Delivery, error) {
	if q.closed.Load() {
		return nil, queue.ErrClosed
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(q.cfg.WaitTime / time.Second),
		VisibilityTimeout:   int32(q.cfg.VisibilityTimeout / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}
	if len(result.Messages) == 0 {
		return nil, nil
	}

	msg := result.Messages[0]
	var job queue.Job
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil {
		// Poison message: delete it rather than redeliver it forever
		q.logger.Error("dropping undecodable job",
			zap.String("sqs_message_id", aws.ToString(msg.MessageId)),
			zap.Error(err),
		)
		_ = q.delete(ctx, aws.ToString(msg.ReceiptHandle))
		return nil, nil
	}

	count := 1
	if raw, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			count = n
		}
	}

	return &queue.Delivery{
		Job:          &job,
		Receipt:      aws.ToString(msg.ReceiptHandle),
		ReceiveCount: count,
	}, nil
}

// Ack deletes the message.
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	return q.delete(ctx, d.Receipt)
}

func (q *Queue) delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}
	if _, err := q.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// Close stops further calls. AWS SDK v2 clients need no explicit close.
func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}

func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > MaxDelay {
		d = MaxDelay
	}
	// round up so a short delay is never dropped to zero
	return int32((d + time.Second - 1) / time.Second)
}
