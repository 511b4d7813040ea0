// Package sns publishes SMS status change events to an SNS topic so tenants'
// downstream systems can subscribe to delivery outcomes.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// StatusEvent is the published body for one applied status change.
type StatusEvent struct {
	MessageID         string    `json:"message_id"`
	TenantID          string    `json:"tenant_id"`
	TriggerID         string    `json:"trigger_id"`
	EventID           string    `json:"event_id"`
	Status            string    `json:"status"`
	Reason            string    `json:"reason,omitempty"`
	ErrorCode         string    `json:"error_code,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

type client interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher handles SNS topic publishing.
type Publisher struct {
	client   client
	topicARN string
}

// NewPublisher creates a publisher for topicARN. A non-empty endpoint
// overrides the service endpoint (LocalStack).
func NewPublisher(ctx context.Context, topicARN, region, endpoint string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	c := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &Publisher{client: c, topicARN: topicARN}, nil
}

// Publish sends evt with status and tenant_id message attributes, so
// subscriptions can filter without parsing the body.
func (p *Publisher) Publish(ctx context.Context, evt StatusEvent) (string, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal status event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(evt.Status),
			},
			"tenant_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(evt.TenantID),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}
