package carrier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// SNSConfig configures direct-to-phone publishing through AWS SNS.
type SNSConfig struct {
	Region   string
	Endpoint string
	SenderID string
	Timeout  time.Duration
}

type snsPublisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS sends SMS by publishing to a phone number. SNS has no per-message
// status callback; delivery stays at sent unless SNS delivery logs are fed
// back through the status endpoint.
type SNS struct {
	client   snsPublisher
	senderID string
	timeout  time.Duration
	logger   *zap.Logger
}

func NewSNS(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNS, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newSNS(client, cfg, logger), nil
}

func newSNS(client snsPublisher, cfg SNSConfig, logger *zap.Logger) *SNS {
	return &SNS{
		client:   client,
		senderID: cfg.SenderID,
		timeout:  cfg.Timeout,
		logger:   logger,
	}
}

func (s *SNS) Name() string { return "sns" }

func (s *SNS) Send(ctx context.Context, msg Outbound) (string, error) {
	timeout := s.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	smsType := "Transactional"
	if msg.Class == "marketing" {
		smsType = "Promotional"
	}
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String(smsType),
		},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(msg.To),
		Message:           aws.String(msg.Body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return "", classifySNS(err)
	}

	id := aws.ToString(result.MessageId)
	s.logger.Debug("sms published via sns",
		zap.String("message_id", msg.MessageID),
		zap.String("sns_message_id", id),
	)
	return id, nil
}

// classifySNS treats throttling and server faults as transient and other
// client faults (invalid parameter, opted-out number) as final.
func classifySNS(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if apiErr.ErrorFault() == smithy.FaultServer || isThrottle(code) {
			e := Retryablef("sns", err, "%s", apiErr.ErrorMessage())
			e.Code = code
			return e
		}
		return Terminalf("sns", code, err, "%s", apiErr.ErrorMessage())
	}
	return Retryablef("sns", err, "%v", err)
}

func isThrottle(code string) bool {
	switch code {
	case "Throttling", "ThrottlingException", "ThrottledException", "KMSThrottling":
		return true
	}
	return false
}
