package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/jellycast/internal/render"
)

const (
	snsScheme  = "sns:"
	mailScheme = "mailto:"
)

type snsPublisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS publishes messages to topics addressed as sns:<topic-arn>.
type SNS struct {
	client snsPublisher
	logger *zap.Logger
}

// NewSNS creates an SNS deliverer for region.
func NewSNS(ctx context.Context, region string, logger *zap.Logger) (*SNS, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return &SNS{client: sns.NewFromConfig(awsCfg), logger: logger}, nil
}

// Deliver implements Deliverer.
func (s *SNS) Deliver(ctx context.Context, endpoint string, msg render.Message) error {
	topic := strings.TrimPrefix(endpoint, snsScheme)
	if topic == "" {
		return Permanent(errors.New("sns endpoint missing topic arn"))
	}

	// SNS subjects must be ASCII and at most 100 characters.
	result, err := s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(topic),
		Subject:  aws.String(asciiSubject(msg.Subject())),
		Message:  aws.String(msg.Text()),
	})
	if err != nil {
		return classifyAWS(fmt.Errorf("sns publish failed: %w", err))
	}

	s.logger.Info("notification published to SNS",
		zap.String("topic_arn", topic),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// Supports implements Deliverer.
func (s *SNS) Supports(endpoint string) bool {
	return strings.HasPrefix(endpoint, snsScheme)
}

type sesSender interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SES e-mails messages to recipients addressed as mailto:<address>.
type SES struct {
	client sesSender
	from   string
	logger *zap.Logger
}

// NewSES creates an SES deliverer sending from the given address.
func NewSES(ctx context.Context, region, from string, logger *zap.Logger) (*SES, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SES{client: ses.NewFromConfig(awsCfg), from: from, logger: logger}, nil
}

// Deliver implements Deliverer.
func (s *SES) Deliver(ctx context.Context, endpoint string, msg render.Message) error {
	to := strings.TrimPrefix(endpoint, mailScheme)
	if to == "" || !strings.Contains(to, "@") {
		return Permanent(fmt.Errorf("invalid mailto endpoint %q", endpoint))
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject()),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Text()),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return classifyAWS(fmt.Errorf("ses send failed: %w", err))
	}

	s.logger.Info("notification e-mailed via SES",
		zap.String("to", to),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// Supports implements Deliverer.
func (s *SES) Supports(endpoint string) bool {
	return strings.HasPrefix(endpoint, mailScheme)
}

// classifyAWS marks client faults permanent, except throttling.
func classifyAWS(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	code := apiErr.ErrorCode()
	if strings.Contains(code, "Throttl") || code == "TooManyRequestsException" {
		return err
	}
	if apiErr.ErrorFault() == smithy.FaultClient {
		return Permanent(err)
	}
	return err
}

func asciiSubject(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 0x20 && r < 0x7f {
			b.WriteRune(r)
		}
		if b.Len() == 100 {
			break
		}
	}
	if b.Len() == 0 {
		return "jellycast notification"
	}
	return b.String()
}
