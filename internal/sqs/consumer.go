package sqs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lalithlochan/jellycast/internal/classifier"
	"github.com/lalithlochan/jellycast/internal/media"
	"github.com/lalithlochan/jellycast/internal/metrics"
)

// Handler processes one inbound event. A *media.ValidationError means the
// event can never succeed; any other error asks for redelivery.
type Handler func(ctx context.Context, raw classifier.RawEvent) error

// Consumer reads media server events from SQS.
type Consumer struct {
	client   API
	queueURL string
	handler  Handler
	logger   *zap.Logger

	// retryVisibility is how long a failed message stays hidden before
	// SQS redelivers it.
	retryVisibility int32
	errorBackoff    time.Duration
}

// NewConsumer creates a new SQS consumer for cfg.QueueURL.
func NewConsumer(ctx context.Context, cfg Config, handler Handler, logger *zap.Logger) (*Consumer, error) {
	client, err := NewClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return newConsumer(client, cfg.QueueURL, handler, logger), nil
}

func newConsumer(client API, queueURL string, handler Handler, logger *zap.Logger) *Consumer {
	return &Consumer{
		client:          client,
		queueURL:        queueURL,
		handler:         handler,
		logger:          logger,
		retryVisibility: 10,
		errorBackoff:    5 * time.Second,
	}
}

// Run long-polls the queue until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("sqs consumer started")
	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopping")
			return nil
		}

		n, err := c.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("sqs receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.errorBackoff):
			}
			continue
		}
		if n > 0 {
			c.logger.Debug("processed sqs batch", zap.Int("messages", n))
		}
	}
}

// poll receives one batch and processes its messages concurrently.
func (c *Consumer) poll(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}
	if len(out.Messages) == 0 {
		return 0, nil
	}

	metrics.SetSQSMessagesInFlight(len(out.Messages))
	defer metrics.SetSQSMessagesInFlight(0)

	var wg sync.WaitGroup
	for _, m := range out.Messages {
		wg.Add(1)
		go func(m types.Message) {
			defer wg.Done()
			c.handle(context.WithoutCancel(ctx), m)
		}(m)
	}
	wg.Wait()
	return len(out.Messages), nil
}

func (c *Consumer) handle(ctx context.Context, m types.Message) {
	receipt := aws.ToString(m.ReceiptHandle)
	fields := []zap.Field{zap.String("message_id", aws.ToString(m.MessageId))}

	var body map[string]any
	if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &body); err != nil {
		metrics.RecordRejected("malformed")
		c.logger.Warn("dropping malformed sqs message", append(fields, zap.Error(err))...)
		c.delete(ctx, receipt, fields)
		return
	}

	err := c.handler(ctx, classifier.FromPayload(body))
	var invalid *media.ValidationError
	switch {
	case err == nil:
		c.delete(ctx, receipt, fields)
	case errors.As(err, &invalid):
		c.logger.Warn("dropping invalid event", append(fields, zap.Error(err))...)
		c.delete(ctx, receipt, fields)
	default:
		c.logger.Warn("event processing failed, leaving message for redelivery", append(fields, zap.Error(err))...)
		if verr := c.changeVisibility(ctx, receipt, c.retryVisibility); verr != nil {
			c.logger.Warn("failed to shorten visibility timeout", append(fields, zap.Error(verr))...)
		}
	}
}

func (c *Consumer) delete(ctx context.Context, receiptHandle string, fields []zap.Field) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		c.logger.Error("sqs delete failed", append(fields, zap.Error(err))...)
	}
}

func (c *Consumer) changeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
