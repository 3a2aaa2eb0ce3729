package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/jellycast/internal/db"
)

// DeadLetter is the message published for a notification job that
// exhausted its delivery attempts.
type DeadLetter struct {
	JobID          string          `json:"job_id"`
	Channel        string          `json:"channel"`
	ItemID         string          `json:"item_id"`
	Kind           string          `json:"kind"`
	Attempt        int             `json:"attempt"`
	LastError      string          `json:"last_error"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
}

// Producer publishes dead-lettered jobs to the DLQ.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer for cfg.DLQURL.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := NewClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs dead-letter producer initialized",
		zap.String("queue_url", cfg.DLQURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.DLQURL,
		logger:   logger,
	}, nil
}

// Publish sends job to the dead-letter queue and returns the message ID.
func (p *Producer) Publish(ctx context.Context, job *db.Job) (string, error) {
	msg := DeadLetter{
		JobID:          job.ID.String(),
		Channel:        job.Channel,
		ItemID:         job.ItemID,
		Kind:           job.Kind,
		Attempt:        job.Attempt,
		LastError:      job.LastError,
		Payload:        job.Payload,
		CreatedAt:      job.CreatedAt,
		DeadLetteredAt: job.UpdatedAt,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"channel": {DataType: aws.String("String"), StringValue: aws.String(job.Channel)},
		},
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// OnDeadLetter publishes job and logs the outcome. It has the signature of
// a dispatcher dead-letter hook.
func (p *Producer) OnDeadLetter(ctx context.Context, job *db.Job) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	id, err := p.Publish(ctx, job)
	if err != nil {
		p.logger.Error("failed to publish dead letter to sqs",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		return
	}
	p.logger.Info("dead letter published to sqs",
		zap.String("job_id", job.ID.String()),
		zap.String("message_id", id),
	)
}
