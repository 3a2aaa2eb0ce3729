// Package delivery sends rendered notifications to channel endpoints.
//
// Endpoints are addressed by URL scheme:
//
//	https://...        HTTP webhook (Discord compatible)
//	sns:<topic-arn>    AWS SNS topic
//	mailto:<address>   AWS SES e-mail
//	log:               structured log only
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/jellycast/internal/render"
)

// ErrPermanent marks failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent delivery failure")

// Deliverer sends one message to one endpoint. A nil error means success.
type Deliverer interface {
	Deliver(ctx context.Context, endpoint string, msg render.Message) error
	Supports(endpoint string) bool
}

// RetryAfterError is a transient failure where the endpoint asked for a
// minimum wait before the next attempt.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// Permanent wraps err so that errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// RetryAfter returns the wait requested by the endpoint, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.After, true
	}
	return 0, false
}

// Multi routes each delivery to the first deliverer supporting the endpoint.
type Multi struct {
	deliverers []Deliverer
	logger     *zap.Logger
}

// NewMulti creates a scheme router over deliverers.
func NewMulti(logger *zap.Logger, deliverers ...Deliverer) *Multi {
	return &Multi{deliverers: deliverers, logger: logger}
}

// Deliver implements Deliverer.
func (m *Multi) Deliver(ctx context.Context, endpoint string, msg render.Message) error {
	for _, d := range m.deliverers {
		if d.Supports(endpoint) {
			return d.Deliver(ctx, endpoint, msg)
		}
	}
	return Permanent(fmt.Errorf("no deliverer for endpoint scheme %q", scheme(endpoint)))
}

// Supports implements Deliverer.
func (m *Multi) Supports(endpoint string) bool {
	for _, d := range m.deliverers {
		if d.Supports(endpoint) {
			return true
		}
	}
	return false
}

// Log writes notifications to the logger instead of sending them.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a log-only deliverer.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

// Deliver implements Deliverer.
func (l *Log) Deliver(_ context.Context, endpoint string, msg render.Message) error {
	l.logger.Info("notification",
		zap.String("endpoint", endpoint),
		zap.String("subject", msg.Subject()),
		zap.String("text", msg.Text()),
	)
	return nil
}

// Supports implements Deliverer.
func (l *Log) Supports(endpoint string) bool {
	return strings.HasPrefix(endpoint, "log:")
}

func scheme(endpoint string) string {
	if i := strings.Index(endpoint, ":"); i > 0 {
		return endpoint[:i]
	}
	return endpoint
}
