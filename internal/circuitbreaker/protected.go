package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/jellycast/internal/delivery"
	"github.com/lalithlochan/jellycast/internal/render"
)

// Protected wraps a Deliverer with a breaker for one channel endpoint.
// Permanent errors do not count as failures: the endpoint answered.
type Protected struct {
	next    delivery.Deliverer
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtected wraps next with breaker.
func NewProtected(next delivery.Deliverer, breaker *CircuitBreaker, logger *zap.Logger) *Protected {
	return &Protected{next: next, breaker: breaker, logger: logger}
}

// Deliver implements delivery.Deliverer.
func (p *Protected) Deliver(ctx context.Context, endpoint string, msg render.Message) error {
	if err := p.breaker.Allow(); err != nil {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("state", p.breaker.GetState().String()),
		)
		return err
	}

	err := p.next.Deliver(ctx, endpoint, msg)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case delivery.IsPermanent(err):
		p.breaker.RecordSuccess()
	default:
		if _, limited := delivery.RetryAfter(err); !limited {
			p.breaker.RecordFailure()
		}
	}
	return err
}

// Supports implements delivery.Deliverer.
func (p *Protected) Supports(endpoint string) bool {
	return p.next.Supports(endpoint)
}

// Breaker returns the underlying circuit breaker.
func (p *Protected) Breaker() *CircuitBreaker {
	return p.breaker
}
