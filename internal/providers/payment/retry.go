package payment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RetryingGateway retries transient provider failures with exponential
// backoff before giving up.
type RetryingGateway struct {
	next     Gateway
	log      *zap.Logger
	attempts int
	baseWait time.Duration
}

func WithRetry(next Gateway, log *zap.Logger) *RetryingGateway {
	return &RetryingGateway{
		next:     next,
		log:      log.Named("payment.retry"),
		attempts: 3,
		baseWait: 200 * time.Millisecond,
	}
}

func (g *RetryingGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	var result ChargeResult
	err := g.retry(ctx, "charge", func() error {
		var err error
		result, err = g.next.Charge(ctx, req)
		return err
	})
	return result, err
}

func (g *RetryingGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	var result RefundResult
	err := g.retry(ctx, "refund", func() error {
		var err error
		result, err = g.next.Refund(ctx, req)
		return err
	})
	return result, err
}

func (g *RetryingGateway) retry(ctx context.Context, op string, call func() error) error {
	wait := g.baseWait
	var lastErr error
	for attempt := 1; attempt <= g.attempts; attempt++ {
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrProviderUnavailable) {
			return lastErr
		}
		if attempt == g.attempts {
			break
		}
		g.log.Warn("provider call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return lastErr
}
