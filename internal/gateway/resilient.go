package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lucaspalermo/passback/internal/circuitbreaker"
	"github.com/lucaspalermo/passback/internal/retry"
	"github.com/lucaspalermo/passback/internal/transaction"
)

// Resilient wraps a payment gateway with retries and a circuit breaker.
// Transient processor failures are retried with backoff; sustained failure
// trips the circuit so checkout requests fail fast instead of piling up
// behind a dead processor.
type Resilient struct {
	inner     transaction.PaymentGateway
	breaker   *circuitbreaker.Breaker
	attempts  int
	baseDelay time.Duration
}

// WithResilience wraps gw. The circuit opens after 5 consecutive failures
// per operation and probes again after 30 seconds.
func WithResilience(gw transaction.PaymentGateway) *Resilient {
	return &Resilient{
		inner:     gw,
		breaker:   circuitbreaker.New(5, 30*time.Second),
		attempts:  3,
		baseDelay: 200 * time.Millisecond,
	}
}

var _ transaction.PaymentGateway = (*Resilient)(nil)

func (r *Resilient) CreatePayment(ctx context.Context, transactionID, buyerID string, amount decimal.Decimal) (string, string, error) {
	var checkoutURL, reference string
	err := r.call(ctx, "create_payment", func() error {
		var err error
		checkoutURL, reference, err = r.inner.CreatePayment(ctx, transactionID, buyerID, amount)
		return err
	})
	if err != nil {
		return "", "", err
	}
	return checkoutURL, reference, nil
}

func (r *Resilient) GetPaymentStatus(ctx context.Context, reference string) (transaction.PaymentStatus, error) {
	var status transaction.PaymentStatus
	err := r.call(ctx, "payment_status", func() error {
		var err error
		status, err = r.inner.GetPaymentStatus(ctx, reference)
		return err
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

func (r *Resilient) call(ctx context.Context, op string, fn func() error) error {
	if !r.breaker.Allow(op) {
		return fmt.Errorf("%w: circuit open for %s", transaction.ErrUpstream, op)
	}
	if err := retry.Do(ctx, r.attempts, r.baseDelay, fn); err != nil {
		r.breaker.RecordFailure(op)
		return err
	}
	r.breaker.RecordSuccess(op)
	return nil
}
