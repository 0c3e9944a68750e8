package gateway

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/lucaspalermo/passback/internal/transaction"
)

// FakeGateway is the in-memory payment processor used in development mode
// and tests. Payments stay pending until approved or declined by hand.
type FakeGateway struct {
	mu       sync.Mutex
	statuses map[string]transaction.PaymentStatus
}

// NewFakeGateway creates an empty fake processor.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{statuses: make(map[string]transaction.PaymentStatus)}
}

var _ transaction.PaymentGateway = (*FakeGateway)(nil)

func (g *FakeGateway) CreatePayment(ctx context.Context, transactionID, buyerID string, amount decimal.Decimal) (string, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	reference := "fakepay_" + transactionID
	g.statuses[reference] = transaction.PaymentPending
	return "https://pay.invalid/checkout/" + reference, reference, nil
}

func (g *FakeGateway) GetPaymentStatus(ctx context.Context, reference string) (transaction.PaymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.statuses[reference]; ok {
		return st, nil
	}
	return transaction.PaymentPending, nil
}

// Approve marks a payment approved, as the processor would after capture.
func (g *FakeGateway) Approve(reference string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[reference] = transaction.PaymentApproved
}

// Decline marks a payment failed.
func (g *FakeGateway) Decline(reference string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[reference] = transaction.PaymentFailed
}
