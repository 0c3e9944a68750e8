// Package gateway adapts external payment processors to the escrow engine.
//
// The production adapter drives Stripe Checkout: one checkout session per
// transaction, with the session ID stored as the gateway reference. Payment
// confirmation arrives through the Stripe webhook or, as a fallback, through
// status polling against the same session.
package gateway

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"

	"github.com/lucaspalermo/passback/internal/transaction"
)

// StripeConfig configures the Stripe Checkout adapter.
type StripeConfig struct {
	SecretKey  string
	Currency   string // ISO currency code, defaults to usd
	SuccessURL string
	CancelURL  string
}

// StripeGateway implements the escrow engine's payment boundary on Stripe
// Checkout.
type StripeGateway struct {
	cfg StripeConfig
}

// NewStripeGateway creates the adapter and installs the API key.
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	stripe.Key = cfg.SecretKey
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &StripeGateway{cfg: cfg}
}

var _ transaction.PaymentGateway = (*StripeGateway)(nil)

// CreatePayment opens a checkout session for the transaction amount.
// The session ID doubles as the gateway reference.
func (g *StripeGateway) CreatePayment(ctx context.Context, transactionID, buyerID string, amount decimal.Decimal) (string, string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(transactionID),
		SuccessURL:        stripe.String(g.cfg.SuccessURL),
		CancelURL:         stripe.String(g.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(g.cfg.Currency),
				UnitAmount: stripe.Int64(toCents(amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Ticket purchase"),
				},
			},
		}},
	}
	params.Context = ctx
	params.AddMetadata("transaction_id", transactionID)
	params.AddMetadata("buyer_id", buyerID)

	sess, err := session.New(params)
	if err != nil {
		return "", "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	return sess.URL, sess.ID, nil
}

// GetPaymentStatus maps the checkout session state onto the engine's
// payment states.
func (g *StripeGateway) GetPaymentStatus(ctx context.Context, reference string) (transaction.PaymentStatus, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := session.Get(reference, params)
	if err != nil {
		return "", fmt.Errorf("failed to fetch checkout session: %w", err)
	}

	if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		return transaction.PaymentApproved, nil
	}
	switch sess.Status {
	case stripe.CheckoutSessionStatusExpired:
		return transaction.PaymentCancelled, nil
	default:
		return transaction.PaymentPending, nil
	}
}

// toCents converts a two-decimal amount to the gateway's integer minor units.
func toCents(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).IntPart()
}
