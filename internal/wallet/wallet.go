// Package wallet tracks seller balances on the platform.
//
// A wallet is created lazily on first access. The available balance is
// mutated exactly once per transaction, when that transaction is released:
// the credit is keyed on the source transaction ID, so replays are no-ops.
// Pending earnings are never stored; they are derived from transactions that
// are paid but not yet past their release grace window.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrAlreadyCredited     = errors.New("transaction already credited")
)

// Wallet represents a seller's balance.
type Wallet struct {
	SellerID        string          `json:"sellerId"`
	Available       decimal.Decimal `json:"availableBalance"`
	PendingEarnings decimal.Decimal `json:"pendingEarnings"` // derived, not stored
	TotalEarned     decimal.Decimal `json:"totalEarned"`
	TotalWithdrawn  decimal.Decimal `json:"totalWithdrawn"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Store persists wallet balances.
type Store interface {
	// GetBalance returns the seller's wallet, or a zero wallet if none exists yet.
	GetBalance(ctx context.Context, sellerID string) (*Wallet, error)
	// CreditAvailable adds a released transaction's seller amount to the
	// available balance. Idempotent keyed on sourceTransactionID: a second
	// call for the same transaction returns ErrAlreadyCredited and changes
	// nothing.
	CreditAvailable(ctx context.Context, sellerID string, amount decimal.Decimal, sourceTransactionID string) error
	// Withdraw moves funds out of the available balance.
	Withdraw(ctx context.Context, sellerID string, amount decimal.Decimal) error
}

// PendingSummer computes a seller's not-yet-released earnings. Implemented by
// the transaction store: sum of seller_amount over paid transactions whose
// event grace window has not elapsed.
type PendingSummer interface {
	SumPendingEarnings(ctx context.Context, sellerID string, graceCutoff time.Time) (decimal.Decimal, error)
}

// Service implements wallet business logic.
type Service struct {
	store   Store
	pending PendingSummer
	grace   time.Duration
}

// NewService creates a new wallet service. grace is the auto-release grace
// period used to derive pending earnings.
func NewService(store Store, pending PendingSummer, grace time.Duration) *Service {
	return &Service{store: store, pending: pending, grace: grace}
}

// Balance returns a seller's wallet with derived pending earnings.
func (s *Service) Balance(ctx context.Context, sellerID string) (*Wallet, error) {
	w, err := s.store.GetBalance(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	if s.pending != nil {
		// A paid transaction counts as pending until its event date plus the
		// grace window has elapsed.
		cutoff := time.Now().Add(-s.grace)
		pending, err := s.pending.SumPendingEarnings(ctx, sellerID, cutoff)
		if err != nil {
			return nil, err
		}
		w.PendingEarnings = pending
	}
	return w, nil
}

// Withdraw removes funds from the seller's available balance.
func (s *Service) Withdraw(ctx context.Context, sellerID string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return s.store.Withdraw(ctx, sellerID, amount.Round(2))
}
