package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	wallets  map[string]*Wallet
	credited map[string]bool // sourceTransactionID -> applied
	mu       sync.Mutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:  make(map[string]*Wallet),
		credited: make(map[string]bool),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, sellerID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[sellerID]
	if !ok {
		return zeroWallet(sellerID), nil
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) CreditAvailable(ctx context.Context, sellerID string, amount decimal.Decimal, sourceTransactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.credited[sourceTransactionID] {
		return ErrAlreadyCredited
	}
	w, ok := m.wallets[sellerID]
	if !ok {
		w = zeroWallet(sellerID)
		m.wallets[sellerID] = w
	}
	w.Available = w.Available.Add(amount)
	w.TotalEarned = w.TotalEarned.Add(amount)
	w.UpdatedAt = time.Now()
	m.credited[sourceTransactionID] = true
	return nil
}

func (m *MemoryStore) Withdraw(ctx context.Context, sellerID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[sellerID]
	if !ok || w.Available.LessThan(amount) {
		return ErrInsufficientBalance
	}
	w.Available = w.Available.Sub(amount)
	w.TotalWithdrawn = w.TotalWithdrawn.Add(amount)
	w.UpdatedAt = time.Now()
	return nil
}

func zeroWallet(sellerID string) *Wallet {
	return &Wallet{
		SellerID:        sellerID,
		Available:       decimal.Zero,
		PendingEarnings: decimal.Zero,
		TotalEarned:     decimal.Zero,
		TotalWithdrawn:  decimal.Zero,
		UpdatedAt:       time.Now(),
	}
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
