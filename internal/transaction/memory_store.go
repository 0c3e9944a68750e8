package transaction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lucaspalermo/passback/internal/wallet"
)

// Crediter applies the seller payout. CreditAvailable must be idempotent on
// the source transaction ID.
type Crediter interface {
	CreditAvailable(ctx context.Context, sellerID string, amount decimal.Decimal, sourceTransactionID string) error
}

// MemoryStore is an in-memory Store for tests and local development.
// It pairs transaction transitions with ticket and wallet writes under one
// mutex, mirroring the atomic units the Postgres store gets from database
// transactions.
type MemoryStore struct {
	mu      sync.RWMutex
	txns    map[string]*Transaction
	tickets TicketLedger
	wallet  Crediter
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(tickets TicketLedger, wallet Crediter) *MemoryStore {
	return &MemoryStore{
		txns:    make(map[string]*Transaction),
		tickets: tickets,
		wallet:  wallet,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.txns {
		if existing.TicketID == t.TicketID && existing.Status.Live() {
			return fmt.Errorf("%w: ticket %s has a live transaction", ErrTicketUnavailable, t.TicketID)
		}
	}
	cp := *t
	m.txns[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetByGatewayReference(ctx context.Context, reference string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.txns {
		if t.GatewayReference == reference && reference != "" {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, t := range m.txns {
		if t.BuyerID == userID || t.SellerID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetGatewayDetails(ctx context.Context, id, reference, checkoutURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return ErrTransactionNotFound
	}
	t.GatewayReference = reference
	t.CheckoutURL = checkoutURL
	return nil
}

func (m *MemoryStore) MarkPaid(ctx context.Context, id, gatewayReference string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if t.Status != StatusPending {
		return false, nil
	}
	t.Status = StatusPaid
	t.PaidAt = &now
	if gatewayReference != "" {
		t.GatewayReference = gatewayReference
	}
	_ = m.tickets.MarkSold(ctx, t.TicketID)
	return true, nil
}

func (m *MemoryStore) MarkCancelled(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if t.Status != StatusPending {
		return false, nil
	}
	t.Status = StatusCancelled
	_ = m.tickets.ReleaseHold(ctx, t.TicketID)
	return true, nil
}

func (m *MemoryStore) MarkRefunded(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if t.Status != StatusPaid {
		return false, nil
	}
	t.Status = StatusCancelled
	_ = m.tickets.Relist(ctx, t.TicketID)
	return true, nil
}

func (m *MemoryStore) ReleaseAndCredit(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if t.Status != StatusPaid {
		return false, nil
	}
	if err := m.wallet.CreditAvailable(ctx, t.SellerID, t.SellerAmount, t.ID); err != nil {
		if !errors.Is(err, wallet.ErrAlreadyCredited) {
			return false, err
		}
	}
	t.Status = StatusReleased
	t.ConfirmedAt = &now
	t.ReleasedAt = &now
	_ = m.tickets.MarkCompleted(ctx, t.TicketID)
	return true, nil
}

func (m *MemoryStore) ExpireBatch(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, t := range m.txns {
		if t.Status == StatusPending && t.ExpiresAt.Before(now) {
			t.Status = StatusExpired
			_ = m.tickets.ReleaseHold(ctx, t.TicketID)
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListAutoReleasable(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, t := range m.txns {
		if t.Status == StatusPaid && t.EventDate.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) SumPendingEarnings(ctx context.Context, sellerID string, cutoff time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := decimal.Zero
	for _, t := range m.txns {
		if t.SellerID == sellerID && t.Status == StatusPaid && t.EventDate.After(cutoff) {
			sum = sum.Add(t.SellerAmount)
		}
	}
	return sum, nil
}
