package offer

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	offers map[string]*Offer
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*Offer)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListByTicket(ctx context.Context, ticketID string, limit int) ([]*Offer, error) {
	return m.list(func(o *Offer) bool { return o.TicketID == ticketID }, limit)
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Offer, error) {
	return m.list(func(o *Offer) bool { return o.BuyerID == userID || o.SellerID == userID }, limit)
}

func (m *MemoryStore) list(match func(*Offer) bool, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Offer
	for _, o := range m.offers {
		if match(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkAccepted(ctx context.Context, id string, deadline, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return false, ErrOfferNotFound
	}
	if o.Status != StatusPending {
		return false, nil
	}
	o.Status = StatusAccepted
	o.RespondedAt = &now
	o.PaymentDeadline = &deadline
	return true, nil
}

func (m *MemoryStore) MarkStatus(ctx context.Context, id string, from, to Status, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return false, ErrOfferNotFound
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	o.RespondedAt = &now
	return true, nil
}

func (m *MemoryStore) SetTransactionID(ctx context.Context, id, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return ErrOfferNotFound
	}
	o.TransactionID = transactionID
	return nil
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Offer
	for _, o := range m.offers {
		if o.Status == StatusAccepted && o.PaymentDeadline != nil && o.PaymentDeadline.Before(now) {
			cp := *o
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
