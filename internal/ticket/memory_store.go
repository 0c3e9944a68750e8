package ticket

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lucaspalermo/passback/internal/pagination"
)

// MemoryStore is an in-memory ticket store for demo/development mode.
// The transition methods implement the same compare-and-set semantics as the
// Postgres store, guarded by a single mutex.
type MemoryStore struct {
	tickets map[string]*Ticket
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory ticket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[string]*Ticket)}
}

func (m *MemoryStore) Create(ctx context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tickets[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListAvailable(ctx context.Context, limit int, after *pagination.Cursor) ([]*Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var result []*Ticket
	for _, t := range m.tickets {
		if t.Status != StatusAvailable || !t.EventDate.After(now) {
			continue
		}
		if after != nil {
			if t.EventDate.Before(after.Time) {
				continue
			}
			if t.EventDate.Equal(after.Time) && t.ID <= after.ID {
				continue
			}
		}
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].EventDate.Equal(result[j].EventDate) {
			return result[i].EventDate.Before(result[j].EventDate)
		}
		return result[i].ID < result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Ticket
	for _, t := range m.tickets {
		if t.SellerID == sellerID {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// transition applies a compare-and-set status change under the store lock.
func (m *MemoryStore) transition(id string, from, to Status, missing error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return ErrTicketNotFound
	}
	if t.Status != from {
		return missing
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Reserve(ctx context.Context, id string) error {
	return m.transition(id, StatusAvailable, StatusReserved, ErrNotAvailable)
}

func (m *MemoryStore) ReleaseHold(ctx context.Context, id string) error {
	return m.transition(id, StatusReserved, StatusAvailable, ErrNotReserved)
}

func (m *MemoryStore) MarkSold(ctx context.Context, id string) error {
	return m.transition(id, StatusReserved, StatusSold, ErrNotReserved)
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, id string) error {
	return m.transition(id, StatusSold, StatusCompleted, ErrNotSold)
}

func (m *MemoryStore) Relist(ctx context.Context, id string) error {
	return m.transition(id, StatusSold, StatusAvailable, ErrNotSold)
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
