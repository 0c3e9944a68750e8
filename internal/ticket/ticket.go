// Package ticket tracks listed tickets and their exclusive-access status.
//
// A ticket is a scarce, single-owner resource. Every status change is a
// conditional write guarded by the current status (compare-and-set), which is
// what keeps two concurrent purchase attempts from both succeeding: the loser
// observes ErrNotAvailable and surfaces "ticket no longer available".
package ticket

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lucaspalermo/passback/internal/idgen"
	"github.com/lucaspalermo/passback/internal/pagination"
)

var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrNotAvailable   = errors.New("ticket is not available")
	ErrNotReserved    = errors.New("ticket is not reserved")
	ErrNotSold        = errors.New("ticket is not sold")
	ErrInvalidPrice   = errors.New("invalid ticket price")
	ErrPastEvent      = errors.New("event date is in the past")
	ErrInvalidCursor  = errors.New("invalid pagination cursor")
)

// Status represents a ticket's exclusive-access status.
type Status string

const (
	StatusAvailable Status = "available" // listed, can be reserved
	StatusReserved  Status = "reserved"  // held by one pending transaction or accepted offer
	StatusSold      Status = "sold"      // payment confirmed, awaiting release
	StatusCompleted Status = "completed" // funds released to seller
)

// Ticket represents a listed ticket.
type Ticket struct {
	ID        string          `json:"id"`
	SellerID  string          `json:"sellerId"`
	EventName string          `json:"eventName"`
	Venue     string          `json:"venue,omitempty"`
	EventDate time.Time       `json:"eventDate"`
	Price     decimal.Decimal `json:"price"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store persists tickets. The four transition methods are compare-and-set
// writes: they succeed only when the ticket is in the expected pre-state and
// return the matching typed error otherwise.
type Store interface {
	Create(ctx context.Context, t *Ticket) error
	Get(ctx context.Context, id string) (*Ticket, error)
	// ListAvailable returns purchasable tickets ordered by (event_date, id),
	// starting after the cursor position when one is given.
	ListAvailable(ctx context.Context, limit int, after *pagination.Cursor) ([]*Ticket, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Ticket, error)

	// Reserve transitions available -> reserved.
	Reserve(ctx context.Context, id string) error
	// ReleaseHold transitions reserved -> available.
	ReleaseHold(ctx context.Context, id string) error
	// MarkSold transitions reserved -> sold.
	MarkSold(ctx context.Context, id string) error
	// MarkCompleted transitions sold -> completed.
	MarkCompleted(ctx context.Context, id string) error
	// Relist transitions sold -> available, unwinding a refunded sale.
	Relist(ctx context.Context, id string) error
}

// CreateRequest contains the parameters for listing a ticket.
type CreateRequest struct {
	EventName string `json:"eventName" binding:"required"`
	Venue     string `json:"venue"`
	EventDate string `json:"eventDate" binding:"required"` // RFC3339
	Price     string `json:"price" binding:"required"`
}

// Service implements ticket listing logic.
// Notifier receives listing events, fire-and-forget.
type Notifier interface {
	TicketListed(t *Ticket)
}

type Service struct {
	store    Store
	notifier Notifier
}

// NewService creates a new ticket service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// WithNotifier attaches a listing notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Create lists a new ticket for the given seller.
func (s *Service) Create(ctx context.Context, sellerID string, req CreateRequest) (*Ticket, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(req.Price))
	if err != nil || price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}

	eventDate, err := time.Parse(time.RFC3339, req.EventDate)
	if err != nil {
		return nil, errors.New("eventDate must be RFC3339")
	}
	if eventDate.Before(time.Now()) {
		return nil, ErrPastEvent
	}

	now := time.Now()
	t := &Ticket{
		ID:        idgen.WithPrefix(idgen.TicketPrefix),
		SellerID:  sellerID,
		EventName: strings.TrimSpace(req.EventName),
		Venue:     strings.TrimSpace(req.Venue),
		EventDate: eventDate,
		Price:     price.Round(2),
		Status:    StatusAvailable,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.TicketListed(t)
	}
	return t, nil
}

// Get returns a ticket by ID.
func (s *Service) Get(ctx context.Context, id string) (*Ticket, error) {
	return s.store.Get(ctx, id)
}

// ListAvailable returns a page of currently purchasable tickets ordered by
// event date. The returned cursor resumes browsing after the last ticket of
// the page; it is empty on the final page.
func (s *Service) ListAvailable(ctx context.Context, limit int, cursor string) ([]*Ticket, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", ErrInvalidCursor
	}
	items, err := s.store.ListAvailable(ctx, limit+1, after)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(t *Ticket) (time.Time, string) {
		return t.EventDate, t.ID
	})
	return page, next, nil
}

// ListBySeller returns a seller's listings.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Ticket, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListBySeller(ctx, sellerID, limit)
}
