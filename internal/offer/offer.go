// Package offer implements price negotiation on ticket listings.
//
// An offer proposes a price below asking. Creating one takes no reservation,
// so any number of buyers can bid on the same ticket. Accepting an offer
// reserves the ticket and opens a short payment window; paying hands off to
// the escrow engine with the negotiated amount. Accepted offers whose window
// closes without payment are expired by sweep and the ticket is freed.
package offer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lucaspalermo/passback/internal/idgen"
	"github.com/lucaspalermo/passback/internal/metrics"
	"github.com/lucaspalermo/passback/internal/money"
	"github.com/lucaspalermo/passback/internal/traces"
	"github.com/lucaspalermo/passback/internal/transaction"
)

var (
	ErrOfferNotFound     = errors.New("offer not found")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrTicketUnavailable = errors.New("ticket is no longer available")
	ErrSelfOffer         = errors.New("cannot make an offer on your own ticket")
	ErrBelowMinimum      = errors.New("offer is below the minimum acceptable amount")
	ErrInvalidAmount     = errors.New("offer amount must be positive")
	ErrForbidden         = errors.New("not authorized for this offer")
	ErrInvalidState      = errors.New("invalid offer status for this operation")
)

// Status represents the state of an offer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted" // ticket reserved, payment window open
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Offer is a buyer's price proposal on a listed ticket.
type Offer struct {
	ID       string          `json:"id"`
	TicketID string          `json:"ticketId"`
	BuyerID  string          `json:"buyerId"`
	SellerID string          `json:"sellerId"`
	Amount   decimal.Decimal `json:"amount"`
	Message  string          `json:"message,omitempty"`
	Status   Status          `json:"status"`

	CreatedAt       time.Time  `json:"createdAt"`
	RespondedAt     *time.Time `json:"respondedAt,omitempty"`
	PaymentDeadline *time.Time `json:"paymentDeadline,omitempty"`
	TransactionID   string     `json:"transactionId,omitempty"` // set once the buyer starts payment
}

// Store persists offers. Transition methods are conditional writes returning
// false on a compare-and-set miss.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	ListByTicket(ctx context.Context, ticketID string, limit int) ([]*Offer, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Offer, error)
	// MarkAccepted transitions pending -> accepted and records the deadline.
	MarkAccepted(ctx context.Context, id string, deadline, now time.Time) (bool, error)
	// MarkStatus is the generic conditional transition for reject, cancel
	// and expire.
	MarkStatus(ctx context.Context, id string, from, to Status, now time.Time) (bool, error)
	SetTransactionID(ctx context.Context, id, transactionID string) error
	// ListDue returns accepted offers whose payment deadline is before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Offer, error)
}

// TicketInfo is the listing snapshot the negotiation layer needs.
type TicketInfo struct {
	ID        string
	SellerID  string
	Price     decimal.Decimal
	EventDate time.Time
	Available bool
	Sold      bool
}

// TicketLedger abstracts ticket reads and reservation operations.
type TicketLedger interface {
	Info(ctx context.Context, ticketID string) (*TicketInfo, error)
	Reserve(ctx context.Context, ticketID string) error
	ReleaseHold(ctx context.Context, ticketID string) error
}

// TransactionCreator opens the escrow transaction when the buyer pays and
// resolves the already-opened one on repeat calls. Implemented by the
// transaction service.
type TransactionCreator interface {
	CreateFromOffer(ctx context.Context, terms transaction.OfferTerms) (*transaction.Transaction, error)
	Get(ctx context.Context, id string) (*transaction.Transaction, error)
}

// Notifier receives offer lifecycle events, fire-and-forget.
type Notifier interface {
	OfferReceived(o *Offer)
	OfferAccepted(o *Offer)
}

// Config holds negotiation parameters, read once per offer.
type Config struct {
	MinFraction   decimal.Decimal // minimum offer as a fraction of list price
	PaymentWindow time.Duration   // time the buyer has to pay after acceptance
}

const sweepBatchSize = 200

// Service implements the negotiation protocol.
type Service struct {
	store    Store
	tickets  TicketLedger
	txns     TransactionCreator
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	locks    sync.Map
}

// NewService creates a new offer service.
func NewService(store Store, tickets TicketLedger, txns TransactionCreator, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		tickets: tickets,
		txns:    txns,
		cfg:     cfg,
		logger:  logger,
	}
}

// WithNotifier attaches a lifecycle notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) offerLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create places a new offer on an available ticket. No reservation is taken:
// concurrent offers on the same ticket are expected and allowed.
func (s *Service) Create(ctx context.Context, ticketID, buyerID string, amount decimal.Decimal, message string) (*Offer, error) {
	ctx, span := traces.StartSpan(ctx, "offer.Create",
		traces.TicketID(ticketID), traces.UserID(buyerID))
	defer span.End()

	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	info, err := s.tickets.Info(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if info.SellerID == buyerID {
		return nil, ErrSelfOffer
	}
	if !info.Available {
		return nil, ErrTicketUnavailable
	}
	if amount.LessThan(info.Price.Mul(s.cfg.MinFraction)) {
		return nil, fmt.Errorf("%w: minimum is %s", ErrBelowMinimum,
			money.Format(info.Price.Mul(s.cfg.MinFraction).Round(money.Scale)))
	}

	o := &Offer{
		ID:        idgen.WithPrefix(idgen.OfferPrefix),
		TicketID:  ticketID,
		BuyerID:   buyerID,
		SellerID:  info.SellerID,
		Amount:    amount.Round(money.Scale),
		Message:   message,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	metrics.OffersTotal.WithLabelValues(string(StatusPending)).Inc()
	if s.notifier != nil {
		s.notifier.OfferReceived(o)
	}
	return o, nil
}

// Get returns an offer by ID.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	return s.store.Get(ctx, id)
}

// ListByTicket returns offers on a ticket. Only the seller sees the full
// book; the handler enforces that.
func (s *Service) ListByTicket(ctx context.Context, ticketID string, limit int) ([]*Offer, error) {
	return s.store.ListByTicket(ctx, ticketID, clampLimit(limit))
}

// ListByUser returns offers the user made or received.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Offer, error) {
	return s.store.ListByUser(ctx, userID, clampLimit(limit))
}

// Accept reserves the ticket for the offer's buyer and opens the payment
// window. The reservation is the arbiter: if another accepted offer or a
// direct purchase holds the ticket, acceptance fails with TicketUnavailable
// and the offer stays pending.
func (s *Service) Accept(ctx context.Context, id, actingUserID string) (*Offer, error) {
	ctx, span := traces.StartSpan(ctx, "offer.Accept", traces.OfferID(id))
	defer span.End()

	mu := s.offerLock(id)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.SellerID != actingUserID {
		return nil, ErrForbidden
	}
	if o.Status != StatusPending {
		return nil, ErrInvalidState
	}

	if err := s.tickets.Reserve(ctx, o.TicketID); err != nil {
		return nil, ErrTicketUnavailable
	}

	now := time.Now()
	deadline := now.Add(s.cfg.PaymentWindow)
	transitioned, err := s.store.MarkAccepted(ctx, id, deadline, now)
	if err != nil {
		s.releaseHold(ctx, o.TicketID)
		return nil, err
	}
	if !transitioned {
		s.releaseHold(ctx, o.TicketID)
		return nil, ErrInvalidState
	}

	o, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics.OffersTotal.WithLabelValues(string(StatusAccepted)).Inc()
	s.logger.Info("offer accepted",
		"offerId", o.ID, "ticketId", o.TicketID, "amount", money.Format(o.Amount))
	if s.notifier != nil {
		s.notifier.OfferAccepted(o)
	}
	return o, nil
}

// Reject declines a pending offer. Seller only.
func (s *Service) Reject(ctx context.Context, id, actingUserID string) (*Offer, error) {
	return s.respond(ctx, id, actingUserID, StatusRejected, func(o *Offer) string { return o.SellerID })
}

// Cancel withdraws a pending offer. Buyer only.
func (s *Service) Cancel(ctx context.Context, id, actingUserID string) (*Offer, error) {
	return s.respond(ctx, id, actingUserID, StatusCancelled, func(o *Offer) string { return o.BuyerID })
}

func (s *Service) respond(ctx context.Context, id, actingUserID string, to Status, owner func(*Offer) string) (*Offer, error) {
	mu := s.offerLock(id)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if owner(o) != actingUserID {
		return nil, ErrForbidden
	}
	if o.Status != StatusPending {
		return nil, ErrInvalidState
	}

	transitioned, err := s.store.MarkStatus(ctx, id, StatusPending, to, time.Now())
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return nil, ErrInvalidState
	}

	metrics.OffersTotal.WithLabelValues(string(to)).Inc()
	return s.store.Get(ctx, id)
}

// Pay opens the escrow transaction for an accepted offer at the negotiated
// amount. Idempotent: repeating the call returns the already-created
// transaction. The escrow deadline is the offer's payment deadline, so an
// unpaid handoff expires together with the offer.
func (s *Service) Pay(ctx context.Context, id, actingUserID string) (*Offer, *transaction.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "offer.Pay", traces.OfferID(id))
	defer span.End()

	mu := s.offerLock(id)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if o.BuyerID != actingUserID {
		return nil, nil, ErrForbidden
	}
	if o.TransactionID != "" {
		// Repeat call: the escrow transaction already exists, hand it back.
		txn, err := s.txns.Get(ctx, o.TransactionID)
		if err != nil {
			return nil, nil, err
		}
		return o, txn, nil
	}
	if o.Status != StatusAccepted || o.PaymentDeadline == nil {
		return nil, nil, ErrInvalidState
	}
	if time.Now().After(*o.PaymentDeadline) {
		return nil, nil, ErrInvalidState
	}

	info, err := s.tickets.Info(ctx, o.TicketID)
	if err != nil {
		return nil, nil, err
	}

	txn, err := s.txns.CreateFromOffer(ctx, transaction.OfferTerms{
		OfferID:         o.ID,
		TicketID:        o.TicketID,
		BuyerID:         o.BuyerID,
		SellerID:        o.SellerID,
		Amount:          o.Amount,
		EventDate:       info.EventDate,
		PaymentDeadline: *o.PaymentDeadline,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.SetTransactionID(ctx, o.ID, txn.ID); err != nil {
		return nil, nil, err
	}
	o.TransactionID = txn.ID
	return o, txn, nil
}

// ExpireSweep expires accepted offers whose payment window has closed and
// frees their reservations. An offer whose ticket already moved to sold has
// converted into a paid transaction and is skipped. Idempotent under repeats
// and overlapping runs.
func (s *Service) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDue(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, o := range due {
		info, err := s.tickets.Info(ctx, o.TicketID)
		if err != nil {
			s.logger.Warn("ticket lookup failed during offer sweep",
				"offerId", o.ID, "ticketId", o.TicketID, "error", err)
			continue
		}
		if info.Sold {
			continue // payment landed before the sweep
		}

		transitioned, err := s.store.MarkStatus(ctx, o.ID, StatusAccepted, StatusExpired, now)
		if err != nil {
			s.logger.Warn("offer expiry failed", "offerId", o.ID, "error", err)
			continue
		}
		if !transitioned {
			continue
		}
		s.releaseHold(ctx, o.TicketID)
		expired++
	}
	if expired > 0 {
		metrics.OffersTotal.WithLabelValues(string(StatusExpired)).Add(float64(expired))
	}
	return expired, nil
}

// releaseHold frees a reservation, tolerating the hold already being gone.
func (s *Service) releaseHold(ctx context.Context, ticketID string) {
	if err := s.tickets.ReleaseHold(ctx, ticketID); err != nil {
		s.logger.Debug("ticket hold already released", "ticketId", ticketID, "error", err)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
