// Package transaction implements the escrow engine for ticket purchases.
//
// Flow:
//  1. Buyer initiates purchase -> ticket reserved, transaction pending
//  2. Payment processor confirms -> ticket sold, transaction paid
//  3. Buyer confirms receipt (or the grace period passes with no dispute)
//     -> ticket completed, transaction released, seller wallet credited
//  4. No payment before the deadline -> transaction expired, ticket freed
//
// Every transition is a compare-and-set on the persisted status, so the
// engine tolerates duplicated webhooks, racing pollers, and overlapping
// reconciliation sweeps: whoever lands first wins, everyone else observes a
// no-op.
package transaction

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
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTicketNotFound      = errors.New("ticket not found")
	ErrTicketUnavailable   = errors.New("ticket is no longer available")
	ErrSelfPurchase        = errors.New("cannot buy your own ticket")
	ErrForbidden           = errors.New("not authorized for this transaction")
	ErrInvalidState        = errors.New("invalid transaction status for this operation")
	ErrUpstream            = errors.New("payment gateway request failed")
)

// Status represents the state of an escrow transaction.
type Status string

const (
	StatusPending   Status = "pending"  // reservation held, awaiting payment
	StatusPaid      Status = "paid"     // funds captured, held in escrow
	StatusReleased  Status = "released" // funds credited to seller
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"

	// StatusConfirmed is part of the status vocabulary but never stored:
	// receipt confirmation moves paid straight to released in one
	// transition, recording confirmed_at on the released row.
	StatusConfirmed Status = "confirmed"
)

// IsTerminal returns true if the transaction is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Live reports whether the transaction currently holds its ticket. At most
// one live transaction may exist per ticket.
func (s Status) Live() bool {
	return s == StatusPending || s == StatusPaid
}

// Transaction represents an escrow purchase of a single ticket.
// Amount, PlatformFee and SellerAmount are fixed at creation and never
// recomputed; a transaction row is a financial record and is never deleted.
type Transaction struct {
	ID       string `json:"id"`
	TicketID string `json:"ticketId"`
	BuyerID  string `json:"buyerId"`
	SellerID string `json:"sellerId"`
	OfferID  string `json:"offerId,omitempty"` // set when created from an accepted offer

	Amount       decimal.Decimal `json:"amount"`
	PlatformFee  decimal.Decimal `json:"platformFee"`
	SellerAmount decimal.Decimal `json:"sellerAmount"`
	EventDate    time.Time       `json:"eventDate"` // snapshot, drives the release grace window

	Status           Status `json:"status"`
	GatewayReference string `json:"gatewayReference,omitempty"`
	CheckoutURL      string `json:"checkoutUrl,omitempty"`

	RequestedAt time.Time  `json:"requestedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	ReleasedAt  *time.Time `json:"releasedAt,omitempty"`
}

// Store persists transactions. The transition methods are conditional writes:
// they return false (not an error) when the compare-and-set found the record
// in a different state, which is how idempotent callers observe a no-op.
//
// MarkPaid, MarkCancelled, ExpireBatch and ReleaseAndCredit also apply the
// matching ticket transition (and, for ReleaseAndCredit, the exactly-once
// wallet credit) in the same atomic unit.
type Store interface {
	// Create inserts a new transaction. It fails with ErrTicketUnavailable
	// when the ticket already has a live transaction.
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByGatewayReference(ctx context.Context, reference string) (*Transaction, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	SetGatewayDetails(ctx context.Context, id, reference, checkoutURL string) error

	// MarkPaid transitions pending -> paid and the ticket reserved -> sold.
	MarkPaid(ctx context.Context, id, gatewayReference string, now time.Time) (bool, error)
	// MarkCancelled transitions pending -> cancelled and frees the ticket hold.
	MarkCancelled(ctx context.Context, id string, now time.Time) (bool, error)
	// MarkRefunded transitions paid -> cancelled and returns the ticket to
	// the market. The seller is never credited; the buyer's money moves back
	// through the payment processor, outside this engine.
	MarkRefunded(ctx context.Context, id string, now time.Time) (bool, error)
	// ReleaseAndCredit transitions paid -> released, marks the ticket
	// completed, and credits the seller's wallet exactly once, as a single
	// atomic unit.
	ReleaseAndCredit(ctx context.Context, id string, now time.Time) (bool, error)
	// ExpireBatch transitions every pending transaction past its deadline to
	// expired and frees the ticket holds, in one conditional bulk update.
	ExpireBatch(ctx context.Context, now time.Time) (int, error)
	// ListAutoReleasable returns paid transactions whose event date is before
	// the cutoff (i.e. the grace window has elapsed).
	ListAutoReleasable(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error)
	// SumPendingEarnings sums seller_amount over paid transactions whose
	// event date is after the cutoff (grace window still open).
	SumPendingEarnings(ctx context.Context, sellerID string, cutoff time.Time) (decimal.Decimal, error)
}

// TicketInfo is the snapshot of a ticket the engine needs at purchase time.
type TicketInfo struct {
	ID        string
	SellerID  string
	Price     decimal.Decimal
	EventDate time.Time
	Available bool
}

// TicketLedger abstracts ticket status operations so the escrow engine
// doesn't import the listing layer.
type TicketLedger interface {
	Info(ctx context.Context, ticketID string) (*TicketInfo, error)
	// Reserve is a compare-and-set: it fails when the ticket is not available.
	Reserve(ctx context.Context, ticketID string) error
	ReleaseHold(ctx context.Context, ticketID string) error
	MarkSold(ctx context.Context, ticketID string) error
	MarkCompleted(ctx context.Context, ticketID string) error
	// Relist returns a sold ticket to the market after a refund.
	Relist(ctx context.Context, ticketID string) error
}

// PaymentStatus is the engine's view of a gateway payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentApproved  PaymentStatus = "approved"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// PaymentGateway is the external payment processor boundary.
type PaymentGateway interface {
	CreatePayment(ctx context.Context, transactionID, buyerID string, amount decimal.Decimal) (checkoutURL, reference string, err error)
	GetPaymentStatus(ctx context.Context, reference string) (PaymentStatus, error)
}

// DisputeGate reports whether a transaction has a release-blocking dispute.
type DisputeGate interface {
	HasBlocking(ctx context.Context, transactionID string) (bool, error)
}

// Notifier receives lifecycle events. Implementations must be fire-and-forget:
// a failed notification never blocks or rolls back a state transition.
type Notifier interface {
	TransactionCreated(t *Transaction)
	PaymentConfirmed(t *Transaction)
	PaymentReleased(t *Transaction)
}

// Config holds the engine's fixed configuration, read once per record at
// creation time.
type Config struct {
	FeeRate    decimal.Decimal // platform cut, e.g. 0.10
	PendingTTL time.Duration   // purchase payment window
	Grace      time.Duration   // auto-release grace period after the event
}

// OfferTerms carries the negotiated terms when an accepted offer hands off
// into the escrow engine.
type OfferTerms struct {
	OfferID         string
	TicketID        string
	BuyerID         string
	SellerID        string
	Amount          decimal.Decimal
	EventDate       time.Time
	PaymentDeadline time.Time
}

// sweepBatchSize bounds how many paid transactions one auto-release pass
// examines.
const sweepBatchSize = 200

// Service implements the escrow engine.
type Service struct {
	store    Store
	tickets  TicketLedger
	gateway  PaymentGateway
	disputes DisputeGate
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	locks    sync.Map // per-transaction ID locks for in-process racers
}

// NewService creates a new escrow engine.
func NewService(store Store, tickets TicketLedger, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		tickets: tickets,
		cfg:     cfg,
		logger:  logger,
	}
}

// WithGateway attaches the payment gateway adapter.
func (s *Service) WithGateway(g PaymentGateway) *Service {
	s.gateway = g
	return s
}

// WithDisputeGate attaches the dispute gate consulted by auto-release.
func (s *Service) WithDisputeGate(d DisputeGate) *Service {
	s.disputes = d
	return s
}

// WithNotifier attaches a lifecycle notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// txnLock returns a mutex for the given transaction ID.
// This serializes in-process racers (e.g. webhook vs. poll); cross-instance
// safety rests on the store's compare-and-set contract.
func (s *Service) txnLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create initiates a purchase of an available ticket at list price.
// The reservation and the transaction record are the durable outcome; a
// gateway failure generating the checkout link leaves the transaction
// pending and retriable, it does not roll anything back.
func (s *Service) Create(ctx context.Context, ticketID, buyerID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.Create",
		traces.TicketID(ticketID), traces.UserID(buyerID))
	defer span.End()

	info, err := s.tickets.Info(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if info.SellerID == buyerID {
		return nil, ErrSelfPurchase
	}
	if !info.Available {
		return nil, ErrTicketUnavailable
	}

	if err := s.tickets.Reserve(ctx, ticketID); err != nil {
		// Lost the race against another buyer or an accepted offer.
		return nil, ErrTicketUnavailable
	}

	t := s.newTransaction(info.ID, buyerID, info.SellerID, "", info.Price, info.EventDate, time.Now().Add(s.cfg.PendingTTL))
	if err := s.store.Create(ctx, t); err != nil {
		// Compensate: free the hold we just took.
		if relErr := s.tickets.ReleaseHold(ctx, ticketID); relErr != nil {
			s.logger.Error("failed to release ticket hold after create failure",
				"ticketId", ticketID, "error", relErr)
		}
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	s.attachCheckout(ctx, t)

	metrics.TransactionsTotal.WithLabelValues(string(StatusPending)).Inc()
	if s.notifier != nil {
		s.notifier.TransactionCreated(t)
	}
	return t, nil
}

// CreateFromOffer creates the escrow transaction for an accepted offer.
// The accept already holds the ticket reservation, so no reservation is
// taken here; the fee split uses the negotiated amount, not the list price.
func (s *Service) CreateFromOffer(ctx context.Context, terms OfferTerms) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.CreateFromOffer",
		traces.OfferID(terms.OfferID), traces.TicketID(terms.TicketID))
	defer span.End()

	t := s.newTransaction(terms.TicketID, terms.BuyerID, terms.SellerID, terms.OfferID,
		terms.Amount, terms.EventDate, terms.PaymentDeadline)
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	s.attachCheckout(ctx, t)

	metrics.TransactionsTotal.WithLabelValues(string(StatusPending)).Inc()
	if s.notifier != nil {
		s.notifier.TransactionCreated(t)
	}
	return t, nil
}

func (s *Service) newTransaction(ticketID, buyerID, sellerID, offerID string, amount decimal.Decimal, eventDate, expiresAt time.Time) *Transaction {
	fee, sellerAmount := money.Split(amount, s.cfg.FeeRate)
	return &Transaction{
		ID:           idgen.WithPrefix(idgen.TransactionPrefix),
		TicketID:     ticketID,
		BuyerID:      buyerID,
		SellerID:     sellerID,
		OfferID:      offerID,
		Amount:       amount,
		PlatformFee:  fee,
		SellerAmount: sellerAmount,
		EventDate:    eventDate,
		Status:       StatusPending,
		RequestedAt:  time.Now(),
		ExpiresAt:    expiresAt,
	}
}

// attachCheckout asks the gateway for a checkout link. Best-effort: an
// upstream failure is logged and the transaction stays pending and retriable.
func (s *Service) attachCheckout(ctx context.Context, t *Transaction) {
	if s.gateway == nil {
		return
	}
	checkoutURL, reference, err := s.gateway.CreatePayment(ctx, t.ID, t.BuyerID, t.Amount)
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues("create_payment", "error").Inc()
		s.logger.Warn("gateway createPayment failed, transaction stays pending",
			"transactionId", t.ID, "error", err)
		return
	}
	metrics.GatewayRequestsTotal.WithLabelValues("create_payment", "ok").Inc()
	if err := s.store.SetGatewayDetails(ctx, t.ID, reference, checkoutURL); err != nil {
		s.logger.Warn("failed to persist gateway details", "transactionId", t.ID, "error", err)
		return
	}
	t.GatewayReference = reference
	t.CheckoutURL = checkoutURL
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns transactions where the user is buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ConfirmPayment records a payment confirmation from the gateway.
// Idempotent: if the transaction is already paid or later, it is a no-op
// returning the current state. Both the webhook path and the polling
// fallback funnel through here; whichever lands first wins.
func (s *Service) ConfirmPayment(ctx context.Context, id, gatewayReference string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.ConfirmPayment", traces.TransactionID(id))
	defer span.End()

	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusPending {
		// Duplicate webhook, late poll, or payment after expiry: no-op.
		return t, nil
	}

	transitioned, err := s.store.MarkPaid(ctx, id, gatewayReference, time.Now())
	if err != nil {
		return nil, err
	}

	t, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if transitioned {
		metrics.TransactionsTotal.WithLabelValues(string(StatusPaid)).Inc()
		s.logger.Info("payment confirmed",
			"transactionId", t.ID, "ticketId", t.TicketID, "amount", money.Format(t.Amount))
		if s.notifier != nil {
			s.notifier.PaymentConfirmed(t)
		}
	}
	return t, nil
}

// ConfirmPaymentByReference resolves a gateway reference to a transaction and
// confirms it. Used by the webhook path, which only knows the reference.
func (s *Service) ConfirmPaymentByReference(ctx context.Context, reference string) (*Transaction, error) {
	t, err := s.store.GetByGatewayReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	return s.ConfirmPayment(ctx, t.ID, reference)
}

// CheckPaymentStatus is the polling fallback: it asks the gateway for the
// payment's status and, on approval, feeds the same idempotent confirmation
// path as the webhook.
func (s *Service) CheckPaymentStatus(ctx context.Context, id, actingUserID string) (*Transaction, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.BuyerID != actingUserID && t.SellerID != actingUserID {
		return nil, ErrForbidden
	}
	if t.Status != StatusPending || t.GatewayReference == "" || s.gateway == nil {
		return t, nil
	}

	status, err := s.gateway.GetPaymentStatus(ctx, t.GatewayReference)
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues("get_status", "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	metrics.GatewayRequestsTotal.WithLabelValues("get_status", "ok").Inc()

	if status == PaymentApproved {
		return s.ConfirmPayment(ctx, t.ID, t.GatewayReference)
	}
	return t, nil
}

// ConfirmReceipt is the buyer's confirmation that the ticket was delivered.
// It transitions the transaction to released and credits the seller's wallet
// exactly once.
func (s *Service) ConfirmReceipt(ctx context.Context, id, actingUserID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.ConfirmReceipt", traces.TransactionID(id))
	defer span.End()

	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.BuyerID != actingUserID {
		return nil, ErrForbidden
	}
	if t.Status != StatusPaid {
		return nil, ErrInvalidState
	}

	return s.release(ctx, t, "buyer")
}

// release applies the release unit and reports the outcome. The caller must
// hold the transaction's lock and have verified the paid status.
func (s *Service) release(ctx context.Context, t *Transaction, releasedBy string) (*Transaction, error) {
	transitioned, err := s.store.ReleaseAndCredit(ctx, t.ID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to release transaction %s: %w", t.ID, err)
	}

	t, getErr := s.store.Get(ctx, t.ID)
	if getErr != nil {
		return nil, getErr
	}
	if !transitioned {
		// Someone else released first; the credit was already applied.
		if t.Status == StatusReleased {
			return t, nil
		}
		return nil, ErrInvalidState
	}

	metrics.TransactionsTotal.WithLabelValues(string(StatusReleased)).Inc()
	metrics.WalletCreditsTotal.Inc()
	s.logger.Info("funds released",
		"transactionId", t.ID, "sellerId", t.SellerID,
		"sellerAmount", money.Format(t.SellerAmount), "releasedBy", releasedBy)
	if s.notifier != nil {
		s.notifier.PaymentReleased(t)
	}
	return t, nil
}

// Cancel aborts an unpaid purchase and frees the ticket hold.
func (s *Service) Cancel(ctx context.Context, id, actingUserID string) (*Transaction, error) {
	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.BuyerID != actingUserID {
		return nil, ErrForbidden
	}
	if t.Status != StatusPending {
		return nil, ErrInvalidState
	}

	transitioned, err := s.store.MarkCancelled(ctx, id, time.Now())
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return nil, ErrInvalidState
	}

	metrics.TransactionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	return s.store.Get(ctx, id)
}

// Refund voids a paid escrow after an upheld dispute. The transaction moves
// to cancelled and the ticket returns to the market; the seller is never
// credited. The buyer is made whole through the processor's refund flow,
// which lives outside this engine. Idempotent: refunding an already
// cancelled transaction is a no-op.
func (s *Service) Refund(ctx context.Context, id string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.Refund", traces.TransactionID(id))
	defer span.End()

	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusCancelled {
		return t, nil
	}
	if t.Status != StatusPaid {
		return nil, ErrInvalidState
	}

	transitioned, err := s.store.MarkRefunded(ctx, id, time.Now())
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return nil, ErrInvalidState
	}

	metrics.TransactionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.logger.Info("escrow refunded",
		"transactionId", t.ID, "ticketId", t.TicketID, "amount", money.Format(t.Amount))
	return s.store.Get(ctx, id)
}

// ExpirySweep transitions every pending transaction past its deadline to
// expired and frees the ticket holds. Idempotent: a second run over the same
// window matches nothing.
func (s *Service) ExpirySweep(ctx context.Context, now time.Time) (int, error) {
	count, err := s.store.ExpireBatch(ctx, now)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		metrics.TransactionsTotal.WithLabelValues(string(StatusExpired)).Add(float64(count))
	}
	return count, nil
}

// AutoReleaseSweep releases every paid transaction whose grace window has
// elapsed and which has no blocking dispute. Each release uses the same
// compare-and-set unit as ConfirmReceipt, so repeats and overlapping sweeps
// are harmless; a skipped (disputed) transaction is reconsidered on the next
// run.
func (s *Service) AutoReleaseSweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.Grace)
	candidates, err := s.store.ListAutoReleasable(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, t := range candidates {
		if s.disputes != nil {
			blocked, err := s.disputes.HasBlocking(ctx, t.ID)
			if err != nil {
				s.logger.Warn("dispute check failed, skipping auto-release",
					"transactionId", t.ID, "error", err)
				continue
			}
			if blocked {
				continue
			}
		}

		mu := s.txnLock(t.ID)
		mu.Lock()
		_, err := s.release(ctx, t, "system")
		mu.Unlock()
		if err != nil {
			if errors.Is(err, ErrInvalidState) {
				continue // lost the race to a buyer confirmation; fine
			}
			s.logger.Warn("auto-release failed", "transactionId", t.ID, "error", err)
			continue
		}
		released++
	}
	return released, nil
}
