// Package dispute lets either party of a paid transaction contest delivery.
//
// An open or under-review dispute blocks the auto-release sweep for its
// transaction; funds stay in escrow until an operator resolves or dismisses
// it. Dismissal clears the block, after which the normal release machinery
// resumes. Upholding a dispute keeps the block in place and hands the
// transaction to the Resolver, which voids the escrow so the seller is
// never paid.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lucaspalermo/passback/internal/idgen"
	"github.com/lucaspalermo/passback/internal/metrics"
)

var (
	ErrDisputeNotFound     = errors.New("dispute not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrForbidden           = errors.New("not authorized for this dispute")
	ErrInvalidState        = errors.New("invalid dispute status for this operation")
	ErrNotDisputable       = errors.New("only paid transactions can be disputed")
	ErrAlreadyDisputed     = errors.New("transaction already has an active dispute")
	ErrReasonRequired      = errors.New("a dispute reason is required")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved" // upheld in the filer's favor
	StatusDismissed   Status = "dismissed"
)

// Active reports whether the dispute still awaits an operator decision.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusUnderReview
}

// Blocking reports whether the dispute suppresses auto-release. An upheld
// dispute keeps blocking: a ruling against the seller must never be followed
// by an automatic payout.
func (s Status) Blocking() bool {
	return s.Active() || s == StatusResolved
}

// Dispute is a contested transaction record.
type Dispute struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	OpenedBy      string `json:"openedBy"`
	Reason        string `json:"reason"`
	Status        Status `json:"status"`
	Resolution    string `json:"resolution,omitempty"`
	ResolvedBy    string `json:"resolvedBy,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	ReviewedAt *time.Time `json:"reviewedAt,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error)
	ListActive(ctx context.Context, limit int) ([]*Dispute, error)
	// HasActive reports whether the transaction has an open or under-review
	// dispute.
	HasActive(ctx context.Context, transactionID string) (bool, error)
	// HasBlocking additionally counts resolved (upheld) disputes.
	HasBlocking(ctx context.Context, transactionID string) (bool, error)
	// MarkUnderReview transitions open -> under_review.
	MarkUnderReview(ctx context.Context, id string, now time.Time) (bool, error)
	// Close transitions an active dispute to resolved or dismissed.
	Close(ctx context.Context, id string, to Status, resolution, resolvedBy string, now time.Time) (bool, error)
}

// TransactionRef is what the dispute layer needs to know about a transaction.
type TransactionRef struct {
	ID       string
	BuyerID  string
	SellerID string
	Paid     bool
}

// TransactionLookup resolves transactions without importing the escrow layer.
type TransactionLookup interface {
	Ref(ctx context.Context, transactionID string) (*TransactionRef, error)
}

// Resolver is notified when an operator upholds a dispute. The escrow engine
// implements it by voiding the disputed transaction; the resolved dispute
// keeps blocking release regardless, so a failed hook cannot lead to a
// payout.
type Resolver interface {
	DisputeUpheld(ctx context.Context, d *Dispute) error
}

// Notifier receives dispute lifecycle events, fire-and-forget. Both parties
// of the disputed transaction are named so each can be notified.
type Notifier interface {
	DisputeOpened(d *Dispute, buyerID, sellerID string)
}

// Service implements dispute handling.
type Service struct {
	store    Store
	txns     TransactionLookup
	resolver Resolver
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates a new dispute service.
func NewService(store Store, txns TransactionLookup, logger *slog.Logger) *Service {
	return &Service{store: store, txns: txns, logger: logger}
}

// WithResolver attaches the upheld-dispute hook.
func (s *Service) WithResolver(r Resolver) *Service {
	s.resolver = r
	return s
}

// WithNotifier attaches a lifecycle notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Open files a dispute on a paid transaction. Either party can file; one
// active dispute per transaction.
func (s *Service) Open(ctx context.Context, transactionID, actingUserID, reason string) (*Dispute, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	ref, err := s.txns.Ref(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if actingUserID != ref.BuyerID && actingUserID != ref.SellerID {
		return nil, ErrForbidden
	}
	if !ref.Paid {
		return nil, ErrNotDisputable
	}

	active, err := s.store.HasActive(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrAlreadyDisputed
	}

	d := &Dispute{
		ID:            idgen.WithPrefix(idgen.DisputePrefix),
		TransactionID: transactionID,
		OpenedBy:      actingUserID,
		Reason:        reason,
		Status:        StatusOpen,
		CreatedAt:     time.Now(),
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	metrics.DisputesOpenedTotal.Inc()
	s.logger.Info("dispute opened",
		"disputeId", d.ID, "transactionId", transactionID, "openedBy", actingUserID)
	if s.notifier != nil {
		s.notifier.DisputeOpened(d, ref.BuyerID, ref.SellerID)
	}
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByTransaction returns all disputes filed against a transaction.
func (s *Service) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	return s.store.ListByTransaction(ctx, transactionID)
}

// ListActive returns the operator review queue.
func (s *Service) ListActive(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListActive(ctx, limit)
}

// Review moves an open dispute into under_review. Operator only; the handler
// enforces admin access.
func (s *Service) Review(ctx context.Context, id string) (*Dispute, error) {
	transitioned, err := s.store.MarkUnderReview(ctx, id, time.Now())
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return nil, ErrInvalidState
	}
	return s.store.Get(ctx, id)
}

// Resolve closes a dispute. Upholding it (resolved) triggers the resolver
// hook, which voids the disputed escrow; dismissing it clears the release
// block and nothing else.
func (s *Service) Resolve(ctx context.Context, id, resolvedBy, resolution string, uphold bool) (*Dispute, error) {
	to := StatusDismissed
	if uphold {
		to = StatusResolved
	}

	transitioned, err := s.store.Close(ctx, id, to, strings.TrimSpace(resolution), resolvedBy, time.Now())
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return nil, ErrInvalidState
	}

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if uphold && s.resolver != nil {
		if err := s.resolver.DisputeUpheld(ctx, d); err != nil {
			s.logger.Error("dispute resolver hook failed", "disputeId", d.ID, "error", err)
		}
	}
	return d, nil
}

// HasBlocking reports whether the transaction has a release-blocking dispute.
// This is the gate the auto-release sweep consults; upheld disputes block
// permanently.
func (s *Service) HasBlocking(ctx context.Context, transactionID string) (bool, error) {
	return s.store.HasBlocking(ctx, transactionID)
}
