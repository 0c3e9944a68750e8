package dispute

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakeLookup struct {
	refs map[string]*TransactionRef
}

func (f *fakeLookup) Ref(ctx context.Context, transactionID string) (*TransactionRef, error) {
	ref, ok := f.refs[transactionID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return ref, nil
}

type recordingResolver struct {
	upheld []string
}

func (r *recordingResolver) DisputeUpheld(ctx context.Context, d *Dispute) error {
	r.upheld = append(r.upheld, d.ID)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeLookup) {
	t.Helper()
	lookup := &fakeLookup{refs: map[string]*TransactionRef{
		"txn_paid":    {ID: "txn_paid", BuyerID: "buyer1", SellerID: "seller1", Paid: true},
		"txn_pending": {ID: "txn_pending", BuyerID: "buyer1", SellerID: "seller1", Paid: false},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(NewMemoryStore(), lookup, logger), lookup
}

func TestOpen_EitherPartyOfPaidTransaction(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	d, err := svc.Open(ctx, "txn_paid", "buyer1", "ticket never arrived")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if d.Status != StatusOpen {
		t.Errorf("Expected status open, got %s", d.Status)
	}
	if d.OpenedBy != "buyer1" {
		t.Errorf("Expected openedBy buyer1, got %s", d.OpenedBy)
	}

	blocked, err := svc.HasBlocking(ctx, "txn_paid")
	if err != nil {
		t.Fatalf("HasBlocking failed: %v", err)
	}
	if !blocked {
		t.Error("An open dispute must block release")
	}
}

func TestOpen_Guards(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Open(ctx, "txn_paid", "stranger", "gimme"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Open(ctx, "txn_pending", "buyer1", "cold feet"); !errors.Is(err, ErrNotDisputable) {
		t.Fatalf("Expected ErrNotDisputable, got %v", err)
	}
	if _, err := svc.Open(ctx, "txn_paid", "buyer1", "   "); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("Expected ErrReasonRequired, got %v", err)
	}
	if _, err := svc.Open(ctx, "txn_missing", "buyer1", "where"); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("Expected ErrTransactionNotFound, got %v", err)
	}
}

func TestOpen_OneActivePerTransaction(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Open(ctx, "txn_paid", "buyer1", "no ticket"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := svc.Open(ctx, "txn_paid", "seller1", "buyer lying"); !errors.Is(err, ErrAlreadyDisputed) {
		t.Fatalf("Expected ErrAlreadyDisputed, got %v", err)
	}
}

func TestResolve_DismissClearsBlock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	d, _ := svc.Open(ctx, "txn_paid", "buyer1", "no ticket")

	reviewed, err := svc.Review(ctx, d.ID)
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if reviewed.Status != StatusUnderReview {
		t.Errorf("Expected under_review, got %s", reviewed.Status)
	}
	// Under review still blocks.
	if blocked, _ := svc.HasBlocking(ctx, "txn_paid"); !blocked {
		t.Error("Under-review dispute must still block release")
	}

	dismissed, err := svc.Resolve(ctx, d.ID, "admin1", "ticket delivery verified", false)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if dismissed.Status != StatusDismissed {
		t.Errorf("Expected dismissed, got %s", dismissed.Status)
	}
	if blocked, _ := svc.HasBlocking(ctx, "txn_paid"); blocked {
		t.Error("Dismissed dispute must not block release")
	}

	// Closed disputes cannot be reopened or re-resolved.
	if _, err := svc.Resolve(ctx, d.ID, "admin1", "again", true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Expected ErrInvalidState, got %v", err)
	}

	// After dismissal a fresh dispute may be filed.
	if _, err := svc.Open(ctx, "txn_paid", "seller1", "new problem"); err != nil {
		t.Fatalf("Open after dismissal failed: %v", err)
	}
}

func TestResolve_UpholdTriggersResolver(t *testing.T) {
	svc, _ := newTestService(t)
	resolver := &recordingResolver{}
	svc.WithResolver(resolver)
	ctx := context.Background()

	d, _ := svc.Open(ctx, "txn_paid", "buyer1", "counterfeit ticket")
	upheld, err := svc.Resolve(ctx, d.ID, "admin1", "refund the buyer", true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if upheld.Status != StatusResolved {
		t.Errorf("Expected resolved, got %s", upheld.Status)
	}
	if upheld.ResolvedBy != "admin1" {
		t.Errorf("Expected resolvedBy admin1, got %s", upheld.ResolvedBy)
	}
	if len(resolver.upheld) != 1 || resolver.upheld[0] != d.ID {
		t.Errorf("Expected resolver hook for %s, got %v", d.ID, resolver.upheld)
	}
}

func TestResolve_UpholdKeepsBlocking(t *testing.T) {
	svc, _ := newTestService(t)
	svc.WithResolver(&recordingResolver{})
	ctx := context.Background()

	d, _ := svc.Open(ctx, "txn_paid", "buyer1", "ticket never arrived")
	if _, err := svc.Resolve(ctx, d.ID, "admin1", "refund the buyer", true); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	blocked, err := svc.HasBlocking(ctx, "txn_paid")
	if err != nil {
		t.Fatalf("HasBlocking failed: %v", err)
	}
	if !blocked {
		t.Error("An upheld dispute must keep blocking release")
	}
}
