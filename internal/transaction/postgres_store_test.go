//go:build integration

package transaction

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lucaspalermo/passback/internal/testutil"
	"github.com/lucaspalermo/passback/internal/wallet"
)

func seedTicket(t *testing.T, db *sql.DB, id, sellerID, status string) {
	t.Helper()
	now := time.Now()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO tickets (id, seller_id, event_name, venue, event_date, price, status, created_at, updated_at)
		VALUES ($1, $2, 'Test Concert', 'Test Arena', $3, 100.00, $4, $5, $5)`,
		id, sellerID, now.Add(72*time.Hour), status, now)
	if err != nil {
		t.Fatalf("seed ticket %s: %v", id, err)
	}
}

func ticketStatus(t *testing.T, db *sql.DB, id string) string {
	t.Helper()
	var status string
	err := db.QueryRowContext(context.Background(),
		`SELECT status FROM tickets WHERE id = $1`, id).Scan(&status)
	if err != nil {
		t.Fatalf("read ticket status %s: %v", id, err)
	}
	return status
}

func testTxn(id, ticketID, buyerID, sellerID string, now time.Time) *Transaction {
	return &Transaction{
		ID:           id,
		TicketID:     ticketID,
		BuyerID:      buyerID,
		SellerID:     sellerID,
		Amount:       decimal.RequireFromString("100.00"),
		PlatformFee:  decimal.RequireFromString("10.00"),
		SellerAmount: decimal.RequireFromString("90.00"),
		EventDate:    now.Add(72 * time.Hour).Truncate(time.Microsecond),
		Status:       StatusPending,
		RequestedAt:  now.Truncate(time.Microsecond),
		ExpiresAt:    now.Add(5 * time.Minute).Truncate(time.Microsecond),
	}
}

func TestPostgresTransaction_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()

	seedTicket(t, db, "tkt_pg_001", "seller_1", "reserved")

	txn := testTxn("txn_pg_001", "tkt_pg_001", "buyer_1", "seller_1", now)
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "txn_pg_001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TicketID != "tkt_pg_001" {
		t.Errorf("TicketID: got %s, want tkt_pg_001", got.TicketID)
	}
	if got.Status != StatusPending {
		t.Errorf("Status: got %s, want %s", got.Status, StatusPending)
	}
	if !got.Amount.Equal(txn.Amount) {
		t.Errorf("Amount: got %s, want %s", got.Amount, txn.Amount)
	}
	if !got.SellerAmount.Equal(txn.SellerAmount) {
		t.Errorf("SellerAmount: got %s, want %s", got.SellerAmount, txn.SellerAmount)
	}
	if got.PaidAt != nil {
		t.Errorf("PaidAt should be nil, got %v", got.PaidAt)
	}
	if got.OfferID != "" {
		t.Errorf("OfferID should be empty, got %s", got.OfferID)
	}
}

func TestPostgresTransaction_GetNotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	_, err := store.Get(context.Background(), "txn_nonexistent")
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("Expected ErrTransactionNotFound, got %v", err)
	}
}

func TestPostgresTransaction_OneLivePurchasePerTicket(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()

	seedTicket(t, db, "tkt_pg_live", "seller_1", "reserved")

	first := testTxn("txn_pg_live_a", "tkt_pg_live", "buyer_1", "seller_1", now)
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create first failed: %v", err)
	}

	// The partial unique index rejects a second pending purchase of the
	// same ticket even if the application-level reserve check is bypassed.
	second := testTxn("txn_pg_live_b", "tkt_pg_live", "buyer_2", "seller_1", now)
	if err := store.Create(ctx, second); !errors.Is(err, ErrTicketUnavailable) {
		t.Fatalf("Expected ErrTicketUnavailable for second live transaction, got %v", err)
	}
}

func TestPostgresTransaction_MarkPaid(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	seedTicket(t, db, "tkt_pg_pay", "seller_1", "reserved")

	txn := testTxn("txn_pg_pay", "tkt_pg_pay", "buyer_1", "seller_1", now)
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ok, err := store.MarkPaid(ctx, "txn_pg_pay", "fakepay_ref", now)
	if err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}
	if !ok {
		t.Fatal("MarkPaid should succeed for a pending transaction")
	}

	got, err := store.Get(ctx, "txn_pg_pay")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPaid {
		t.Errorf("Status: got %s, want %s", got.Status, StatusPaid)
	}
	if got.PaidAt == nil {
		t.Error("PaidAt should be set")
	}
	if got.GatewayReference != "fakepay_ref" {
		t.Errorf("GatewayReference: got %s, want fakepay_ref", got.GatewayReference)
	}
	if s := ticketStatus(t, db, "tkt_pg_pay"); s != "sold" {
		t.Errorf("Ticket status: got %s, want sold", s)
	}

	// A replay loses the compare-and-set without an error.
	ok, err = store.MarkPaid(ctx, "txn_pg_pay", "fakepay_ref", now)
	if err != nil {
		t.Fatalf("MarkPaid replay errored: %v", err)
	}
	if ok {
		t.Error("MarkPaid replay should report a lost compare-and-set")
	}

	// A vanished transaction is distinguishable from a lost race.
	_, err = store.MarkPaid(ctx, "txn_gone", "", now)
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("Expected ErrTransactionNotFound, got %v", err)
	}
}

func TestPostgresTransaction_MarkCancelled(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	seedTicket(t, db, "tkt_pg_cancel", "seller_1", "reserved")

	txn := testTxn("txn_pg_cancel", "tkt_pg_cancel", "buyer_1", "seller_1", now)
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ok, err := store.MarkCancelled(ctx, "txn_pg_cancel", now)
	if err != nil {
		t.Fatalf("MarkCancelled failed: %v", err)
	}
	if !ok {
		t.Fatal("MarkCancelled should succeed for a pending transaction")
	}

	got, _ := store.Get(ctx, "txn_pg_cancel")
	if got.Status != StatusCancelled {
		t.Errorf("Status: got %s, want %s", got.Status, StatusCancelled)
	}
	if s := ticketStatus(t, db, "tkt_pg_cancel"); s != "available" {
		t.Errorf("Ticket status: got %s, want available", s)
	}
}

func TestPostgresTransaction_MarkRefunded(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	seedTicket(t, db, "tkt_pg_refund", "seller_1", "reserved")

	txn := testTxn("txn_pg_refund", "tkt_pg_refund", "buyer_1", "seller_1", now)
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Refund only applies to paid escrows.
	ok, err := store.MarkRefunded(ctx, "txn_pg_refund", now)
	if err != nil {
		t.Fatalf("MarkRefunded errored: %v", err)
	}
	if ok {
		t.Fatal("MarkRefunded should lose the compare-and-set while pending")
	}

	if _, err := store.MarkPaid(ctx, "txn_pg_refund", "fakepay_ref", now); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}

	ok, err = store.MarkRefunded(ctx, "txn_pg_refund", now)
	if err != nil {
		t.Fatalf("MarkRefunded failed: %v", err)
	}
	if !ok {
		t.Fatal("MarkRefunded should succeed for a paid transaction")
	}

	got, _ := store.Get(ctx, "txn_pg_refund")
	if got.Status != StatusCancelled {
		t.Errorf("Status: got %s, want %s", got.Status, StatusCancelled)
	}
	if s := ticketStatus(t, db, "tkt_pg_refund"); s != "available" {
		t.Errorf("Ticket status: got %s, want available", s)
	}

	// Replays lose the compare-and-set without an error.
	ok, err = store.MarkRefunded(ctx, "txn_pg_refund", now)
	if err != nil {
		t.Fatalf("MarkRefunded replay errored: %v", err)
	}
	if ok {
		t.Error("MarkRefunded replay should report a lost compare-and-set")
	}
}

func TestPostgresTransaction_ReleaseAndCredit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	wallets := wallet.NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	seedTicket(t, db, "tkt_pg_rel", "seller_rel", "reserved")

	txn := testTxn("txn_pg_rel", "tkt_pg_rel", "buyer_1", "seller_rel", now)
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if ok, err := store.MarkPaid(ctx, "txn_pg_rel", "fakepay_rel", now); err != nil || !ok {
		t.Fatalf("MarkPaid failed: ok=%v err=%v", ok, err)
	}

	ok, err := store.ReleaseAndCredit(ctx, "txn_pg_rel", now)
	if err != nil {
		t.Fatalf("ReleaseAndCredit failed: %v", err)
	}
	if !ok {
		t.Fatal("ReleaseAndCredit should succeed for a paid transaction")
	}

	got, _ := store.Get(ctx, "txn_pg_rel")
	if got.Status != StatusReleased {
		t.Errorf("Status: got %s, want %s", got.Status, StatusReleased)
	}
	if got.ReleasedAt == nil {
		t.Error("ReleasedAt should be set")
	}
	if s := ticketStatus(t, db, "tkt_pg_rel"); s != "completed" {
		t.Errorf("Ticket status: got %s, want completed", s)
	}

	w, err := wallets.GetBalance(ctx, "seller_rel")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	want := decimal.RequireFromString("90.00")
	if !w.Available.Equal(want) {
		t.Errorf("Available: got %s, want %s", w.Available, want)
	}
	if !w.TotalEarned.Equal(want) {
		t.Errorf("TotalEarned: got %s, want %s", w.TotalEarned, want)
	}

	// A replayed release loses the compare-and-set and never double-credits.
	ok, err = store.ReleaseAndCredit(ctx, "txn_pg_rel", now)
	if err != nil {
		t.Fatalf("ReleaseAndCredit replay errored: %v", err)
	}
	if ok {
		t.Error("ReleaseAndCredit replay should report a lost compare-and-set")
	}
	w, _ = wallets.GetBalance(ctx, "seller_rel")
	if !w.Available.Equal(want) {
		t.Errorf("Available after replay: got %s, want %s", w.Available, want)
	}
}

func TestPostgresTransaction_ExpireBatch(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	seedTicket(t, db, "tkt_pg_exp_a", "seller_1", "reserved")
	seedTicket(t, db, "tkt_pg_exp_b", "seller_1", "reserved")

	overdue := testTxn("txn_pg_exp_a", "tkt_pg_exp_a", "buyer_1", "seller_1", now)
	overdue.ExpiresAt = now.Add(-time.Minute)
	if err := store.Create(ctx, overdue); err != nil {
		t.Fatalf("Create overdue failed: %v", err)
	}

	fresh := testTxn("txn_pg_exp_b", "tkt_pg_exp_b", "buyer_2", "seller_1", now)
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("Create fresh failed: %v", err)
	}

	n, err := store.ExpireBatch(ctx, now)
	if err != nil {
		t.Fatalf("ExpireBatch failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 expired transaction, got %d", n)
	}

	got, _ := store.Get(ctx, "txn_pg_exp_a")
	if got.Status != StatusExpired {
		t.Errorf("Overdue status: got %s, want %s", got.Status, StatusExpired)
	}
	if s := ticketStatus(t, db, "tkt_pg_exp_a"); s != "available" {
		t.Errorf("Overdue ticket status: got %s, want available", s)
	}

	got, _ = store.Get(ctx, "txn_pg_exp_b")
	if got.Status != StatusPending {
		t.Errorf("Fresh status: got %s, want %s", got.Status, StatusPending)
	}
	if s := ticketStatus(t, db, "tkt_pg_exp_b"); s != "reserved" {
		t.Errorf("Fresh ticket status: got %s, want reserved", s)
	}
}

func TestPostgresTransaction_SumPendingEarnings(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	seedTicket(t, db, "tkt_pg_sum_a", "seller_sum", "reserved")
	seedTicket(t, db, "tkt_pg_sum_b", "seller_sum", "reserved")

	for _, id := range []string{"a", "b"} {
		txn := testTxn("txn_pg_sum_"+id, "tkt_pg_sum_"+id, "buyer_"+id, "seller_sum", now)
		if err := store.Create(ctx, txn); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
		if ok, err := store.MarkPaid(ctx, "txn_pg_sum_"+id, "", now); err != nil || !ok {
			t.Fatalf("MarkPaid %s failed: ok=%v err=%v", id, ok, err)
		}
	}

	// Both events are in the future, so both seller amounts are pending.
	sum, err := store.SumPendingEarnings(ctx, "seller_sum", now)
	if err != nil {
		t.Fatalf("SumPendingEarnings failed: %v", err)
	}
	want := decimal.RequireFromString("180.00")
	if !sum.Equal(want) {
		t.Errorf("Sum: got %s, want %s", sum, want)
	}

	// A cutoff past both event dates leaves nothing pending.
	sum, err = store.SumPendingEarnings(ctx, "seller_sum", now.Add(100*time.Hour))
	if err != nil {
		t.Fatalf("SumPendingEarnings with late cutoff failed: %v", err)
	}
	if !sum.IsZero() {
		t.Errorf("Sum with late cutoff: got %s, want 0", sum)
	}
}
