package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/lucaspalermo/passback/internal/wallet"
)

// PostgresStore implements Store backed by PostgreSQL. The ticket and wallet
// writes that must move with a transaction transition run in the same
// database transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const txnColumns = `id, ticket_id, buyer_id, seller_id, offer_id,
	amount, platform_fee, seller_amount, event_date, status,
	gateway_reference, checkout_url,
	requested_at, expires_at, paid_at, confirmed_at, released_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (id, ticket_id, buyer_id, seller_id, offer_id,
			amount, platform_fee, seller_amount, event_date, status,
			gateway_reference, checkout_url, requested_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(12,2), $7::NUMERIC(12,2), $8::NUMERIC(12,2), $9, $10, $11, $12, $13, $14)`,
		t.ID, t.TicketID, t.BuyerID, t.SellerID, nullString(t.OfferID),
		t.Amount, t.PlatformFee, t.SellerAmount, t.EventDate, string(t.Status),
		nullString(t.GatewayReference), nullString(t.CheckoutURL), t.RequestedAt, t.ExpiresAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" && pqErr.Constraint == "idx_transactions_ticket_live" {
			return fmt.Errorf("%w: ticket %s has a live transaction", ErrTicketUnavailable, t.TicketID)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (p *PostgresStore) GetByGatewayReference(ctx context.Context, reference string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE gateway_reference = $1
		 ORDER BY requested_at DESC LIMIT 1`, reference)
	return scanTransaction(row)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM transactions
		 WHERE buyer_id = $1 OR seller_id = $1
		 ORDER BY requested_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (p *PostgresStore) SetGatewayDetails(ctx context.Context, id, reference, checkoutURL string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET gateway_reference = $2, checkout_url = $3
		WHERE id = $1`, id, nullString(reference), nullString(checkoutURL))
	if err != nil {
		return fmt.Errorf("failed to set gateway details: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) MarkPaid(ctx context.Context, id, gatewayReference string, now time.Time) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var ticketID string
	err = tx.QueryRowContext(ctx, `
		UPDATE transactions
		SET status = 'paid', paid_at = $2,
		    gateway_reference = COALESCE(NULLIF($3, ''), gateway_reference)
		WHERE id = $1 AND status = 'pending'
		RETURNING ticket_id`, id, now, gatewayReference).Scan(&ticketID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, p.missing(ctx, id)
		}
		return false, fmt.Errorf("failed to mark transaction paid: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tickets SET status = 'sold', updated_at = $2
		WHERE id = $1 AND status = 'reserved'`, ticketID, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark ticket sold: %w", err)
	}

	return true, tx.Commit()
}

func (p *PostgresStore) MarkCancelled(ctx context.Context, id string, now time.Time) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var ticketID string
	err = tx.QueryRowContext(ctx, `
		UPDATE transactions SET status = 'cancelled'
		WHERE id = $1 AND status = 'pending'
		RETURNING ticket_id`, id).Scan(&ticketID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, p.missing(ctx, id)
		}
		return false, fmt.Errorf("failed to cancel transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tickets SET status = 'available', updated_at = $2
		WHERE id = $1 AND status = 'reserved'`, ticketID, now)
	if err != nil {
		return false, fmt.Errorf("failed to release ticket hold: %w", err)
	}

	return true, tx.Commit()
}

func (p *PostgresStore) MarkRefunded(ctx context.Context, id string, now time.Time) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var ticketID string
	err = tx.QueryRowContext(ctx, `
		UPDATE transactions SET status = 'cancelled'
		WHERE id = $1 AND status = 'paid'
		RETURNING ticket_id`, id).Scan(&ticketID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, p.missing(ctx, id)
		}
		return false, fmt.Errorf("failed to refund transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tickets SET status = 'available', updated_at = $2
		WHERE id = $1 AND status = 'sold'`, ticketID, now)
	if err != nil {
		return false, fmt.Errorf("failed to relist ticket: %w", err)
	}

	return true, tx.Commit()
}

// ReleaseAndCredit moves a paid transaction to released, marks its ticket
// completed, and credits the seller's wallet, all in one database
// transaction. The wallet_credits primary key makes the credit exactly-once
// even if two processes race past the status check.
func (p *PostgresStore) ReleaseAndCredit(ctx context.Context, id string, now time.Time) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var (
		ticketID     string
		sellerID     string
		sellerAmount decimal.Decimal
	)
	err = tx.QueryRowContext(ctx, `
		UPDATE transactions
		SET status = 'released',
		    confirmed_at = COALESCE(confirmed_at, $2),
		    released_at = $2
		WHERE id = $1 AND status = 'paid'
		RETURNING ticket_id, seller_id, seller_amount`, id, now).
		Scan(&ticketID, &sellerID, &sellerAmount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, p.missing(ctx, id)
		}
		return false, fmt.Errorf("failed to release transaction: %w", err)
	}

	if err := wallet.ApplyCreditTx(ctx, tx, sellerID, sellerAmount, id, now); err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tickets SET status = 'completed', updated_at = $2
		WHERE id = $1 AND status = 'sold'`, ticketID, now)
	if err != nil {
		return false, fmt.Errorf("failed to complete ticket: %w", err)
	}

	return true, tx.Commit()
}

func (p *PostgresStore) ExpireBatch(ctx context.Context, now time.Time) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE transactions SET status = 'expired'
		WHERE status = 'pending' AND expires_at < $1
		RETURNING ticket_id`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire transactions: %w", err)
	}
	var ticketIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ticketIDs = append(ticketIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if len(ticketIDs) == 0 {
		return 0, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tickets SET status = 'available', updated_at = $2
		WHERE id = ANY($1) AND status = 'reserved'`, pq.Array(ticketIDs), now)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired ticket holds: %w", err)
	}

	return len(ticketIDs), tx.Commit()
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM transactions
		 WHERE status = 'paid' AND event_date < $1
		 ORDER BY event_date ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list releasable transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (p *PostgresStore) SumPendingEarnings(ctx context.Context, sellerID string, cutoff time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(seller_amount), 0) FROM transactions
		WHERE seller_id = $1 AND status = 'paid' AND event_date > $2`,
		sellerID, cutoff).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum pending earnings: %w", err)
	}
	return sum, nil
}

// missing distinguishes a vanished row from a compare-and-set miss.
func (p *PostgresStore) missing(ctx context.Context, id string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrTransactionNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*Transaction, error) {
	var (
		t                          Transaction
		status                     string
		offerID, gatewayRef, url   sql.NullString
		paidAt, confirmed, release sql.NullTime
	)
	err := row.Scan(&t.ID, &t.TicketID, &t.BuyerID, &t.SellerID, &offerID,
		&t.Amount, &t.PlatformFee, &t.SellerAmount, &t.EventDate, &status,
		&gatewayRef, &url, &t.RequestedAt, &t.ExpiresAt, &paidAt, &confirmed, &release)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	t.Status = Status(status)
	t.OfferID = offerID.String
	t.GatewayReference = gatewayRef.String
	t.CheckoutURL = url.String
	if paidAt.Valid {
		t.PaidAt = &paidAt.Time
	}
	if confirmed.Valid {
		t.ConfirmedAt = &confirmed.Time
	}
	if release.Valid {
		t.ReleasedAt = &release.Time
	}
	return &t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
