package offer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const offerColumns = `id, ticket_id, buyer_id, seller_id, amount, message, status,
	created_at, responded_at, payment_deadline, transaction_id`

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (id, ticket_id, buyer_id, seller_id, amount, message, status, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(12,2), $6, $7, $8)`,
		o.ID, o.TicketID, o.BuyerID, o.SellerID, o.Amount, nullString(o.Message),
		string(o.Status), o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert offer: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)
	return scanOffer(row)
}

func (p *PostgresStore) ListByTicket(ctx context.Context, ticketID string, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM offers
		 WHERE ticket_id = $1 ORDER BY created_at DESC LIMIT $2`, ticketID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	defer rows.Close()
	return scanOffers(rows)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM offers
		 WHERE buyer_id = $1 OR seller_id = $1
		 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	defer rows.Close()
	return scanOffers(rows)
}

func (p *PostgresStore) MarkAccepted(ctx context.Context, id string, deadline, now time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE offers
		SET status = 'accepted', responded_at = $2, payment_deadline = $3
		WHERE id = $1 AND status = 'pending'`, id, now, deadline)
	if err != nil {
		return false, fmt.Errorf("failed to accept offer: %w", err)
	}
	return p.casOutcome(ctx, res, id)
}

func (p *PostgresStore) MarkStatus(ctx context.Context, id string, from, to Status, now time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE offers SET status = $3, responded_at = $4
		WHERE id = $1 AND status = $2`, id, string(from), string(to), now)
	if err != nil {
		return false, fmt.Errorf("failed to update offer status: %w", err)
	}
	return p.casOutcome(ctx, res, id)
}

func (p *PostgresStore) SetTransactionID(ctx context.Context, id, transactionID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE offers SET transaction_id = $2 WHERE id = $1`, id, transactionID)
	if err != nil {
		return fmt.Errorf("failed to set offer transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM offers
		 WHERE status = 'accepted' AND payment_deadline < $1
		 ORDER BY payment_deadline ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due offers: %w", err)
	}
	defer rows.Close()
	return scanOffers(rows)
}

func (p *PostgresStore) casOutcome(ctx context.Context, res sql.Result, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM offers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrOfferNotFound
	}
	return false, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOffer(row scanner) (*Offer, error) {
	var (
		o                   Offer
		status              string
		message, txnID      sql.NullString
		responded, deadline sql.NullTime
	)
	err := row.Scan(&o.ID, &o.TicketID, &o.BuyerID, &o.SellerID, &o.Amount,
		&message, &status, &o.CreatedAt, &responded, &deadline, &txnID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("failed to scan offer: %w", err)
	}
	o.Status = Status(status)
	o.Message = message.String
	o.TransactionID = txnID.String
	if responded.Valid {
		o.RespondedAt = &responded.Time
	}
	if deadline.Valid {
		o.PaymentDeadline = &deadline.Time
	}
	return &o, nil
}

func scanOffers(rows *sql.Rows) ([]*Offer, error) {
	var out []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
