package ticket

import (
	"context"
	"database/sql"

	"github.com/lucaspalermo/passback/internal/pagination"
)

// PostgresStore persists tickets in PostgreSQL.
//
// The transition methods are single conditional UPDATEs keyed on the current
// status; a zero row count means the compare-and-set lost and the caller gets
// the matching typed error.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ticket store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ticketColumns = `id, seller_id, event_name, venue, event_date, price, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Ticket) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tickets (id, seller_id, event_name, venue, event_date, price, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(12,2), $7, $8, $9)`,
		t.ID, t.SellerID, t.EventName, nullString(t.Venue), t.EventDate,
		t.Price, string(t.Status), t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Ticket, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, ErrTicketNotFound
	}
	return t, err
}

func (p *PostgresStore) ListAvailable(ctx context.Context, limit int, after *pagination.Cursor) ([]*Ticket, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+ticketColumns+`
			FROM tickets
			WHERE status = 'available' AND event_date > NOW()
			  AND (event_date, id) > ($2, $3)
			ORDER BY event_date ASC, id ASC
			LIMIT $1`, limit, after.Time, after.ID)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+ticketColumns+`
			FROM tickets
			WHERE status = 'available' AND event_date > NOW()
			ORDER BY event_date ASC, id ASC
			LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTickets(rows)
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Ticket, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, sellerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTickets(rows)
}

// cas performs a guarded status transition and maps a lost race to missing.
func (p *PostgresStore) cas(ctx context.Context, id string, from, to Status, missing error) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE tickets SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(to), id, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish "wrong state" from "no such ticket".
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM tickets WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTicketNotFound
		}
		return missing
	}
	return nil
}

func (p *PostgresStore) Reserve(ctx context.Context, id string) error {
	return p.cas(ctx, id, StatusAvailable, StatusReserved, ErrNotAvailable)
}

func (p *PostgresStore) ReleaseHold(ctx context.Context, id string) error {
	return p.cas(ctx, id, StatusReserved, StatusAvailable, ErrNotReserved)
}

func (p *PostgresStore) MarkSold(ctx context.Context, id string) error {
	return p.cas(ctx, id, StatusReserved, StatusSold, ErrNotReserved)
}

func (p *PostgresStore) MarkCompleted(ctx context.Context, id string) error {
	return p.cas(ctx, id, StatusSold, StatusCompleted, ErrNotSold)
}

func (p *PostgresStore) Relist(ctx context.Context, id string) error {
	return p.cas(ctx, id, StatusSold, StatusAvailable, ErrNotSold)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(s scanner) (*Ticket, error) {
	t := &Ticket{}
	var (
		venue  sql.NullString
		status string
	)
	err := s.Scan(&t.ID, &t.SellerID, &t.EventName, &venue, &t.EventDate,
		&t.Price, &status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Venue = venue.String
	t.Status = Status(status)
	return t, nil
}

func scanTickets(rows *sql.Rows) ([]*Ticket, error) {
	var result []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
