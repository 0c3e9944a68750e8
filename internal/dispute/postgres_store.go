package dispute

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

// NewPostgresStore creates a Postgres-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const disputeColumns = `id, transaction_id, opened_by, reason, status,
	resolution, resolved_by, created_at, reviewed_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, transaction_id, opened_by, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.TransactionID, d.OpenedBy, d.Reason, string(d.Status), d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes
		 WHERE transaction_id = $1 ORDER BY created_at DESC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list disputes: %w", err)
	}
	defer rows.Close()
	return scanDisputes(rows)
}

func (p *PostgresStore) ListActive(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes
		 WHERE status IN ('open', 'under_review')
		 ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active disputes: %w", err)
	}
	defer rows.Close()
	return scanDisputes(rows)
}

func (p *PostgresStore) HasActive(ctx context.Context, transactionID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM disputes
			WHERE transaction_id = $1 AND status IN ('open', 'under_review')
		)`, transactionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active disputes: %w", err)
	}
	return exists, nil
}

func (p *PostgresStore) HasBlocking(ctx context.Context, transactionID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM disputes
			WHERE transaction_id = $1 AND status IN ('open', 'under_review', 'resolved')
		)`, transactionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check blocking disputes: %w", err)
	}
	return exists, nil
}

func (p *PostgresStore) MarkUnderReview(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET status = 'under_review', reviewed_at = $2
		WHERE id = $1 AND status = 'open'`, id, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark dispute under review: %w", err)
	}
	return p.casOutcome(ctx, res, id)
}

func (p *PostgresStore) Close(ctx context.Context, id string, to Status, resolution, resolvedBy string, now time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $2, resolution = $3, resolved_by = $4, resolved_at = $5
		WHERE id = $1 AND status IN ('open', 'under_review')`,
		id, string(to), nullString(resolution), resolvedBy, now)
	if err != nil {
		return false, fmt.Errorf("failed to close dispute: %w", err)
	}
	return p.casOutcome(ctx, res, id)
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
		`SELECT EXISTS(SELECT 1 FROM disputes WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrDisputeNotFound
	}
	return false, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(row scanner) (*Dispute, error) {
	var (
		d                      Dispute
		status                 string
		resolution, resolvedBy sql.NullString
		reviewed, resolved     sql.NullTime
	)
	err := row.Scan(&d.ID, &d.TransactionID, &d.OpenedBy, &d.Reason, &status,
		&resolution, &resolvedBy, &d.CreatedAt, &reviewed, &resolved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDisputeNotFound
		}
		return nil, fmt.Errorf("failed to scan dispute: %w", err)
	}
	d.Status = Status(status)
	d.Resolution = resolution.String
	d.ResolvedBy = resolvedBy.String
	if reviewed.Valid {
		d.ReviewedAt = &reviewed.Time
	}
	if resolved.Valid {
		d.ResolvedAt = &resolved.Time
	}
	return &d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
