package wallet

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists wallet balances in PostgreSQL.
//
// Exactly-once crediting rests on the wallet_credits table: one row per source
// transaction, PRIMARY KEY on transaction_id. The credit insert and the
// balance upsert happen in one database transaction, so a replay either hits
// the duplicate key (ErrAlreadyCredited) or never touches the balance.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, sellerID string) (*Wallet, error) {
	w := &Wallet{SellerID: sellerID}
	err := p.db.QueryRowContext(ctx, `
		SELECT available, total_earned, total_withdrawn, updated_at
		FROM wallets WHERE seller_id = $1`, sellerID,
	).Scan(&w.Available, &w.TotalEarned, &w.TotalWithdrawn, &w.UpdatedAt)

	if err == sql.ErrNoRows {
		return zeroWallet(sellerID), nil
	}
	if err != nil {
		return nil, err
	}
	w.PendingEarnings = decimal.Zero
	return w, nil
}

func (p *PostgresStore) CreditAvailable(ctx context.Context, sellerID string, amount decimal.Decimal, sourceTransactionID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := applyCredit(ctx, tx, sellerID, amount, sourceTransactionID, time.Now()); err != nil {
		return err
	}

	return tx.Commit()
}

// applyCredit records the credit marker and upserts the balance inside the
// given database transaction. Shared with the transaction store's release
// unit so the status transition and the credit commit atomically.
func applyCredit(ctx context.Context, tx *sql.Tx, sellerID string, amount decimal.Decimal, sourceTransactionID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_credits (transaction_id, seller_id, amount, created_at)
		VALUES ($1, $2, $3::NUMERIC(12,2), $4)`,
		sourceTransactionID, sellerID, amount, now,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" { // unique_violation
			return ErrAlreadyCredited
		}
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (seller_id, available, total_earned, total_withdrawn, updated_at)
		VALUES ($1, $2::NUMERIC(12,2), $2::NUMERIC(12,2), 0, $3)
		ON CONFLICT (seller_id) DO UPDATE SET
			available    = wallets.available + $2::NUMERIC(12,2),
			total_earned = wallets.total_earned + $2::NUMERIC(12,2),
			updated_at   = $3`,
		sellerID, amount, now,
	)
	return err
}

// ApplyCreditTx exposes the shared credit unit for stores that must combine
// it with their own writes in a single database transaction.
func ApplyCreditTx(ctx context.Context, tx *sql.Tx, sellerID string, amount decimal.Decimal, sourceTransactionID string, now time.Time) error {
	return applyCredit(ctx, tx, sellerID, amount, sourceTransactionID, now)
}

func (p *PostgresStore) Withdraw(ctx context.Context, sellerID string, amount decimal.Decimal) error {
	// Conditional update: only succeeds when the balance covers the amount.
	// The CHECK constraint (available >= 0) backs this at the schema level.
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallets SET
			available       = available - $2::NUMERIC(12,2),
			total_withdrawn = total_withdrawn + $2::NUMERIC(12,2),
			updated_at      = NOW()
		WHERE seller_id = $1 AND available >= $2::NUMERIC(12,2)`,
		sellerID, amount,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
