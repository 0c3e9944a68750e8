// Package sweep drives the time-based reconciliation passes: transaction
// payment expiry, escrow auto-release, and offer expiry.
//
// A run is stateless and safe to repeat or overlap: every underlying
// operation is a conditional write that no-ops when another run got there
// first. Runs are triggered by the in-process timer and can additionally be
// forced through an authenticated internal endpoint, so an external cron can
// serve as a backstop for the timer.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/lucaspalermo/passback/internal/metrics"
)

// TransactionSweeper is the escrow engine's reconciliation surface.
type TransactionSweeper interface {
	ExpirySweep(ctx context.Context, now time.Time) (int, error)
	AutoReleaseSweep(ctx context.Context, now time.Time) (int, error)
}

// OfferSweeper is the negotiation layer's reconciliation surface.
type OfferSweeper interface {
	ExpireSweep(ctx context.Context, now time.Time) (int, error)
}

// Counts reports what a single run did.
type Counts struct {
	ExpiredTransactions int `json:"expiredTransactions"`
	ReleasedPayouts     int `json:"releasedPayouts"`
	ExpiredOffers       int `json:"expiredOffers"`
}

// Runner executes one reconciliation pass.
type Runner struct {
	txns   TransactionSweeper
	offers OfferSweeper
	logger *slog.Logger
}

// NewRunner creates a sweep runner.
func NewRunner(txns TransactionSweeper, offers OfferSweeper, logger *slog.Logger) *Runner {
	return &Runner{txns: txns, offers: offers, logger: logger}
}

// Run performs the three sweeps in order, all against the same timestamp:
// expiring unpaid transactions first frees their tickets before the offer
// sweep looks at listing state, and auto-release runs over records the
// expiry pass can no longer touch.
//
// A failing pass doesn't stop the others; the first error is reported after
// all three ran.
func (r *Runner) Run(ctx context.Context, now time.Time) (Counts, error) {
	var counts Counts
	var firstErr error

	n, err := r.txns.ExpirySweep(ctx, now)
	if err != nil {
		r.logger.Error("transaction expiry sweep failed", "error", err)
		firstErr = err
	}
	counts.ExpiredTransactions = n

	n, err = r.txns.AutoReleaseSweep(ctx, now)
	if err != nil {
		r.logger.Error("auto-release sweep failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	counts.ReleasedPayouts = n

	n, err = r.offers.ExpireSweep(ctx, now)
	if err != nil {
		r.logger.Error("offer expiry sweep failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	counts.ExpiredOffers = n

	metrics.SweepRunsTotal.Inc()
	metrics.SweepTransitionsTotal.WithLabelValues("transaction_expired").Add(float64(counts.ExpiredTransactions))
	metrics.SweepTransitionsTotal.WithLabelValues("payout_released").Add(float64(counts.ReleasedPayouts))
	metrics.SweepTransitionsTotal.WithLabelValues("offer_expired").Add(float64(counts.ExpiredOffers))

	if counts.ExpiredTransactions+counts.ReleasedPayouts+counts.ExpiredOffers > 0 {
		r.logger.Info("sweep run",
			"expiredTransactions", counts.ExpiredTransactions,
			"releasedPayouts", counts.ReleasedPayouts,
			"expiredOffers", counts.ExpiredOffers)
	}
	return counts, firstErr
}
