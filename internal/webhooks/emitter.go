package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lucaspalermo/passback/internal/dispute"
	"github.com/lucaspalermo/passback/internal/idgen"
	"github.com/lucaspalermo/passback/internal/money"
	"github.com/lucaspalermo/passback/internal/offer"
	"github.com/lucaspalermo/passback/internal/transaction"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "passback",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "passback",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit lifecycle events across subsystems.
// It satisfies the notifier interfaces of the transaction, offer, and
// dispute services. All methods are fire-and-forget: errors are logged but
// never returned, so a dead subscriber can't block a state transition.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

var (
	_ transaction.Notifier = (*Emitter)(nil)
	_ offer.Notifier       = (*Emitter)(nil)
	_ dispute.Notifier     = (*Emitter)(nil)
)

func (e *Emitter) emit(eventType EventType, data map[string]any, userIDs ...string) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix(idgen.EventPrefix),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, userID := range userIDs {
		if err := e.d.DispatchToUser(ctx, userID, event); err != nil {
			webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
			e.logger.Warn("webhook emit failed", "event", eventType, "userId", userID, "error", err)
		}
	}
}

// TransactionCreated emits a transaction.created event to both parties.
func (e *Emitter) TransactionCreated(t *transaction.Transaction) {
	e.emit(EventTransactionCreated, map[string]any{
		"transactionId": t.ID,
		"ticketId":      t.TicketID,
		"buyerId":       t.BuyerID,
		"sellerId":      t.SellerID,
		"amount":        money.Format(t.Amount),
		"expiresAt":     t.ExpiresAt,
	}, t.BuyerID, t.SellerID)
}

// PaymentConfirmed emits a transaction.paid event to both parties.
func (e *Emitter) PaymentConfirmed(t *transaction.Transaction) {
	e.emit(EventTransactionPaid, map[string]any{
		"transactionId": t.ID,
		"ticketId":      t.TicketID,
		"buyerId":       t.BuyerID,
		"sellerId":      t.SellerID,
		"amount":        money.Format(t.Amount),
	}, t.BuyerID, t.SellerID)
}

// PaymentReleased emits a payment.released event to the seller.
func (e *Emitter) PaymentReleased(t *transaction.Transaction) {
	e.emit(EventPaymentReleased, map[string]any{
		"transactionId": t.ID,
		"ticketId":      t.TicketID,
		"sellerId":      t.SellerID,
		"sellerAmount":  money.Format(t.SellerAmount),
		"platformFee":   money.Format(t.PlatformFee),
	}, t.SellerID)
}

// OfferReceived emits an offer.received event to the seller.
func (e *Emitter) OfferReceived(o *offer.Offer) {
	e.emit(EventOfferReceived, map[string]any{
		"offerId":  o.ID,
		"ticketId": o.TicketID,
		"buyerId":  o.BuyerID,
		"amount":   money.Format(o.Amount),
		"message":  o.Message,
	}, o.SellerID)
}

// OfferAccepted emits an offer.accepted event to the buyer.
func (e *Emitter) OfferAccepted(o *offer.Offer) {
	e.emit(EventOfferAccepted, map[string]any{
		"offerId":         o.ID,
		"ticketId":        o.TicketID,
		"amount":          money.Format(o.Amount),
		"paymentDeadline": o.PaymentDeadline,
	}, o.BuyerID)
}

// DisputeOpened emits a dispute.opened event to both parties.
func (e *Emitter) DisputeOpened(d *dispute.Dispute, buyerID, sellerID string) {
	e.emit(EventDisputeOpened, map[string]any{
		"disputeId":     d.ID,
		"transactionId": d.TransactionID,
		"openedBy":      d.OpenedBy,
		"reason":        d.Reason,
	}, buyerID, sellerID)
}
