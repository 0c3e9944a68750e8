package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/lucaspalermo/passback/internal/metrics"
	"github.com/lucaspalermo/passback/internal/transaction"
)

// maxWebhookBody bounds the accepted webhook payload size.
const maxWebhookBody = 64 * 1024

// PaymentConfirmer feeds gateway confirmations into the escrow engine.
// Implemented by the transaction service; must be idempotent, since the
// processor retries deliveries.
type PaymentConfirmer interface {
	ConfirmPaymentByReference(ctx context.Context, reference string) (*transaction.Transaction, error)
}

// WebhookHandler receives signed payment events from Stripe.
type WebhookHandler struct {
	confirmer     PaymentConfirmer
	signingSecret string
	logger        *slog.Logger
}

// NewWebhookHandler creates the inbound webhook endpoint.
func NewWebhookHandler(confirmer PaymentConfirmer, signingSecret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		confirmer:     confirmer,
		signingSecret: signingSecret,
		logger:        logger,
	}
}

// RegisterRoutes sets up the webhook route. The signature check is the
// authentication; no identity middleware applies here.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.HandleStripe)
}

// HandleStripe handles POST /webhooks/stripe
func (h *WebhookHandler) HandleStripe(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable body"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.signingSecret)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
		return
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("invalid").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Malformed event payload"})
			return
		}

		_, err := h.confirmer.ConfirmPaymentByReference(c.Request.Context(), sess.ID)
		if err != nil {
			if errors.Is(err, transaction.ErrTransactionNotFound) {
				// Reference from another environment or an already pruned
				// record; acknowledge so the processor stops retrying.
				h.logger.Warn("webhook for unknown payment reference", "reference", sess.ID)
				metrics.WebhookDeliveriesTotal.WithLabelValues("unknown").Inc()
				break
			}
			metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Confirmation failed"})
			return
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues("ignored").Inc()
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
