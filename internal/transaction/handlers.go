package transaction

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lucaspalermo/passback/internal/identity"
)

// Handler provides HTTP endpoints for escrow transactions.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required transaction routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/transactions/:id/payment-status", h.PaymentStatus)
	r.POST("/transactions/:id/confirm-receipt", h.ConfirmReceipt)
	r.POST("/transactions/:id/cancel", h.CancelTransaction)
	r.GET("/me/transactions", h.ListMyTransactions)
}

// CreateRequest is the body for initiating a purchase.
type CreateRequest struct {
	TicketID string `json:"ticketId" binding:"required"`
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	t, err := h.service.Create(c.Request.Context(), req.TicketID, identity.Actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": t})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !h.canView(c, t) {
		h.writeError(c, ErrForbidden)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// PaymentStatus handles GET /v1/transactions/:id/payment-status
//
// Polling fallback for when the gateway webhook is delayed or lost: on an
// approved payment it applies the same confirmation as the webhook would.
func (h *Handler) PaymentStatus(c *gin.Context) {
	t, err := h.service.CheckPaymentStatus(c.Request.Context(), c.Param("id"), identity.Actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// ConfirmReceipt handles POST /v1/transactions/:id/confirm-receipt
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	t, err := h.service.ConfirmReceipt(c.Request.Context(), c.Param("id"), identity.Actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// CancelTransaction handles POST /v1/transactions/:id/cancel
func (h *Handler) CancelTransaction(c *gin.Context) {
	t, err := h.service.Cancel(c.Request.Context(), c.Param("id"), identity.Actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// ListMyTransactions handles GET /v1/me/transactions
func (h *Handler) ListMyTransactions(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	txns, err := h.service.ListByUser(c.Request.Context(), identity.Actor(c), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": txns, "count": len(txns)})
}

func (h *Handler) canView(c *gin.Context, t *Transaction) bool {
	actor := identity.Actor(c)
	return actor == t.BuyerID || actor == t.SellerID || c.GetBool(identity.ContextKeyAdmin)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrTicketNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrTicketUnavailable):
		status = http.StatusConflict
		code = "ticket_unavailable"
	case errors.Is(err, ErrSelfPurchase):
		status = http.StatusBadRequest
		code = "self_purchase"
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrUpstream):
		status = http.StatusBadGateway
		code = "gateway_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
