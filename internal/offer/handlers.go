package offer

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/lucaspalermo/passback/internal/identity"
)

// Handler provides HTTP endpoints for offers.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required offer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.CreateOffer)
	r.GET("/offers/:id", h.GetOffer)
	r.POST("/offers/:id/accept", h.AcceptOffer)
	r.POST("/offers/:id/reject", h.RejectOffer)
	r.POST("/offers/:id/cancel", h.CancelOffer)
	r.POST("/offers/:id/pay", h.PayOffer)
	r.GET("/tickets/:id/offers", h.ListTicketOffers)
	r.GET("/me/offers", h.ListMyOffers)
}

// CreateRequest is the body for placing an offer.
type CreateRequest struct {
	TicketID string `json:"ticketId" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
	Message  string `json:"message"`
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid amount",
		})
		return
	}

	o, err := h.service.Create(c.Request.Context(), req.TicketID, identity.Actor(c), amount, req.Message)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"offer": o})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	actor := identity.Actor(c)
	if actor != o.BuyerID && actor != o.SellerID && !c.GetBool(identity.ContextKeyAdmin) {
		h.writeError(c, ErrForbidden)
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// AcceptOffer handles POST /v1/offers/:id/accept
func (h *Handler) AcceptOffer(c *gin.Context) {
	o, err := h.service.Accept(c.Request.Context(), c.Param("id"), identity.Actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// RejectOffer handles POST /v1/offers/:id/reject
func (h *Handler) RejectOffer(c *gin.Context) {
	o, err := h.service.Reject(c.Request.Context(), c.Param("id"), identity.Actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// CancelOffer handles POST /v1/offers/:id/cancel
func (h *Handler) CancelOffer(c *gin.Context) {
	o, err := h.service.Cancel(c.Request.Context(), c.Param("id"), identity.Actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// PayOffer handles POST /v1/offers/:id/pay
func (h *Handler) PayOffer(c *gin.Context) {
	o, txn, err := h.service.Pay(c.Request.Context(), c.Param("id"), identity.Actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"offer": o, "transaction": txn})
}

// ListTicketOffers handles GET /v1/tickets/:id/offers
//
// Only the listing's seller sees the offer book.
func (h *Handler) ListTicketOffers(c *gin.Context) {
	offers, err := h.service.ListByTicket(c.Request.Context(), c.Param("id"), parseLimit(c.Query("limit")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	actor := identity.Actor(c)
	if len(offers) > 0 && offers[0].SellerID != actor && !c.GetBool(identity.ContextKeyAdmin) {
		h.writeError(c, ErrForbidden)
		return
	}

	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

// ListMyOffers handles GET /v1/me/offers
func (h *Handler) ListMyOffers(c *gin.Context) {
	offers, err := h.service.ListByUser(c.Request.Context(), identity.Actor(c), parseLimit(c.Query("limit")))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrOfferNotFound), errors.Is(err, ErrTicketNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrBelowMinimum), errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, ErrSelfOffer):
		status = http.StatusBadRequest
		code = "self_offer"
	case errors.Is(err, ErrTicketUnavailable):
		status = http.StatusConflict
		code = "ticket_unavailable"
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func parseLimit(s string) int {
	if s == "" {
		return 0
	}
	if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 {
		return parsed
	}
	return 0
}
