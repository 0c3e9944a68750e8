package ticket

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lucaspalermo/passback/internal/identity"
)

// Handler provides HTTP endpoints for ticket listings.
type Handler struct {
	service *Service
}

// NewHandler creates a new ticket handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) ticket routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tickets", h.ListTickets)
	r.GET("/tickets/:id", h.GetTicket)
}

// RegisterProtectedRoutes sets up auth-required ticket routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/tickets", h.CreateTicket)
	r.GET("/me/tickets", h.ListMyTickets)
}

// CreateTicket handles POST /v1/tickets
func (h *Handler) CreateTicket(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	t, err := h.service.Create(c.Request.Context(), identity.Actor(c), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrInvalidPrice), errors.Is(err, ErrPastEvent):
			status = http.StatusBadRequest
			code = "validation_error"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"ticket": t})
}

// GetTicket handles GET /v1/tickets/:id
func (h *Handler) GetTicket(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTicketNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Ticket not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ticket": t})
}

// ListTickets handles GET /v1/tickets
func (h *Handler) ListTickets(c *gin.Context) {
	limit := parseLimit(c.Query("limit"))
	tickets, next, err := h.service.ListAvailable(c.Request.Context(), limit, c.Query("cursor"))
	if err != nil {
		if errors.Is(err, ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	resp := gin.H{"tickets": tickets, "count": len(tickets)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// ListMyTickets handles GET /v1/me/tickets
func (h *Handler) ListMyTickets(c *gin.Context) {
	limit := parseLimit(c.Query("limit"))
	tickets, err := h.service.ListBySeller(c.Request.Context(), identity.Actor(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tickets": tickets, "count": len(tickets)})
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
