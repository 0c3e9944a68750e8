package sweep

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler exposes the external sweep trigger.
type Handler struct {
	runner *Runner
	secret string
}

// NewHandler creates the sweep trigger endpoint. The secret gates access;
// with an empty secret the endpoint is disabled.
func NewHandler(runner *Runner, secret string) *Handler {
	return &Handler{runner: runner, secret: secret}
}

// RegisterRoutes sets up the internal sweep route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/internal/sweep", h.TriggerSweep)
}

// TriggerSweep handles POST /internal/sweep
//
// Backstop entry point for an external scheduler. Firing it concurrently
// with the in-process timer is safe.
func (h *Handler) TriggerSweep(c *gin.Context) {
	provided := c.GetHeader("X-Sweep-Secret")
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(h.secret)) != 1 {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Invalid sweep secret.",
		})
		return
	}

	counts, err := h.runner.Run(c.Request.Context(), time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
			"counts":  counts,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"counts": counts})
}
