package audit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/comicforge/comicforge/internal/auth"
)

// Handler provides HTTP endpoints for the audit trail.
type Handler struct {
	logger Logger
}

// NewHandler creates a new audit handler.
func NewHandler(logger Logger) *Handler {
	return &Handler{logger: logger}
}

// RegisterRoutes sets up protected (auth-required) audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.ListEvents)
}

// ListEvents handles GET /v1/audit
func (h *Handler) ListEvents(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authentication required",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	events, err := h.logger.Query(c.Request.Context(), userID, c.Query("action"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}
