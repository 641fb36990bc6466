package entitlement

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/comicforge/comicforge/internal/auth"
	"github.com/comicforge/comicforge/internal/identity"
	"github.com/comicforge/comicforge/internal/plan"
)

// TierResolver resolves the current plan tier for a user. Implemented by
// identity.Service.
type TierResolver interface {
	TierFor(ctx context.Context, userID string) (plan.Tier, error)
}

// Handler provides HTTP endpoints for usage reporting.
type Handler struct {
	checker *Checker
	tiers   TierResolver
}

// NewHandler creates a new entitlement handler.
func NewHandler(checker *Checker, tiers TierResolver) *Handler {
	return &Handler{checker: checker, tiers: tiers}
}

// RegisterRoutes sets up protected (auth-required) usage routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/usage", h.GetUsage)
}

// GetUsage handles GET /v1/usage
func (h *Handler) GetUsage(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authentication required",
		})
		return
	}

	tier, err := h.tiers.TierFor(c.Request.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrSuspended):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "account_suspended",
				"message": "This account is suspended",
			})
		case errors.Is(err, identity.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "User not found",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	report, err := h.checker.Usage(c.Request.Context(), userID, tier, time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"usage": report})
}
