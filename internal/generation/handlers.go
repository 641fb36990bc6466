package generation

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/comicforge/comicforge/internal/auth"
	"github.com/comicforge/comicforge/internal/entitlement"
	"github.com/comicforge/comicforge/internal/identity"
	"github.com/comicforge/comicforge/internal/pagination"
)

// Handler provides HTTP endpoints for generation sessions.
type Handler struct {
	service *Service
}

// NewHandler creates a new generation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up protected (auth-required) generation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/generations", h.CreateGeneration)
	r.GET("/generations", h.ListGenerations)
	r.GET("/generations/:sessionId", h.GetGeneration)
}

// CreateGeneration handles POST /v1/generations
func (h *Handler) CreateGeneration(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authentication required",
		})
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	sess, err := h.service.Create(c.Request.Context(), userID, req.RequestedPages)
	if err != nil {
		h.writeCreateError(c, sess, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"session": sess})
}

func (h *Handler) writeCreateError(c *gin.Context, sess *Session, err error) {
	var quotaErr *entitlement.QuotaExhaustedError
	switch {
	case errors.Is(err, ErrInvalidPages):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "requestedPages must be positive",
		})
	case errors.Is(err, entitlement.ErrPlanLimitExceeded):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "plan_limit_exceeded",
			"message": "Requested page count exceeds the plan's per-comic limit",
			"session": sess,
		})
	case errors.As(err, &quotaErr):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":     "quota_exhausted",
			"message":   "Monthly generation quota exhausted",
			"resets_at": quotaErr.ResetsAt.Format(time.RFC3339),
			"session":   sess,
		})
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
}

// GetGeneration handles GET /v1/generations/:sessionId
func (h *Handler) GetGeneration(c *gin.Context) {
	userID := auth.UserID(c)
	sess, err := h.service.Get(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No session with that ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if sess.UserID != userID {
		// Do not leak other users' session IDs.
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No session with that ID",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// ListGenerations handles GET /v1/generations
func (h *Handler) ListGenerations(c *gin.Context) {
	userID := auth.UserID(c)
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not valid",
		})
		return
	}

	sessions, next, err := h.service.ListByUser(c.Request.Context(), userID, cursor, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
