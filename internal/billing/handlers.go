package billing

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/comicforge/comicforge/internal/auth"
	"github.com/comicforge/comicforge/internal/plan"
)

// Handler provides HTTP endpoints for billing.
type Handler struct {
	service       *Service
	webhookSecret string
}

// NewHandler creates a new billing handler.
func NewHandler(service *Service, webhookSecret string) *Handler {
	return &Handler{service: service, webhookSecret: webhookSecret}
}

// RegisterRoutes sets up protected (auth-required) billing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/billing/checkout", h.CreateCheckout)
}

// RegisterWebhookRoutes sets up the unauthenticated Stripe webhook. The
// signature check is the auth.
func (h *Handler) RegisterWebhookRoutes(r gin.IRouter) {
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

type checkoutRequest struct {
	Tier plan.Tier `json:"tier" binding:"required"`
}

// CreateCheckout handles POST /v1/billing/checkout
func (h *Handler) CreateCheckout(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authentication required",
		})
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	url, err := h.service.CreateCheckout(c.Request.Context(), userID, req.Tier)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownPlan):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_plan",
				"message": "That plan cannot be purchased",
			})
		case errors.Is(err, ErrNotConfigured):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "billing_unavailable",
				"message": "Billing is not configured",
			})
		case errors.Is(err, ErrStripeUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "billing_unavailable",
				"message": "Billing is temporarily unavailable, try again shortly",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

// StripeWebhook handles POST /webhooks/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	const maxBodyBytes = int64(65536)
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read payload",
		})
		return
	}

	event, err := webhook.ConstructEventWithOptions(
		body,
		c.GetHeader("Stripe-Signature"),
		h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Signature verification failed",
		})
		return
	}

	if err := h.service.HandleEvent(c.Request.Context(), event); err != nil {
		// Non-2xx makes Stripe retry, which is what we want for
		// transient store errors.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
