// Package billing handles Stripe-backed plan changes.
//
// Checkout sessions carry the target tier in their metadata; the webhook is
// the single writer of plan changes, so a user's tier only moves once Stripe
// has confirmed payment.
package billing

import (
	"context"
	"errors"
	"time"
)

var (
	ErrCustomerNotFound  = errors.New("billing: customer not found")
	ErrUnknownPlan       = errors.New("billing: unknown or non-purchasable plan")
	ErrNotConfigured     = errors.New("billing: stripe is not configured")
	ErrStripeUnavailable = errors.New("billing: stripe temporarily unavailable")
)

// Customer maps a user to their Stripe customer.
type Customer struct {
	UserID           string    `json:"userId"`
	StripeCustomerID string    `json:"stripeCustomerId"`
	CreatedAt        time.Time `json:"createdAt"`
}

// CustomerStore persists the user to Stripe customer mapping.
type CustomerStore interface {
	Put(ctx context.Context, c *Customer) error
	GetByUser(ctx context.Context, userID string) (*Customer, error)
	GetByStripeCustomer(ctx context.Context, stripeCustomerID string) (*Customer, error)
}
