package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/customer"

	"github.com/comicforge/comicforge/internal/circuitbreaker"
	"github.com/comicforge/comicforge/internal/identity"
	"github.com/comicforge/comicforge/internal/metrics"
	"github.com/comicforge/comicforge/internal/plan"
)

// stripeBreakerKey identifies the Stripe API in the circuit breaker. Webhook
// handling never goes through the breaker; only outbound API calls do.
const stripeBreakerKey = "stripe"

// PlanSetter applies confirmed plan changes. Implemented by identity.Service.
type PlanSetter interface {
	Get(ctx context.Context, userID string) (*identity.User, error)
	SetTier(ctx context.Context, userID string, tier plan.Tier) (*identity.User, error)
}

// Options configures the billing service.
type Options struct {
	SecretKey     string
	PricePro      string
	PriceCreative string
	SuccessURL    string
	CancelURL     string
}

// Events receives confirmed plan changes. Implemented by realtime.Notifier.
type Events interface {
	PlanChanged(userID string, from, to plan.Tier)
}

// stripeAPI is the slice of the Stripe client the service uses. Tests swap
// it for a stub; production uses the package-level bindings.
type stripeAPI interface {
	NewCustomer(params *stripe.CustomerParams) (*stripe.Customer, error)
	NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type liveStripe struct{}

func (liveStripe) NewCustomer(params *stripe.CustomerParams) (*stripe.Customer, error) {
	return customer.New(params)
}

func (liveStripe) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return session.New(params)
}

// Service creates checkout sessions and applies webhook-confirmed plan
// changes.
type Service struct {
	customers CustomerStore
	users     PlanSetter
	opts      Options
	api       stripeAPI
	breaker   *circuitbreaker.Breaker
	events    Events // nil disables notifications
	logger    *slog.Logger
}

// NewService creates a billing service and sets the global Stripe key.
func NewService(customers CustomerStore, users PlanSetter, opts Options, logger *slog.Logger) *Service {
	stripe.Key = opts.SecretKey
	return &Service{
		customers: customers,
		users:     users,
		opts:      opts,
		api:       liveStripe{},
		breaker:   circuitbreaker.New(5, 30*time.Second),
		logger:    logger,
	}
}

// callStripe runs an outbound Stripe call through the circuit breaker so a
// Stripe outage fails checkout fast instead of holding request handlers on
// timeouts.
func (s *Service) callStripe(op func() error) error {
	if !s.breaker.Allow(stripeBreakerKey) {
		return ErrStripeUnavailable
	}
	if err := op(); err != nil {
		s.breaker.RecordFailure(stripeBreakerKey)
		return err
	}
	s.breaker.RecordSuccess(stripeBreakerKey)
	return nil
}

// WithEvents sets a plan-change event sink.
func (s *Service) WithEvents(ev Events) *Service {
	s.events = ev
	return s
}

func (s *Service) priceFor(tier plan.Tier) string {
	switch tier {
	case plan.TierPro:
		return s.opts.PricePro
	case plan.TierCreative:
		return s.opts.PriceCreative
	default:
		return ""
	}
}

// CreateCheckout starts a Stripe Checkout session that upgrades the user to
// the given tier once completed. Returns the hosted checkout URL.
func (s *Service) CreateCheckout(ctx context.Context, userID string, tier plan.Tier) (string, error) {
	if s.opts.SecretKey == "" {
		return "", ErrNotConfigured
	}
	price := s.priceFor(tier)
	if price == "" {
		return "", ErrUnknownPlan
	}

	custID, err := s.ensureCustomer(ctx, userID)
	if err != nil {
		return "", err
	}

	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(custID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(price),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(s.opts.SuccessURL),
		CancelURL:  stripe.String(s.opts.CancelURL),
		Metadata: map[string]string{
			"user_id": userID,
			"tier":    string(tier),
		},
	}
	var sess *stripe.CheckoutSession
	err = s.callStripe(func() error {
		var apiErr error
		sess, apiErr = s.api.NewCheckoutSession(params)
		return apiErr
	})
	if err != nil {
		if errors.Is(err, ErrStripeUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("creating checkout session: %w", err)
	}

	s.logger.Info("checkout session created",
		"user_id", userID, "tier", tier, "checkout_id", sess.ID)
	return sess.URL, nil
}

// ensureCustomer finds or creates the Stripe customer for a user.
func (s *Service) ensureCustomer(ctx context.Context, userID string) (string, error) {
	if c, err := s.customers.GetByUser(ctx, userID); err == nil {
		return c.StripeCustomerID, nil
	} else if err != ErrCustomerNotFound {
		return "", err
	}

	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("loading user: %w", err)
	}

	var cust *stripe.Customer
	err = s.callStripe(func() error {
		var apiErr error
		cust, apiErr = s.api.NewCustomer(&stripe.CustomerParams{
			Email: stripe.String(user.Email),
			Metadata: map[string]string{
				"user_id": userID,
			},
		})
		return apiErr
	})
	if err != nil {
		if errors.Is(err, ErrStripeUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("creating stripe customer: %w", err)
	}

	err = s.customers.Put(ctx, &Customer{
		UserID:           userID,
		StripeCustomerID: cust.ID,
		CreatedAt:        time.Now(),
	})
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

// HandleEvent applies a verified Stripe event. Unhandled event types are
// ignored.
func (s *Service) HandleEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("decoding checkout session: %w", err)
		}
		userID := sess.Metadata["user_id"]
		tier := plan.Tier(sess.Metadata["tier"])
		if userID == "" || !plan.Valid(tier) {
			return fmt.Errorf("checkout session %s missing user or tier metadata", sess.ID)
		}
		return s.applyTier(ctx, userID, tier)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decoding subscription: %w", err)
		}
		if sub.Customer == nil || sub.Customer.ID == "" {
			return fmt.Errorf("subscription %s missing customer", sub.ID)
		}
		c, err := s.customers.GetByStripeCustomer(ctx, sub.Customer.ID)
		if err != nil {
			return fmt.Errorf("resolving customer %s: %w", sub.Customer.ID, err)
		}
		return s.applyTier(ctx, c.UserID, plan.TierFree)

	default:
		return nil
	}
}

func (s *Service) applyTier(ctx context.Context, userID string, tier plan.Tier) error {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user %s: %w", userID, err)
	}
	if user.Tier == tier {
		// Webhook retries are expected; the change is idempotent.
		return nil
	}

	direction := "upgrade"
	if plan.AtLeast(user.Tier, tier) {
		direction = "downgrade"
	}

	if _, err := s.users.SetTier(ctx, userID, tier); err != nil {
		return fmt.Errorf("setting tier: %w", err)
	}
	metrics.PlanChangesTotal.WithLabelValues(direction).Inc()
	if s.events != nil {
		s.events.PlanChanged(userID, user.Tier, tier)
	}
	s.logger.Info("plan changed",
		"user_id", userID, "from", user.Tier, "to", tier, "direction", direction)
	return nil
}
