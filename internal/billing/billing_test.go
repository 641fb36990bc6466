package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stripe/stripe-go/v81"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comicforge/comicforge/internal/identity"
	"github.com/comicforge/comicforge/internal/plan"
)

// stubStripe is a test double for the Stripe bindings.
type stubStripe struct {
	customers        int
	lastSessionParam *stripe.CheckoutSessionParams
	sessionErr       error
}

func (s *stubStripe) NewCustomer(params *stripe.CustomerParams) (*stripe.Customer, error) {
	s.customers++
	return &stripe.Customer{ID: "cus_stub"}, nil
}

func (s *stubStripe) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if s.sessionErr != nil {
		return nil, s.sessionErr
	}
	s.lastSessionParam = params
	return &stripe.CheckoutSession{ID: "cs_stub", URL: "https://checkout.stripe.com/cs_stub"}, nil
}

func newTestBilling(t *testing.T) (*Service, *stubStripe, *identity.Service, *identity.User) {
	t.Helper()
	users := identity.NewService(identity.NewMemoryStore(), nil)
	user, err := users.Register(context.Background(), "amelia@example.com", "Amelia")
	require.NoError(t, err)

	api := &stubStripe{}
	svc := NewService(NewMemoryCustomerStore(), users, Options{
		SecretKey:     "sk_test_stub",
		PricePro:      "price_pro",
		PriceCreative: "price_creative",
		SuccessURL:    "https://app.example.com/ok",
		CancelURL:     "https://app.example.com/cancel",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.api = api
	return svc, api, users, user
}

func TestCreateCheckout(t *testing.T) {
	ctx := context.Background()
	svc, api, _, user := newTestBilling(t)

	url, err := svc.CreateCheckout(ctx, user.ID, plan.TierPro)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/cs_stub", url)

	require.NotNil(t, api.lastSessionParam)
	assert.Equal(t, "price_pro", *api.lastSessionParam.LineItems[0].Price)
	assert.Equal(t, string(plan.TierPro), api.lastSessionParam.Metadata["tier"])
	assert.Equal(t, user.ID, api.lastSessionParam.Metadata["user_id"])

	// A second checkout reuses the stored Stripe customer.
	_, err = svc.CreateCheckout(ctx, user.ID, plan.TierCreative)
	require.NoError(t, err)
	assert.Equal(t, 1, api.customers)
	assert.Equal(t, "price_creative", *api.lastSessionParam.LineItems[0].Price)
}

func TestCreateCheckoutFreeNotPurchasable(t *testing.T) {
	svc, _, _, user := newTestBilling(t)
	_, err := svc.CreateCheckout(context.Background(), user.ID, plan.TierFree)
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestCreateCheckoutBreakerTrips(t *testing.T) {
	ctx := context.Background()
	svc, api, _, user := newTestBilling(t)
	api.sessionErr = errors.New("stripe: 502")

	for i := 0; i < 5; i++ {
		_, err := svc.CreateCheckout(ctx, user.ID, plan.TierPro)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrStripeUnavailable)
	}

	// Five consecutive failures open the breaker; the next call is
	// rejected without reaching Stripe.
	api.sessionErr = nil
	_, err := svc.CreateCheckout(ctx, user.ID, plan.TierPro)
	assert.ErrorIs(t, err, ErrStripeUnavailable)
	assert.Nil(t, api.lastSessionParam)
}

func checkoutCompletedEvent(t *testing.T, userID string, tier plan.Tier) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id": "cs_stub",
		"metadata": map[string]string{
			"user_id": userID,
			"tier":    string(tier),
		},
	})
	require.NoError(t, err)
	return stripe.Event{
		Type: "checkout.session.completed",
		Data: &stripe.EventData{Raw: raw},
	}
}

func TestHandleCheckoutCompletedUpgrades(t *testing.T) {
	ctx := context.Background()
	svc, _, users, user := newTestBilling(t)

	require.NoError(t, svc.HandleEvent(ctx, checkoutCompletedEvent(t, user.ID, plan.TierPro)))

	got, err := users.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.TierPro, got.Tier)

	// Stripe retries deliver the same event again; nothing changes.
	require.NoError(t, svc.HandleEvent(ctx, checkoutCompletedEvent(t, user.ID, plan.TierPro)))
	got, err = users.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.TierPro, got.Tier)
}

func TestHandleSubscriptionDeletedDowngrades(t *testing.T) {
	ctx := context.Background()
	svc, _, users, user := newTestBilling(t)

	// Checkout first so the customer mapping exists.
	_, err := svc.CreateCheckout(ctx, user.ID, plan.TierPro)
	require.NoError(t, err)
	require.NoError(t, svc.HandleEvent(ctx, checkoutCompletedEvent(t, user.ID, plan.TierPro)))

	raw, err := json.Marshal(map[string]any{
		"id":       "sub_stub",
		"customer": map[string]any{"id": "cus_stub"},
	})
	require.NoError(t, err)
	err = svc.HandleEvent(ctx, stripe.Event{
		Type: "customer.subscription.deleted",
		Data: &stripe.EventData{Raw: raw},
	})
	require.NoError(t, err)

	got, err := users.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.TierFree, got.Tier)
}

func TestHandleEventIgnoresUnknownTypes(t *testing.T) {
	svc, _, _, _ := newTestBilling(t)
	err := svc.HandleEvent(context.Background(), stripe.Event{
		Type: "invoice.created",
		Data: &stripe.EventData{Raw: []byte(`{}`)},
	})
	assert.NoError(t, err)
}
