package stripe

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

func testEvent(t *testing.T, eventType string, object any) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return &stripe.Event{
		ID:      "evt_test",
		Type:    stripe.EventType(eventType),
		Created: 1748779200,
		Data:    &stripe.EventData{Raw: raw},
	}
}

func TestNormalize_SubscriptionStatuses(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		status string
		want   entitlement.EventStatus
	}{
		{"active", entitlement.EventPaid},
		{"trialing", entitlement.EventTrial},
		{"canceled", entitlement.EventCancelled},
		{"unpaid", entitlement.EventCancelled},
		{"incomplete_expired", entitlement.EventCancelled},
		{"past_due", entitlement.EventPending},
		{"incomplete", entitlement.EventPending},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			ev, err := f.provider.normalize(context.Background(), testEvent(t, "customer.subscription.updated", map[string]any{
				"id": "sub_1", "status": tt.status, "current_period_end": 1751371200,
				"metadata": map[string]any{"email": "a@example.com"},
				"items":    map[string]any{"data": []any{map[string]any{"price": map[string]any{"id": "price_monthly"}}}},
			}))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Status)
			assert.Equal(t, "sub_1", ev.ProviderOrderID)
			assert.Equal(t, "price_monthly", ev.ProductRef)
			require.NotNil(t, ev.PeriodEnd, "legacy subscription-level period end is used")
			assert.Equal(t, int64(1751371200), ev.PeriodEnd.Unix())
		})
	}
}

func TestNormalize_Checkout(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name      string
		session   map[string]any
		wantState entitlement.EventStatus
		wantOrder string
	}{
		{
			name:      "one-time payment",
			session:   map[string]any{"id": "cs_1", "mode": "payment", "payment_status": "paid", "payment_intent": "pi_1"},
			wantState: entitlement.EventPaid,
			wantOrder: "pi_1",
		},
		{
			name:      "subscription trial",
			session:   map[string]any{"id": "cs_1", "mode": "subscription", "payment_status": "no_payment_required", "subscription": "sub_1"},
			wantState: entitlement.EventTrial,
			wantOrder: "sub_1",
		},
		{
			name:      "async payment not settled",
			session:   map[string]any{"id": "cs_1", "mode": "payment", "payment_status": "unpaid"},
			wantState: entitlement.EventPending,
			wantOrder: "cs_1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.session["customer_email"] = "buyer@example.com"
			tt.session["metadata"] = map[string]any{"price_id": "price_pro"}

			ev, err := f.provider.normalize(context.Background(), testEvent(t, "checkout.session.completed", tt.session))
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, ev.Status)
			assert.Equal(t, tt.wantOrder, ev.ProviderOrderID)
			assert.Equal(t, "buyer@example.com", ev.PurchaserEmail)
			assert.Equal(t, time.Unix(1748779200, 0).UTC(), ev.OccurredAt)
		})
	}
}

func TestNormalize_InvoiceNewerAPIShape(t *testing.T) {
	f := newFixture(t)

	ev, err := f.provider.normalize(context.Background(), testEvent(t, "invoice.paid", map[string]any{
		"id": "in_1", "customer_email": "a@example.com", "amount_paid": 1900, "currency": "usd",
		"parent": map[string]any{"subscription_details": map[string]any{"subscription": "sub_9"}},
		"lines": map[string]any{"data": []any{map[string]any{
			"pricing": map[string]any{"price_details": map[string]any{"price": "price_monthly"}},
			"period":  map[string]any{"end": 1751371200},
		}}},
	}))
	require.NoError(t, err)
	assert.Equal(t, entitlement.EventPaid, ev.Status)
	assert.Equal(t, "sub_9", ev.ProviderOrderID)
	assert.Equal(t, "price_monthly", ev.ProductRef)
	assert.Equal(t, int64(1900), ev.AmountCents)
	require.NotNil(t, ev.PeriodEnd)
}

func TestNormalize_Refund(t *testing.T) {
	f := newFixture(t)

	full, err := f.provider.normalize(context.Background(), testEvent(t, "charge.refunded", map[string]any{
		"id": "ch_1", "payment_intent": "pi_1", "refunded": true, "amount_refunded": 4900,
		"billing_details": map[string]any{"email": "a@example.com"},
	}))
	require.NoError(t, err)
	assert.Equal(t, entitlement.EventRefunded, full.Status)
	assert.Equal(t, "pi_1", full.ProviderOrderID)

	partial, err := f.provider.normalize(context.Background(), testEvent(t, "charge.refunded", map[string]any{
		"id": "ch_1", "payment_intent": "pi_1", "refunded": false, "amount_refunded": 100,
		"receipt_email": "a@example.com",
	}))
	require.NoError(t, err)
	assert.Equal(t, entitlement.EventPending, partial.Status)
}

func TestNormalize_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.provider.normalize(context.Background(), testEvent(t, "product.updated", map[string]any{"id": "prod_1"}))
	assert.ErrorIs(t, err, billing.ErrEventIgnored)

	bad := testEvent(t, "checkout.session.completed", map[string]any{})
	bad.Data.Raw = json.RawMessage(`{"id": 5}`)
	_, err = f.provider.normalize(context.Background(), bad)
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)
}

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	p, err := NewProvider(Config{Config: billing.Config{Ingester: billing.IngesterFunc(nil)}})
	require.NoError(t, err)
	assert.Equal(t, "stripe", p.Name())

	_, err = p.lookup.CustomerEmail(context.Background(), "cus_1")
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured, "no API key means no lookups")
}
