package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// CheckoutRequest describes a hosted checkout for one catalog product.
type CheckoutRequest struct {
	SKU        string `json:"sku" validate:"required"`
	Email      string `json:"email" validate:"omitempty,email"`
	SuccessURL string `json:"success_url" validate:"required,url"`
	CancelURL  string `json:"cancel_url" validate:"required,url"`
}

// CheckoutURL creates a Stripe Checkout Session for req.SKU and returns its URL.
// The SKU is resolved to a Stripe price through the active provider mapping.
// The price id and purchaser email are stamped into session, subscription and
// payment intent metadata so later webhooks normalize without API lookups.
func (p *Provider) CheckoutURL(ctx context.Context, req CheckoutRequest) (string, error) {
	if p.stripeClient == nil || p.config.Catalog == nil {
		return "", billing.ErrProviderNotConfigured
	}
	startTime := time.Now()

	product, err := p.config.Catalog.GetProduct(ctx, req.SKU)
	if err != nil {
		return "", err
	}
	if !product.IsActive {
		return "", fmt.Errorf("%w: %s is inactive", entitlement.ErrProductNotFound, req.SKU)
	}

	priceID, err := p.priceIDForSKU(ctx, req.SKU)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "checkout.sessions.create", "price_not_found")
		return "", err
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, checkoutParams(product, priceID, req))
	p.metrics.RecordAPICallDuration(providerName, "checkout.sessions.create", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "checkout.sessions.create", "error")
		return "", fmt.Errorf("%w: failed to create checkout session: %w", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "checkout.sessions.create", "success")

	return session.URL, nil
}

// priceIDForSKU returns the Stripe price actively mapped to sku. With several
// prices mapped to one SKU (monthly and yearly, say) the first in mapping
// order wins.
func (p *Provider) priceIDForSKU(ctx context.Context, sku string) (string, error) {
	mappings, err := p.config.Catalog.ListMappings(ctx)
	if err != nil {
		return "", err
	}
	for _, m := range mappings {
		if m.IsActive && m.Provider == entitlement.ProviderStripe && m.ProductSKU == sku {
			return m.ProviderProductID, nil
		}
	}
	return "", fmt.Errorf("%w: no stripe price for %s", entitlement.ErrMappingNotFound, sku)
}

func checkoutParams(product *entitlement.Product, priceID string, req CheckoutRequest) *stripe.CheckoutSessionCreateParams {
	metadata := map[string]string{
		"price_id": priceID,
		"sku":      product.SKU,
	}
	email := entitlement.NormalizeEmail(req.Email)
	if email != "" {
		metadata["email"] = email
	}

	params := &stripe.CheckoutSessionCreateParams{
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		Metadata:   copyStrings(metadata),
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	if product.BillingType == entitlement.BillingSubscription {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: copyStrings(metadata),
		}
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: copyStrings(metadata),
		}
		if email != "" {
			params.PaymentIntentData.ReceiptEmail = stripe.String(email)
		}
	}

	if desc := strings.TrimSpace(product.DisplayName); desc != "" && params.PaymentIntentData != nil {
		params.PaymentIntentData.Description = stripe.String(desc)
	}
	return params
}

func copyStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
