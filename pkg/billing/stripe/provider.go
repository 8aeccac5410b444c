// Package stripe receives Stripe webhooks, normalizes them into payment
// events and creates checkout sessions for catalog products.
package stripe

import (
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing/internal"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

const providerName = string(entitlement.ProviderStripe)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Ingester, WebhookSecret, Metrics, etc.)

	// StripeAPIKey enables the API lookups used to complete sparse events and
	// checkout session creation. Without it those paths fail.
	StripeAPIKey string

	// Lookup overrides the API-backed lookup (tests, caching layers).
	Lookup Lookup

	// Catalog resolves SKUs to Stripe prices for checkout. Optional.
	Catalog entitlement.Catalog
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	config        Config
	ingester      billing.Ingester
	rateLimiter   *internal.RateLimiter
	webhookSecret string
	stripeClient  *stripe.Client
	lookup        Lookup
	metrics       billing.Metrics
	logger        entitlement.Logger
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Ingester == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	config.SetDefaults()

	p := &Provider{
		config:        config,
		ingester:      config.Ingester,
		rateLimiter:   internal.NewRateLimiter(config.RateLimit, config.RateLimitWindow),
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		lookup:        config.Lookup,
		metrics:       config.Metrics,
		logger:        config.Logger,
	}

	if apiKey := strings.TrimSpace(config.StripeAPIKey); apiKey != "" {
		p.stripeClient = stripe.NewClient(apiKey)
		if p.lookup == nil {
			p.lookup = NewClientLookup(p.stripeClient)
		}
	}
	if p.lookup == nil {
		p.lookup = unavailableLookup{}
	}

	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}
