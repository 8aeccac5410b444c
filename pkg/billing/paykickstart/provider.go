// Package paykickstart receives PayKickstart instant payment notifications
// and normalizes them into payment events.
package paykickstart

import (
	"net/http"
	"strings"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing/internal"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

const providerName = string(entitlement.ProviderPayKickstart)

// Config configures the PayKickstart provider. WebhookSecret is the
// campaign's API secret key used to sign IPN requests.
type Config struct {
	billing.Config
}

// Provider implements billing.Provider for PayKickstart
type Provider struct {
	config      Config
	ingester    billing.Ingester
	rateLimiter *internal.RateLimiter
	secret      []byte
	metrics     billing.Metrics
	logger      entitlement.Logger
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new PayKickstart billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Ingester == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	config.SetDefaults()

	return &Provider{
		config:      config,
		ingester:    config.Ingester,
		rateLimiter: internal.NewRateLimiter(config.RateLimit, config.RateLimitWindow),
		secret:      []byte(strings.TrimSpace(config.WebhookSecret)),
		metrics:     config.Metrics,
		logger:      config.Logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for PayKickstart IPN requests
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}
