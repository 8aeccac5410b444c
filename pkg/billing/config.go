package billing

import (
	"net/http"
	"time"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

const (
	DefaultHTTPTimeout     = 10 * time.Second
	DefaultLookupTimeout   = 5 * time.Second
	DefaultRateLimit       = 100
	DefaultRateLimitWindow = time.Minute
	DefaultMaxBodyBytes    = 256 * 1024
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Ingester receives every verified, normalized event
	Ingester Ingester

	// WebhookSecret is used to verify incoming webhook requests
	// (Stripe endpoint secret, PayKickstart API secret).
	WebhookSecret string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// LookupTimeout bounds each supplementary provider API call made while
	// normalizing an event (default: 5s). A timeout fails the delivery so the
	// provider redelivers it.
	LookupTimeout time.Duration

	// RateLimit is the number of webhook requests allowed per client IP in
	// RateLimitWindow (default: 100 per minute). Negative disables limiting.
	RateLimit       int
	RateLimitWindow time.Duration

	// Metrics is an optional metrics collector for tracking webhook processing.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics

	// Logger is an optional structured logger (default: no-op).
	Logger entitlement.Logger
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = DefaultLookupTimeout
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = DefaultRateLimitWindow
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &entitlement.NoopLogger{}
	}
}
