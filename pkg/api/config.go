package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing/stripe"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/importer"
)

// CheckoutCreator creates hosted checkout sessions. *stripe.Provider implements it.
type CheckoutCreator interface {
	CheckoutURL(ctx context.Context, req stripe.CheckoutRequest) (string, error)
}

// Config holds configuration for the entitlement API handler
type Config struct {
	// Claims serves the pending entitlement and claim endpoints (required)
	Claims *entitlement.ClaimFlow

	// Access serves the entitlement and access endpoints (required)
	Access *entitlement.AccessChecker

	// Catalog enables the admin product and mapping endpoints. Optional.
	Catalog entitlement.Catalog

	// Importer enables POST /admin/import. Optional.
	Importer *importer.Importer

	// Checkout enables POST /checkout. Optional.
	Checkout CheckoutCreator

	// AdminToken is the bearer token required by /admin routes. Admin routes
	// are not mounted when it is empty.
	AdminToken string

	// GetUserID optionally extracts the authenticated user ID from the request.
	// When set, it overrides user_id query parameters and must match the
	// userId of claim requests.
	GetUserID func(*http.Request) string

	// GetEmail optionally extracts the authenticated email. When set, pending
	// entitlements can only be listed and claimed by that email.
	GetEmail func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// MaxImportBytes bounds CSV uploads (default: 10 MiB)
	MaxImportBytes int64

	Logger entitlement.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Claims == nil {
		return fmt.Errorf("claim flow is required")
	}
	if c.Access == nil {
		return fmt.Errorf("access checker is required")
	}
	return nil
}

// NewHandler creates a new entitlement API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.MaxImportBytes <= 0 {
		config.MaxImportBytes = 10 << 20
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	return newHandler(config), nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns an extractor that reads a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns an extractor that reads a string from the request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if v, ok := r.Context().Value(key).(string); ok {
			return v
		}
		return ""
	}
}
