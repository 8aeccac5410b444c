package billing

import (
	"context"
	"net/http"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// Provider is a payment provider's webhook endpoint. Implementations verify
// and normalize the provider payload and hand it to an Ingester; they never
// write entitlements themselves.
type Provider interface {
	// Name returns the provider name (e.g., "stripe", "paykickstart")
	Name() string

	// WebhookHandler returns the HTTP handler that receives provider notifications.
	WebhookHandler() http.Handler
}

// Ingester applies a normalized payment event. *entitlement.Engine implements it.
type Ingester interface {
	Ingest(ctx context.Context, ev entitlement.NormalizedPaymentEvent) (*entitlement.IngestResult, error)
}

// IngesterFunc adapts a function to the Ingester interface.
type IngesterFunc func(ctx context.Context, ev entitlement.NormalizedPaymentEvent) (*entitlement.IngestResult, error)

// Ingest implements Ingester.
func (f IngesterFunc) Ingest(ctx context.Context, ev entitlement.NormalizedPaymentEvent) (*entitlement.IngestResult, error) {
	return f(ctx, ev)
}
