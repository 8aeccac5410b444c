package stripe

import (
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing/internal"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// handleWebhook verifies, normalizes and ingests one Stripe delivery.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, billing.DefaultMaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		p.logger.Warn("rejected stripe webhook with invalid signature",
			entitlement.Field{Key: "error", Value: err.Error()},
			entitlement.Field{Key: "remote_ip", Value: internal.GetClientIP(r)},
		)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		//nolint:errcheck // best effort body on a rejected request
		_ = internal.WriteJSON(w, http.StatusBadRequest, billing.WebhookResponse{Error: "invalid_signature"})
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "unknown"
	}

	attempt := &billing.IngestAttempt{}
	ev, err := p.normalize(r.Context(), &event)
	switch {
	case errors.Is(err, billing.ErrInvalidWebhookPayload):
		p.logger.Warn("stripe webhook payload could not be decoded",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "event_type", Value: eventType},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		//nolint:errcheck // best effort body on a rejected request
		_ = internal.WriteJSON(w, http.StatusBadRequest, billing.WebhookResponse{Error: "invalid_payload"})
		return
	case err != nil:
		attempt.Err = err
	default:
		attempt.Result, attempt.Err = p.ingester.Ingest(r.Context(), ev)
	}

	billing.LogAttempt(p.logger, providerName, eventType, attempt)
	status := billing.Respond(w, attempt)
	if status == billing.StatusError {
		p.metrics.RecordWebhookError(providerName, "processing_error")
	}
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}
