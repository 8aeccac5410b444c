package paykickstart

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing/internal"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.secret) == 0 {
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

	form, err := url.ParseQuery(string(body))
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		//nolint:errcheck // best effort body on a rejected request
		_ = internal.WriteJSON(w, http.StatusBadRequest, billing.WebhookResponse{Error: "invalid_payload"})
		return
	}

	if !p.verify(form) {
		p.logger.Warn("rejected paykickstart webhook with invalid signature",
			entitlement.Field{Key: "event_type", Value: form.Get("event")},
			entitlement.Field{Key: "remote_ip", Value: internal.GetClientIP(r)},
		)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		//nolint:errcheck // best effort body on a rejected request
		_ = internal.WriteJSON(w, http.StatusBadRequest, billing.WebhookResponse{Error: "invalid_signature"})
		return
	}

	eventType := form.Get("event")
	if eventType == "" {
		eventType = "unknown"
	}

	ev, err := normalize(form)
	if errors.Is(err, billing.ErrInvalidWebhookPayload) {
		p.logger.Warn("paykickstart webhook payload is incomplete",
			entitlement.Field{Key: "event_type", Value: eventType},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		//nolint:errcheck // best effort body on a rejected request
		_ = internal.WriteJSON(w, http.StatusBadRequest, billing.WebhookResponse{Error: "invalid_payload"})
		return
	}

	attempt := &billing.IngestAttempt{Err: err}
	if err == nil {
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
