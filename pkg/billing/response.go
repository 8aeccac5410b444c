package billing

import (
	"errors"
	"net/http"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing/internal"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// Webhook acknowledgement statuses that are not ingest outcomes.
const (
	StatusIgnored = "ignored"
	StatusInvalid = "invalid"
	StatusError   = "error"
)

// WebhookResponse is the JSON body returned to providers.
type WebhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Respond writes the acknowledgement for one ingest attempt and returns the
// status label it reported. Anything the provider should not redeliver
// (applied, duplicate, unmapped, noop, ignored, invalid) is answered with 200;
// storage and lookup failures get 500 so the provider retries.
func Respond(w http.ResponseWriter, result *IngestAttempt) string {
	status, code := result.Status()

	body := WebhookResponse{Received: code == http.StatusOK, Status: status}
	if code != http.StatusOK {
		body.Status = ""
		body.Error = "processing_failed"
	}
	//nolint:errcheck // the provider only looks at the status code
	_ = internal.WriteJSON(w, code, body)
	return status
}

// IngestAttempt is the result of normalizing and ingesting one delivery.
type IngestAttempt struct {
	Result *entitlement.IngestResult
	Err    error
}

// Status maps the attempt to a status label and HTTP status code.
func (a *IngestAttempt) Status() (string, int) {
	switch {
	case a.Err == nil && a.Result != nil:
		return string(a.Result.Outcome), http.StatusOK
	case errors.Is(a.Err, ErrEventIgnored):
		return StatusIgnored, http.StatusOK
	case errors.Is(a.Err, entitlement.ErrInvalidEvent):
		return StatusInvalid, http.StatusOK
	default:
		return StatusError, http.StatusInternalServerError
	}
}

// LogAttempt logs an attempt at the level its outcome calls for.
func LogAttempt(logger entitlement.Logger, provider, eventType string, a *IngestAttempt) {
	status, code := a.Status()
	fields := []entitlement.Field{
		{Key: "provider", Value: provider},
		{Key: "event_type", Value: eventType},
		{Key: "status", Value: status},
	}
	switch {
	case code != http.StatusOK:
		logger.Error("webhook processing failed", append(fields, entitlement.Field{Key: "error", Value: errText(a.Err)})...)
	case status == StatusInvalid:
		logger.Warn("webhook carried an invalid event", append(fields, entitlement.Field{Key: "error", Value: errText(a.Err)})...)
	case status == StatusIgnored:
		logger.Debug("webhook event ignored", fields...)
	default:
		logger.Debug("webhook processed", fields...)
	}
}

func errText(err error) string {
	if err == nil {
		return "no result"
	}
	return err.Error()
}
