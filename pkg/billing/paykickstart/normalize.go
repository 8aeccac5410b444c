package paykickstart

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// eventStatus maps an IPN event name to a payment status. Unknown events are
// recorded as pending and change nothing.
func eventStatus(event string) entitlement.EventStatus {
	switch event {
	case "sales", "subscription-payment":
		return entitlement.EventPaid
	case "subscription-trial":
		return entitlement.EventTrial
	case "refund":
		return entitlement.EventRefunded
	case "subscription-cancelled":
		return entitlement.EventCancelled
	case "chargeback", "dispute":
		return entitlement.EventChargeback
	default:
		return entitlement.EventPending
	}
}

// metadataFields are copied from the IPN into event metadata when present.
var metadataFields = []string{"buyer_first_name", "buyer_last_name", "campaign_id", "affiliate_id", "payment_processor"}

func normalize(form url.Values) (entitlement.NormalizedPaymentEvent, error) {
	event := strings.ToLower(strings.TrimSpace(form.Get("event")))
	txnID := strings.TrimSpace(form.Get("transaction_id"))
	if event == "" || txnID == "" {
		return entitlement.NormalizedPaymentEvent{}, fmt.Errorf("%w: event and transaction_id are required", billing.ErrInvalidWebhookPayload)
	}

	ev := entitlement.NormalizedPaymentEvent{
		Provider:        entitlement.ProviderPayKickstart,
		ProviderEventID: txnID + ":" + event,
		ProviderOrderID: firstNonEmpty(form.Get("invoice_id"), txnID),
		EventType:       event,
		PurchaserEmail:  firstNonEmpty(form.Get("buyer_email"), form.Get("email")),
		ProductRef:      form.Get("product_id"),
		Currency:        form.Get("currency"),
		Status:          eventStatus(event),
		PeriodEnd:       parseDate(form.Get("next_payment_date")),
		Metadata:        map[string]any{"transaction_id": txnID},
	}

	amount, err := entitlement.ParseAmountCents(form.Get("amount"))
	if err != nil {
		return ev, err
	}
	ev.AmountCents = amount

	if at := parseDate(form.Get("transaction_time")); at != nil {
		ev.OccurredAt = *at
	}
	for _, k := range metadataFields {
		if v := form.Get(k); v != "" {
			ev.Metadata[k] = v
		}
	}

	raw := make(map[string]string, len(form))
	for k := range form {
		if k != signatureField {
			raw[k] = form.Get(k)
		}
	}
	ev.Raw, err = json.Marshal(raw)
	if err != nil {
		return ev, fmt.Errorf("%w: %w", billing.ErrInvalidWebhookPayload, err)
	}
	return ev, nil
}

// parseDate accepts unix seconds or a calendar date.
func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		if sec <= 0 {
			return nil
		}
		t := time.Unix(sec, 0).UTC()
		return &t
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
