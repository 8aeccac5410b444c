package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// Event payloads are decoded into these minimal shapes rather than the SDK
// structs, so fields that moved between API versions can be read from either
// location.

type checkoutSession struct {
	ID              string            `json:"id"`
	Mode            string            `json:"mode"`
	PaymentStatus   string            `json:"payment_status"`
	Customer        string            `json:"customer"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Subscription  string            `json:"subscription"`
	PaymentIntent string            `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

type subscriptionItem struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
	CurrentPeriodEnd int64 `json:"current_period_end"`
}

type subscription struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	CanceledAt       int64             `json:"canceled_at"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
}

type invoiceLine struct {
	Price *struct {
		ID string `json:"id"`
	} `json:"price"`
	Pricing *struct {
		PriceDetails *struct {
			Price string `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
	Period struct {
		End int64 `json:"end"`
	} `json:"period"`
}

type invoice struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	CustomerEmail string `json:"customer_email"`
	Subscription  string `json:"subscription"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	AmountPaid int64  `json:"amount_paid"`
	Currency   string `json:"currency"`
	Lines      struct {
		Data []invoiceLine `json:"data"`
	} `json:"lines"`
}

type charge struct {
	ID             string `json:"id"`
	Customer       string `json:"customer"`
	PaymentIntent  string `json:"payment_intent"`
	Refunded       bool   `json:"refunded"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
	ReceiptEmail   string `json:"receipt_email"`
	BillingDetails struct {
		Email string `json:"email"`
	} `json:"billing_details"`
	Metadata map[string]string `json:"metadata"`
}

type dispute struct {
	ID            string `json:"id"`
	Charge        string `json:"charge"`
	PaymentIntent string `json:"payment_intent"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Reason        string `json:"reason"`
}

// normalize converts a verified Stripe event into a payment event. Event types
// that carry no entitlement change return billing.ErrEventIgnored.
func (p *Provider) normalize(ctx context.Context, event *stripe.Event) (entitlement.NormalizedPaymentEvent, error) {
	ev := entitlement.NormalizedPaymentEvent{
		Provider:        entitlement.ProviderStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		OccurredAt:      time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return ev, fmt.Errorf("%w: event has no data object", billing.ErrInvalidWebhookPayload)
	}
	ev.Raw = event.Data.Raw

	var err error
	switch event.Type {
	case "checkout.session.completed":
		err = p.normalizeCheckout(ctx, &ev)
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		err = p.normalizeSubscription(ctx, &ev, event.Type == "customer.subscription.deleted")
	case "invoice.paid", "invoice.payment_succeeded":
		err = p.normalizeInvoice(ctx, &ev)
	case "charge.refunded":
		err = p.normalizeRefund(ctx, &ev)
	case "charge.dispute.created":
		err = p.normalizeDispute(ctx, &ev)
	default:
		return ev, billing.ErrEventIgnored
	}
	return ev, err
}

func (p *Provider) normalizeCheckout(ctx context.Context, ev *entitlement.NormalizedPaymentEvent) error {
	var s checkoutSession
	if err := decode(ev.Raw, &s); err != nil {
		return err
	}

	switch {
	case s.PaymentStatus == "paid":
		ev.Status = entitlement.EventPaid
	case s.PaymentStatus == "no_payment_required" && s.Mode == "subscription":
		ev.Status = entitlement.EventTrial
	case s.PaymentStatus == "no_payment_required":
		ev.Status = entitlement.EventPaid
	default:
		ev.Status = entitlement.EventPending
	}

	ev.ProviderOrderID = firstNonEmpty(s.Subscription, s.PaymentIntent, s.ID)
	ev.AmountCents = s.AmountTotal
	ev.Currency = s.Currency
	ev.Metadata = map[string]any{"checkout_session_id": s.ID}
	if s.Customer != "" {
		ev.Metadata["customer_id"] = s.Customer
	}

	ev.ProductRef = s.Metadata["price_id"]
	if ev.ProductRef == "" && entitlement.Classify(ev.Status) == entitlement.ActionGrant {
		priceID, err := p.sessionPriceID(ctx, s.ID)
		if err != nil {
			return err
		}
		ev.ProductRef = priceID
	}

	ev.PurchaserEmail = firstNonEmpty(s.CustomerDetails.Email, s.CustomerEmail, s.Metadata["email"])
	if ev.PurchaserEmail == "" {
		email, err := p.customerEmail(ctx, s.Customer)
		if err != nil {
			return err
		}
		ev.PurchaserEmail = email
	}
	return nil
}

func (p *Provider) normalizeSubscription(ctx context.Context, ev *entitlement.NormalizedPaymentEvent, deleted bool) error {
	var s subscription
	if err := decode(ev.Raw, &s); err != nil {
		return err
	}

	switch {
	case deleted:
		ev.Status = entitlement.EventCancelled
	case s.Status == "active":
		ev.Status = entitlement.EventPaid
	case s.Status == "trialing":
		ev.Status = entitlement.EventTrial
	case s.Status == "canceled", s.Status == "unpaid", s.Status == "incomplete_expired":
		ev.Status = entitlement.EventCancelled
	default:
		ev.Status = entitlement.EventPending
	}

	ev.ProviderOrderID = s.ID
	ev.Metadata = map[string]any{"subscription_status": s.Status}
	if s.Customer != "" {
		ev.Metadata["customer_id"] = s.Customer
	}

	periodEnd := s.CurrentPeriodEnd
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		ev.ProductRef = item.Price.ID
		if item.CurrentPeriodEnd > 0 {
			periodEnd = item.CurrentPeriodEnd
		}
	}
	ev.PeriodEnd = unixTime(periodEnd)

	ev.PurchaserEmail = s.Metadata["email"]
	if ev.PurchaserEmail == "" {
		email, err := p.customerEmail(ctx, s.Customer)
		if err != nil {
			return err
		}
		ev.PurchaserEmail = email
	}
	return nil
}

func (p *Provider) normalizeInvoice(ctx context.Context, ev *entitlement.NormalizedPaymentEvent) error {
	var inv invoice
	if err := decode(ev.Raw, &inv); err != nil {
		return err
	}

	subID := inv.Subscription
	if subID == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		subID = inv.Parent.SubscriptionDetails.Subscription
	}

	ev.Status = entitlement.EventPaid
	ev.ProviderOrderID = firstNonEmpty(subID, inv.ID)
	ev.AmountCents = inv.AmountPaid
	ev.Currency = inv.Currency
	ev.Metadata = map[string]any{"invoice_id": inv.ID}

	if len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		switch {
		case line.Price != nil && line.Price.ID != "":
			ev.ProductRef = line.Price.ID
		case line.Pricing != nil && line.Pricing.PriceDetails != nil:
			ev.ProductRef = line.Pricing.PriceDetails.Price
		}
		ev.PeriodEnd = unixTime(line.Period.End)
	}

	ev.PurchaserEmail = inv.CustomerEmail
	if ev.PurchaserEmail == "" {
		email, err := p.customerEmail(ctx, inv.Customer)
		if err != nil {
			return err
		}
		ev.PurchaserEmail = email
	}
	return nil
}

func (p *Provider) normalizeRefund(ctx context.Context, ev *entitlement.NormalizedPaymentEvent) error {
	var ch charge
	if err := decode(ev.Raw, &ch); err != nil {
		return err
	}

	// Partial refunds keep access.
	ev.Status = entitlement.EventPending
	if ch.Refunded {
		ev.Status = entitlement.EventRefunded
	}
	ev.ProviderOrderID = firstNonEmpty(ch.PaymentIntent, ch.ID)
	ev.ProductRef = ch.Metadata["price_id"]
	ev.AmountCents = ch.AmountRefunded
	ev.Currency = ch.Currency
	ev.Metadata = map[string]any{"charge_id": ch.ID}

	if ch.Refunded {
		details, err := p.charge(ctx, ch.ID)
		switch {
		case errors.Is(err, billing.ErrProviderNotConfigured):
			// Without API access only one-off payments can be matched.
		case err != nil:
			return err
		default:
			attribute(ev, details)
		}
	}

	ev.PurchaserEmail = firstNonEmpty(ch.BillingDetails.Email, ch.ReceiptEmail)
	if ev.PurchaserEmail == "" {
		email, err := p.customerEmail(ctx, ch.Customer)
		if err != nil {
			return err
		}
		ev.PurchaserEmail = email
	}
	return nil
}

func (p *Provider) normalizeDispute(ctx context.Context, ev *entitlement.NormalizedPaymentEvent) error {
	var d dispute
	if err := decode(ev.Raw, &d); err != nil {
		return err
	}

	ev.Status = entitlement.EventChargeback
	ev.AmountCents = d.Amount
	ev.Currency = d.Currency
	ev.Metadata = map[string]any{"dispute_id": d.ID, "charge_id": d.Charge, "reason": d.Reason}

	details, err := p.charge(ctx, d.Charge)
	if err != nil {
		return err
	}
	ev.ProviderOrderID = firstNonEmpty(d.PaymentIntent, details.PaymentIntentID, d.Charge)
	attribute(ev, details)
	ev.PurchaserEmail = details.Email
	if ev.PurchaserEmail == "" {
		email, err := p.customerEmail(ctx, details.CustomerID)
		if err != nil {
			return err
		}
		ev.PurchaserEmail = email
	}
	return nil
}

// attribute points a revoke at the transaction that granted access.
// Subscription entitlements are keyed by the subscription id, not by the
// payment intent of the invoice that was refunded or disputed.
func attribute(ev *entitlement.NormalizedPaymentEvent, details *ChargeDetails) {
	if details.SubscriptionID != "" {
		ev.ProviderOrderID = details.SubscriptionID
		ev.Metadata["subscription_id"] = details.SubscriptionID
	}
	if details.InvoiceID != "" {
		ev.Metadata["invoice_id"] = details.InvoiceID
	}
	if ev.ProductRef == "" {
		ev.ProductRef = details.PriceID
	}
}

func decode(raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %w", billing.ErrInvalidWebhookPayload, err)
	}
	return nil
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
