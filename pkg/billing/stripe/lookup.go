package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing"
)

// Lookup fetches the details a webhook payload does not carry.
type Lookup interface {
	// CustomerEmail returns the email of a customer, or billing.ErrResourceNotFound.
	CustomerEmail(ctx context.Context, customerID string) (string, error)

	// Charge returns the parts of a charge needed to attribute a refund or
	// dispute to the purchase that granted access.
	Charge(ctx context.Context, chargeID string) (*ChargeDetails, error)

	// SessionPriceID returns the price of the first line item of a checkout session.
	SessionPriceID(ctx context.Context, sessionID string) (string, error)
}

// ChargeDetails is the subset of a Stripe charge used during normalization.
type ChargeDetails struct {
	Email           string
	PaymentIntentID string
	CustomerID      string

	// Set when the charge paid a subscription invoice.
	InvoiceID      string
	SubscriptionID string

	// PriceID comes from the price_id metadata stamped at checkout, or the
	// first invoice line.
	PriceID string
}

// ClientLookup implements Lookup with the Stripe API.
type ClientLookup struct {
	client *stripe.Client
}

// NewClientLookup returns a Lookup backed by client.
func NewClientLookup(client *stripe.Client) *ClientLookup {
	return &ClientLookup{client: client}
}

// CustomerEmail implements Lookup
func (l *ClientLookup) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	cust, err := l.client.V1Customers.Retrieve(ctx, customerID, nil)
	if err != nil {
		return "", mapStripeError(err)
	}
	if cust.Deleted {
		return "", billing.ErrResourceNotFound
	}
	return cust.Email, nil
}

// Charge implements Lookup
func (l *ClientLookup) Charge(ctx context.Context, chargeID string) (*ChargeDetails, error) {
	params := &stripe.ChargeRetrieveParams{}
	params.AddExpand("payment_intent")
	ch, err := l.client.V1Charges.Retrieve(ctx, chargeID, params)
	if err != nil {
		return nil, mapStripeError(err)
	}

	details := &ChargeDetails{Email: ch.ReceiptEmail, PriceID: ch.Metadata["price_id"]}
	if ch.BillingDetails != nil && ch.BillingDetails.Email != "" {
		details.Email = ch.BillingDetails.Email
	}
	if ch.PaymentIntent != nil {
		details.PaymentIntentID = ch.PaymentIntent.ID
		if details.PriceID == "" {
			details.PriceID = ch.PaymentIntent.Metadata["price_id"]
		}
	}
	if ch.Customer != nil {
		details.CustomerID = ch.Customer.ID
	}

	if details.PaymentIntentID != "" {
		if err := l.invoiceOf(ctx, details); err != nil {
			return nil, err
		}
	}
	return details, nil
}

// invoiceOf fills the invoice and subscription paid by the charge's payment
// intent. One-off payments have no invoice and are left untouched.
func (l *ClientLookup) invoiceOf(ctx context.Context, details *ChargeDetails) error {
	params := &stripe.InvoicePaymentListParams{
		Payment: &stripe.InvoicePaymentListPaymentParams{
			Type:          stripe.String("payment_intent"),
			PaymentIntent: stripe.String(details.PaymentIntentID),
		},
	}
	params.Limit = stripe.Int64(1)
	params.AddExpand("data.invoice")

	for payment, err := range l.client.V1InvoicePayments.List(ctx, params) {
		if err != nil {
			return mapStripeError(err)
		}
		inv := payment.Invoice
		if inv == nil {
			continue
		}

		details.InvoiceID = inv.ID
		if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
			sub := inv.Parent.SubscriptionDetails
			if sub.Subscription != nil {
				details.SubscriptionID = sub.Subscription.ID
			}
			if details.PriceID == "" {
				details.PriceID = sub.Metadata["price_id"]
			}
		}
		if details.PriceID == "" && inv.Lines != nil && len(inv.Lines.Data) > 0 {
			if pricing := inv.Lines.Data[0].Pricing; pricing != nil && pricing.PriceDetails != nil {
				details.PriceID = pricing.PriceDetails.Price
			}
		}
		return nil
	}
	return nil
}

// SessionPriceID implements Lookup
func (l *ClientLookup) SessionPriceID(ctx context.Context, sessionID string) (string, error) {
	params := &stripe.CheckoutSessionListLineItemsParams{Session: stripe.String(sessionID)}
	params.Limit = stripe.Int64(1)

	for item, err := range l.client.V1CheckoutSessions.ListLineItems(ctx, params) {
		if err != nil {
			return "", mapStripeError(err)
		}
		if item.Price != nil {
			return item.Price.ID, nil
		}
	}
	return "", nil
}

func mapStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", billing.ErrResourceNotFound, stripeErr.Msg)
	}
	return err
}

// unavailableLookup is used when no API key is configured.
type unavailableLookup struct{}

func (unavailableLookup) CustomerEmail(context.Context, string) (string, error) {
	return "", billing.ErrProviderNotConfigured
}

func (unavailableLookup) Charge(context.Context, string) (*ChargeDetails, error) {
	return nil, billing.ErrProviderNotConfigured
}

func (unavailableLookup) SessionPriceID(context.Context, string) (string, error) {
	return "", billing.ErrProviderNotConfigured
}

// call runs one lookup bounded by the configured timeout and records it.
func (p *Provider) call(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.LookupTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)

	status := "success"
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = "timeout"
	case errors.Is(err, billing.ErrResourceNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))

	if err != nil && !errors.Is(err, billing.ErrResourceNotFound) {
		return fmt.Errorf("%w: %s: %w", billing.ErrProviderAPIError, endpoint, err)
	}
	return err
}

func (p *Provider) customerEmail(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", nil
	}
	var email string
	err := p.call(ctx, "customers.retrieve", func(ctx context.Context) error {
		var err error
		email, err = p.lookup.CustomerEmail(ctx, customerID)
		return err
	})
	if errors.Is(err, billing.ErrResourceNotFound) {
		return "", nil
	}
	return email, err
}

func (p *Provider) charge(ctx context.Context, chargeID string) (*ChargeDetails, error) {
	var details *ChargeDetails
	err := p.call(ctx, "charges.retrieve", func(ctx context.Context) error {
		var err error
		details, err = p.lookup.Charge(ctx, chargeID)
		return err
	})
	if errors.Is(err, billing.ErrResourceNotFound) {
		return &ChargeDetails{}, nil
	}
	return details, err
}

func (p *Provider) sessionPriceID(ctx context.Context, sessionID string) (string, error) {
	var priceID string
	err := p.call(ctx, "checkout.sessions.line_items", func(ctx context.Context) error {
		var err error
		priceID, err = p.lookup.SessionPriceID(ctx, sessionID)
		return err
	})
	if errors.Is(err, billing.ErrResourceNotFound) {
		return "", nil
	}
	return priceID, err
}
