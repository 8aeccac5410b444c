package entitlement

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Provider identifies a payment provider.
type Provider string

const (
	ProviderStripe       Provider = "stripe"
	ProviderPayPal       Provider = "paypal"
	ProviderZaxaa        Provider = "zaxaa"
	ProviderPayKickstart Provider = "paykickstart"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderStripe, ProviderPayPal, ProviderZaxaa, ProviderPayKickstart:
		return true
	default:
		return false
	}
}

// ParseProvider parses a provider name case-insensitively.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown provider %q", ErrInvalidEvent, s)
	}
	return p, nil
}

// BillingType describes whether a product grants access for a billing period
// or forever.
type BillingType string

const (
	BillingSubscription BillingType = "subscription"
	BillingLifetime     BillingType = "lifetime"
)

// Product is a catalog entry.
type Product struct {
	SKU         string         `json:"sku"`
	DisplayName string         `json:"display_name"`
	Tier        string         `json:"tier"`
	Features    map[string]any `json:"features,omitempty"`
	PriceCents  int64          `json:"price_cents"`
	Currency    string         `json:"currency"`
	BillingType BillingType    `json:"billing_type"`
	IsActive    bool           `json:"is_active"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Validate checks the fields required to store a product.
func (p *Product) Validate() error {
	if strings.TrimSpace(p.SKU) == "" {
		return fmt.Errorf("%w: sku is required", ErrInvalidProduct)
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		return fmt.Errorf("%w: display name is required", ErrInvalidProduct)
	}
	switch p.BillingType {
	case BillingSubscription, BillingLifetime:
	default:
		return fmt.Errorf("%w: unknown billing type %q", ErrInvalidProduct, p.BillingType)
	}
	if p.PriceCents < 0 {
		return fmt.Errorf("%w: negative price", ErrInvalidProduct)
	}
	return nil
}

// ProviderMapping translates a provider-side product identifier to a SKU.
// (Provider, ProviderProductID) is unique among active mappings.
type ProviderMapping struct {
	Provider          Provider  `json:"provider"`
	ProviderProductID string    `json:"provider_product_id"`
	ProductSKU        string    `json:"product_sku"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// EventStatus is the normalized payment status carried by an event.
type EventStatus string

const (
	EventPaid       EventStatus = "paid"
	EventPending    EventStatus = "pending"
	EventRefunded   EventStatus = "refunded"
	EventChargeback EventStatus = "chargeback"
	EventCancelled  EventStatus = "cancelled"
	EventTrial      EventStatus = "trial"
)

// Valid reports whether s is a known event status.
func (s EventStatus) Valid() bool {
	switch s {
	case EventPaid, EventPending, EventRefunded, EventChargeback, EventCancelled, EventTrial:
		return true
	default:
		return false
	}
}

// Action is the effect an event has on entitlements.
type Action string

const (
	ActionGrant  Action = "grant"
	ActionRevoke Action = "revoke"
	ActionNoop   Action = "noop"
)

// Classify maps an event status to the action it implies.
func Classify(s EventStatus) Action {
	switch s {
	case EventPaid, EventTrial:
		return ActionGrant
	case EventRefunded, EventChargeback, EventCancelled:
		return ActionRevoke
	default:
		return ActionNoop
	}
}

// PurchaseEvent is the stored, deduplicated record of a provider notification.
// Only ProcessedAt is ever written after insertion, and only once.
type PurchaseEvent struct {
	ID              string          `json:"id"`
	Provider        Provider        `json:"provider"`
	ProviderEventID string          `json:"provider_event_id"`
	ProviderOrderID string          `json:"provider_order_id,omitempty"`
	EventType       string          `json:"event_type"`
	PurchaserEmail  string          `json:"purchaser_email"`
	ProductRef      string          `json:"product_ref,omitempty"`
	ProductSKU      string          `json:"product_sku,omitempty"`
	AmountCents     int64           `json:"amount_cents"`
	Currency        string          `json:"currency,omitempty"`
	Status          EventStatus     `json:"status"`
	Raw             json.RawMessage `json:"raw,omitempty"`
	OccurredAt      time.Time       `json:"occurred_at"`
	ReceivedAt      time.Time       `json:"received_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
}

// Status is the lifecycle state of a user entitlement.
type Status string

const (
	StatusActive     Status = "active"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
	StatusChargeback Status = "chargeback"
	StatusExpired    Status = "expired"
)

// revokedStatus maps a revoking event status to the entitlement status it leaves behind.
func revokedStatus(s EventStatus) Status {
	switch s {
	case EventRefunded:
		return StatusRefunded
	case EventChargeback:
		return StatusChargeback
	default:
		return StatusCancelled
	}
}

// UserEntitlement is the right of a known account to a product.
// At most one exists per (UserID, ProductSKU).
type UserEntitlement struct {
	UserID         string         `json:"user_id"`
	ProductSKU     string         `json:"product_sku"`
	SourceProvider Provider       `json:"source_provider"`
	SourceTxnID    string         `json:"source_txn_id"`
	Status         Status         `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsActive reports whether the entitlement grants access at now.
func (e *UserEntitlement) IsActive(now time.Time) bool {
	if e == nil || e.Status != StatusActive {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// PendingStatus is the lifecycle state of a pending entitlement.
type PendingStatus string

const (
	PendingOpen      PendingStatus = "pending"
	PendingClaimed   PendingStatus = "claimed"
	PendingCancelled PendingStatus = "cancelled"
)

// PendingEntitlement holds an entitlement bought by an email that has no
// account yet. Unique per (PurchaserEmail, ProductSKU); immutable once claimed.
type PendingEntitlement struct {
	ID             string         `json:"id"`
	PurchaserEmail string         `json:"purchaser_email"`
	ProductSKU     string         `json:"product_sku"`
	SourceProvider Provider       `json:"source_provider"`
	SourceTxnID    string         `json:"source_txn_id"`
	Status         PendingStatus  `json:"status"`
	ClaimedBy      string         `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// PendingEntitlementView is a pending entitlement with its product's display data.
type PendingEntitlementView struct {
	PendingEntitlement
	DisplayName string         `json:"display_name"`
	Tier        string         `json:"tier"`
	Features    map[string]any `json:"features,omitempty"`
}

// NormalizedPaymentEvent is what every provider adapter produces.
type NormalizedPaymentEvent struct {
	Provider        Provider
	ProviderEventID string
	ProviderOrderID string
	EventType       string
	PurchaserEmail  string
	// ProductRef is the provider-side product id, resolved through the mapping table.
	ProductRef string
	// SKU is an already-resolved internal SKU. Set only by trusted importers.
	SKU         string
	AmountCents int64
	Currency    string
	Status      EventStatus
	PeriodEnd   *time.Time
	OccurredAt  time.Time
	Raw         json.RawMessage
	Metadata    map[string]any
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Normalize returns a copy with trimmed identifiers and a normalized email.
func (e NormalizedPaymentEvent) Normalize() NormalizedPaymentEvent {
	e.PurchaserEmail = NormalizeEmail(e.PurchaserEmail)
	e.ProviderEventID = strings.TrimSpace(e.ProviderEventID)
	e.ProviderOrderID = strings.TrimSpace(e.ProviderOrderID)
	e.ProductRef = strings.TrimSpace(e.ProductRef)
	e.SKU = strings.TrimSpace(e.SKU)
	e.Currency = strings.ToLower(strings.TrimSpace(e.Currency))
	return e
}

// Validate checks the required fields. The event should be normalized first.
func (e NormalizedPaymentEvent) Validate() error {
	switch {
	case !e.Provider.Valid():
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidEvent, e.Provider)
	case e.ProviderEventID == "":
		return fmt.Errorf("%w: provider event id is required", ErrInvalidEvent)
	case e.PurchaserEmail == "":
		return fmt.Errorf("%w: purchaser email is required", ErrInvalidEvent)
	case !e.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, e.Status)
	case Classify(e.Status) == ActionGrant && e.ProductRef == "" && e.SKU == "":
		return fmt.Errorf("%w: product reference is required for %s events", ErrInvalidEvent, e.Status)
	case e.AmountCents < 0:
		return fmt.Errorf("%w: negative amount", ErrInvalidEvent)
	}
	return nil
}

// txnID is the transaction an event belongs to, falling back to the event id.
func (e NormalizedPaymentEvent) txnID() string {
	if e.ProviderOrderID != "" {
		return e.ProviderOrderID
	}
	return e.ProviderEventID
}

// IngestOutcome is the result variant of an ingest call.
type IngestOutcome string

const (
	OutcomeApplied   IngestOutcome = "applied"
	OutcomeDuplicate IngestOutcome = "duplicate"
	OutcomeUnmapped  IngestOutcome = "unmapped"
	OutcomeNoop      IngestOutcome = "noop"
)

// IngestResult reports what Ingest did. At most one of UserEntitlement and
// Pending is set, and only for OutcomeApplied.
type IngestResult struct {
	Outcome         IngestOutcome
	Action          Action
	Event           *PurchaseEvent
	SKU             string
	UserEntitlement *UserEntitlement
	Pending         *PendingEntitlement
}
