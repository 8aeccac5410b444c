package api

import (
	"time"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// ClaimRequest is the body of POST /claim
type ClaimRequest struct {
	PendingEntitlementID string `json:"pendingEntitlementId" validate:"required,max=64"`
	UserID               string `json:"userId" validate:"required,max=255"`
}

// ClaimAllRequest is the body of POST /claim-all
type ClaimAllRequest struct {
	UserID string `json:"userId" validate:"required,max=255"`
	Email  string `json:"email" validate:"required,email"`
}

// ClaimResponse reports a claim. Error is "already_claimed", "forbidden",
// "not_found" or "temporary_error" when Success is false.
type ClaimResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EntitlementView is a user entitlement with its access state at read time
type EntitlementView struct {
	*entitlement.UserEntitlement
	Active bool `json:"active"`
}

// EntitlementsResponse lists the entitlements of a user
type EntitlementsResponse struct {
	UserID       string            `json:"user_id"`
	Entitlements []EntitlementView `json:"entitlements"`
	Features     map[string]any    `json:"features"`
	CheckedAt    time.Time         `json:"checked_at"`
}

// AccessResponse is the body of GET /access/{sku}
type AccessResponse struct {
	SKU       string `json:"sku"`
	HasAccess bool   `json:"has_access"`
}

// CheckoutResponse is the body of POST /checkout
type CheckoutResponse struct {
	URL string `json:"url"`
}

// ProductRequest creates or updates a catalog product
type ProductRequest struct {
	SKU         string         `json:"sku" validate:"required,max=100"`
	DisplayName string         `json:"display_name" validate:"required,max=200"`
	Tier        string         `json:"tier" validate:"max=50"`
	Features    map[string]any `json:"features"`
	PriceCents  int64          `json:"price_cents" validate:"min=0"`
	Currency    string         `json:"currency" validate:"omitempty,len=3"`
	BillingType string         `json:"billing_type" validate:"required,oneof=subscription lifetime"`
	IsActive    *bool          `json:"is_active"`
}

// MappingRequest creates or re-points a provider mapping
type MappingRequest struct {
	Provider          string `json:"provider" validate:"required,oneof=stripe paypal zaxaa paykickstart"`
	ProviderProductID string `json:"provider_product_id" validate:"required,max=255"`
	ProductSKU        string `json:"product_sku" validate:"required,max=100"`
}

// DeactivateMappingRequest deactivates the active mapping of a provider product
type DeactivateMappingRequest struct {
	Provider          string `json:"provider" validate:"required,oneof=stripe paypal zaxaa paykickstart"`
	ProviderProductID string `json:"provider_product_id" validate:"required"`
}
