package entitlement

import (
	"context"
	"time"
)

// Catalog stores products and provider mappings.
type Catalog interface {
	// GetProduct returns the product or ErrProductNotFound.
	GetProduct(ctx context.Context, sku string) (*Product, error)

	// ListProducts returns products ordered by SKU.
	ListProducts(ctx context.Context, includeInactive bool) ([]*Product, error)

	// UpsertProduct creates or updates a product keyed by SKU.
	UpsertProduct(ctx context.Context, p *Product) error

	// DeactivateProduct marks a product inactive. Products are never deleted.
	DeactivateProduct(ctx context.Context, sku string) error

	// ResolveMapping returns the active mapping for a provider product id
	// or ErrMappingNotFound.
	ResolveMapping(ctx context.Context, provider Provider, providerProductID string) (*ProviderMapping, error)

	// ListMappings returns every mapping, active or not.
	ListMappings(ctx context.Context) ([]*ProviderMapping, error)

	// UpsertMapping creates or re-points the active mapping for
	// (provider, provider product id). Returns ErrProductNotFound for unknown SKUs.
	UpsertMapping(ctx context.Context, m *ProviderMapping) error

	// DeactivateMapping deactivates the active mapping for a provider product id.
	DeactivateMapping(ctx context.Context, provider Provider, providerProductID string) error
}

// EventStore is the append-only purchase event log.
type EventStore interface {
	// InsertEvent stores ev unless (provider, provider_event_id) already exists.
	// It returns the stored record and whether this call inserted it.
	InsertEvent(ctx context.Context, ev *PurchaseEvent) (*PurchaseEvent, bool, error)

	// LockEvent leases an unprocessed event to the caller until until. It
	// returns false when the event is already processed or another caller
	// holds a lease that has not lapsed at now.
	LockEvent(ctx context.Context, provider Provider, providerEventID string, now, until time.Time) (bool, error)

	// UnlockEvent drops the lease of an event that failed to apply.
	UnlockEvent(ctx context.Context, provider Provider, providerEventID string) error

	// MarkEventProcessed stamps processed_at if it is not set yet.
	MarkEventProcessed(ctx context.Context, provider Provider, providerEventID string, at time.Time) error
}

// EntitlementStore stores active and pending entitlements.
type EntitlementStore interface {
	// GetUserEntitlement returns the entitlement or ErrEntitlementNotFound.
	GetUserEntitlement(ctx context.Context, userID, sku string) (*UserEntitlement, error)

	// ListUserEntitlements returns every entitlement of a user in any status.
	ListUserEntitlements(ctx context.Context, userID string) ([]*UserEntitlement, error)

	// FindUserEntitlementsBySource returns entitlements granted by a provider transaction.
	FindUserEntitlementsBySource(ctx context.Context, provider Provider, txnID string) ([]*UserEntitlement, error)

	// UpsertUserEntitlement creates or replaces the row for (user_id, product_sku).
	UpsertUserEntitlement(ctx context.Context, ent *UserEntitlement) error

	// GetPendingEntitlement returns the pending entitlement or ErrPendingNotFound.
	GetPendingEntitlement(ctx context.Context, id string) (*PendingEntitlement, error)

	// FindPendingEntitlement returns the row for (email, sku) or ErrPendingNotFound.
	FindPendingEntitlement(ctx context.Context, email, sku string) (*PendingEntitlement, error)

	// FindPendingBySource returns pending entitlements created by a provider transaction.
	FindPendingBySource(ctx context.Context, provider Provider, txnID string) ([]*PendingEntitlement, error)

	// ListPendingEntitlements returns the rows of an email in the given status.
	ListPendingEntitlements(ctx context.Context, email string, status PendingStatus) ([]*PendingEntitlement, error)

	// UpsertPendingEntitlement creates or updates the row for (email, sku) and
	// returns the stored row. Claimed rows are left untouched and
	// ErrPendingImmutable is returned.
	UpsertPendingEntitlement(ctx context.Context, p *PendingEntitlement) (*PendingEntitlement, error)

	// ClaimPendingEntitlement writes ent and marks the pending row claimed by
	// userID as one unit. It fails with ErrPendingNotFound, ErrAlreadyClaimed or
	// ErrPendingCancelled without writing anything.
	ClaimPendingEntitlement(ctx context.Context, pendingID, userID string, ent *UserEntitlement, at time.Time) error

	// ExpireLapsed moves active entitlements whose expires_at is before now to
	// expired and returns how many rows changed.
	ExpireLapsed(ctx context.Context, now time.Time) (int, error)
}

// Storage is everything the engine and claim flow persist.
type Storage interface {
	Catalog
	EventStore
	EntitlementStore
}
