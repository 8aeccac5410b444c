// Package firestore provides a Firestore implementation of entitlement.Storage.
//
// Uniqueness constraints that the postgres schema enforces with indexes are
// enforced here through deterministic document ids: events are keyed by
// (provider, provider event id), entitlements by (user id, sku), pending
// entitlements by (email, sku) and mappings by (provider, provider product id).
package firestore

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// Storage implements entitlement.Storage using Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	productsCollection     string
	mappingsCollection     string
	eventsCollection       string
	entitlementsCollection string
	pendingCollection      string
}

var _ entitlement.Storage = (*Storage)(nil)

// Config holds Firestore storage configuration
type Config struct {
	// ProductsCollection is the collection for catalog products
	// Default: "entitlement_products"
	ProductsCollection string

	// MappingsCollection is the collection for provider product mappings
	// Default: "entitlement_mappings"
	MappingsCollection string

	// EventsCollection is the collection for purchase events
	// Default: "purchase_events"
	EventsCollection string

	// EntitlementsCollection is the collection for user entitlements
	// Default: "user_entitlements"
	EntitlementsCollection string

	// PendingCollection is the collection for pending entitlements
	// Default: "pending_entitlements"
	PendingCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.ProductsCollection == "" {
		config.ProductsCollection = "entitlement_products"
	}
	if config.MappingsCollection == "" {
		config.MappingsCollection = "entitlement_mappings"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "purchase_events"
	}
	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "user_entitlements"
	}
	if config.PendingCollection == "" {
		config.PendingCollection = "pending_entitlements"
	}

	return &Storage{
		client:                 client,
		productsCollection:     config.ProductsCollection,
		mappingsCollection:     config.MappingsCollection,
		eventsCollection:       config.EventsCollection,
		entitlementsCollection: config.EntitlementsCollection,
		pendingCollection:      config.PendingCollection,
	}, nil
}

// GetProduct implements entitlement.Catalog
func (s *Storage) GetProduct(ctx context.Context, sku string) (*entitlement.Product, error) {
	snap, err := s.client.Collection(s.productsCollection).Doc(docID(sku)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return productFrom(snap.Data()), nil
}

// ListProducts implements entitlement.Catalog
func (s *Storage) ListProducts(ctx context.Context, includeInactive bool) ([]*entitlement.Product, error) {
	q := s.client.Collection(s.productsCollection).Query
	if !includeInactive {
		q = q.Where("is_active", "==", true)
	}
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	out := make([]*entitlement.Product, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, productFrom(snap.Data()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

// UpsertProduct implements entitlement.Catalog
func (s *Storage) UpsertProduct(ctx context.Context, p *entitlement.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}

	ref := s.client.Collection(s.productsCollection).Doc(docID(p.SKU))
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		now := time.Now().UTC()
		createdAt := now
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to read product: %w", err)
		}
		if snap != nil && snap.Exists() {
			createdAt = getTime(snap.Data(), "created_at")
		}

		return tx.Set(ref, map[string]interface{}{
			"sku":          p.SKU,
			"display_name": p.DisplayName,
			"tier":         p.Tier,
			"features":     p.Features,
			"price_cents":  p.PriceCents,
			"currency":     p.Currency,
			"billing_type": string(p.BillingType),
			"is_active":    p.IsActive,
			"created_at":   createdAt,
			"updated_at":   now,
		})
	})
}

// DeactivateProduct implements entitlement.Catalog
func (s *Storage) DeactivateProduct(ctx context.Context, sku string) error {
	_, err := s.client.Collection(s.productsCollection).Doc(docID(sku)).Update(ctx, []firestore.Update{
		{Path: "is_active", Value: false},
		{Path: "updated_at", Value: time.Now().UTC()},
	})
	if status.Code(err) == codes.NotFound {
		return entitlement.ErrProductNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to deactivate product: %w", err)
	}
	return nil
}

// ResolveMapping implements entitlement.Catalog
func (s *Storage) ResolveMapping(ctx context.Context, provider entitlement.Provider, providerProductID string) (*entitlement.ProviderMapping, error) {
	snap, err := s.client.Collection(s.mappingsCollection).Doc(docID(string(provider), providerProductID)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrMappingNotFound
		}
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	m := mappingFrom(snap.Data())
	if !m.IsActive {
		return nil, entitlement.ErrMappingNotFound
	}
	return m, nil
}

// ListMappings implements entitlement.Catalog
func (s *Storage) ListMappings(ctx context.Context) ([]*entitlement.ProviderMapping, error) {
	snaps, err := s.client.Collection(s.mappingsCollection).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}

	out := make([]*entitlement.ProviderMapping, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, mappingFrom(snap.Data()))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ProviderProductID < out[j].ProviderProductID
	})
	return out, nil
}

// UpsertMapping implements entitlement.Catalog. A deactivated mapping for the
// same provider product id is reactivated in place.
func (s *Storage) UpsertMapping(ctx context.Context, m *entitlement.ProviderMapping) error {
	if m == nil || !m.Provider.Valid() || m.ProviderProductID == "" || m.ProductSKU == "" {
		return fmt.Errorf("invalid provider mapping")
	}

	productRef := s.client.Collection(s.productsCollection).Doc(docID(m.ProductSKU))
	ref := s.client.Collection(s.mappingsCollection).Doc(docID(string(m.Provider), m.ProviderProductID))
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(productRef); err != nil {
			if status.Code(err) == codes.NotFound {
				return entitlement.ErrProductNotFound
			}
			return fmt.Errorf("failed to read product: %w", err)
		}

		now := time.Now().UTC()
		createdAt := now
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to read mapping: %w", err)
		}
		if snap != nil && snap.Exists() {
			createdAt = getTime(snap.Data(), "created_at")
		}

		return tx.Set(ref, map[string]interface{}{
			"provider":            string(m.Provider),
			"provider_product_id": m.ProviderProductID,
			"product_sku":         m.ProductSKU,
			"is_active":           true,
			"created_at":          createdAt,
			"updated_at":          now,
		})
	})
}

// DeactivateMapping implements entitlement.Catalog
func (s *Storage) DeactivateMapping(ctx context.Context, provider entitlement.Provider, providerProductID string) error {
	ref := s.client.Collection(s.mappingsCollection).Doc(docID(string(provider), providerProductID))
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return entitlement.ErrMappingNotFound
			}
			return fmt.Errorf("failed to read mapping: %w", err)
		}
		if !getBool(snap.Data(), "is_active") {
			return entitlement.ErrMappingNotFound
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "is_active", Value: false},
			{Path: "updated_at", Value: time.Now().UTC()},
		})
	})
}

// InsertEvent implements entitlement.EventStore
func (s *Storage) InsertEvent(ctx context.Context, ev *entitlement.PurchaseEvent) (*entitlement.PurchaseEvent, bool, error) {
	if ev == nil || ev.ProviderEventID == "" {
		return nil, false, fmt.Errorf("invalid purchase event")
	}

	ref := s.eventRef(ev.Provider, ev.ProviderEventID)
	_, err := ref.Create(ctx, eventData(ev))
	if err == nil {
		evCopy := *ev
		return &evCopy, true, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return nil, false, fmt.Errorf("failed to insert purchase event: %w", err)
	}

	snap, err := ref.Get(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read purchase event: %w", err)
	}
	return eventFrom(snap.Data()), false, nil
}

// LockEvent implements entitlement.EventStore
func (s *Storage) LockEvent(ctx context.Context, provider entitlement.Provider, providerEventID string, now, until time.Time) (bool, error) {
	ref := s.eventRef(provider, providerEventID)
	locked := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		locked = false
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("purchase event %s/%s not found", provider, providerEventID)
			}
			return fmt.Errorf("failed to read purchase event: %w", err)
		}
		data := snap.Data()
		if getTimePtr(data, "processed_at") != nil {
			return nil
		}
		if held := getTimePtr(data, "locked_until"); held != nil && held.After(now) {
			return nil
		}
		locked = true
		return tx.Update(ref, []firestore.Update{{Path: "locked_until", Value: until}})
	})
	if err != nil {
		return false, err
	}
	return locked, nil
}

// UnlockEvent implements entitlement.EventStore
func (s *Storage) UnlockEvent(ctx context.Context, provider entitlement.Provider, providerEventID string) error {
	_, err := s.eventRef(provider, providerEventID).Update(ctx, []firestore.Update{
		{Path: "locked_until", Value: firestore.Delete},
	})
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to unlock purchase event: %w", err)
	}
	return nil
}

// MarkEventProcessed implements entitlement.EventStore
func (s *Storage) MarkEventProcessed(ctx context.Context, provider entitlement.Provider, providerEventID string, at time.Time) error {
	ref := s.eventRef(provider, providerEventID)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("purchase event %s/%s not found", provider, providerEventID)
			}
			return fmt.Errorf("failed to read purchase event: %w", err)
		}
		updates := []firestore.Update{{Path: "locked_until", Value: firestore.Delete}}
		if getTimePtr(snap.Data(), "processed_at") == nil {
			updates = append(updates, firestore.Update{Path: "processed_at", Value: at})
		}
		return tx.Update(ref, updates)
	})
}

func (s *Storage) eventRef(provider entitlement.Provider, providerEventID string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(docID(string(provider), providerEventID))
}

// GetUserEntitlement implements entitlement.EntitlementStore
func (s *Storage) GetUserEntitlement(ctx context.Context, userID, sku string) (*entitlement.UserEntitlement, error) {
	snap, err := s.entitlementRef(userID, sku).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return entitlementFrom(snap.Data()), nil
}

// ListUserEntitlements implements entitlement.EntitlementStore
func (s *Storage) ListUserEntitlements(ctx context.Context, userID string) ([]*entitlement.UserEntitlement, error) {
	return s.queryEntitlements(ctx, s.client.Collection(s.entitlementsCollection).
		Where("user_id", "==", userID))
}

// FindUserEntitlementsBySource implements entitlement.EntitlementStore
func (s *Storage) FindUserEntitlementsBySource(ctx context.Context, provider entitlement.Provider, txnID string) ([]*entitlement.UserEntitlement, error) {
	return s.queryEntitlements(ctx, s.client.Collection(s.entitlementsCollection).
		Where("source_provider", "==", string(provider)).
		Where("source_txn_id", "==", txnID))
}

func (s *Storage) queryEntitlements(ctx context.Context, q firestore.Query) ([]*entitlement.UserEntitlement, error) {
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query entitlements: %w", err)
	}

	out := make([]*entitlement.UserEntitlement, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, entitlementFrom(snap.Data()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductSKU < out[j].ProductSKU })
	return out, nil
}

// UpsertUserEntitlement implements entitlement.EntitlementStore
func (s *Storage) UpsertUserEntitlement(ctx context.Context, ent *entitlement.UserEntitlement) error {
	if ent == nil || ent.UserID == "" || ent.ProductSKU == "" {
		return fmt.Errorf("invalid entitlement")
	}
	if _, err := s.entitlementRef(ent.UserID, ent.ProductSKU).Set(ctx, entitlementData(ent)); err != nil {
		return fmt.Errorf("failed to store entitlement: %w", err)
	}
	return nil
}

func (s *Storage) entitlementRef(userID, sku string) *firestore.DocumentRef {
	return s.client.Collection(s.entitlementsCollection).Doc(docID(userID, sku))
}

// GetPendingEntitlement implements entitlement.EntitlementStore
func (s *Storage) GetPendingEntitlement(ctx context.Context, id string) (*entitlement.PendingEntitlement, error) {
	snaps, err := s.client.Collection(s.pendingCollection).Where("id", "==", id).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending entitlement: %w", err)
	}
	if len(snaps) == 0 {
		return nil, entitlement.ErrPendingNotFound
	}
	return pendingFrom(snaps[0].Data()), nil
}

// FindPendingEntitlement implements entitlement.EntitlementStore
func (s *Storage) FindPendingEntitlement(ctx context.Context, email, sku string) (*entitlement.PendingEntitlement, error) {
	snap, err := s.pendingRef(email, sku).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrPendingNotFound
		}
		return nil, fmt.Errorf("failed to get pending entitlement: %w", err)
	}
	return pendingFrom(snap.Data()), nil
}

// FindPendingBySource implements entitlement.EntitlementStore
func (s *Storage) FindPendingBySource(ctx context.Context, provider entitlement.Provider, txnID string) ([]*entitlement.PendingEntitlement, error) {
	snaps, err := s.client.Collection(s.pendingCollection).
		Where("source_provider", "==", string(provider)).
		Where("source_txn_id", "==", txnID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entitlements: %w", err)
	}

	out := make([]*entitlement.PendingEntitlement, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, pendingFrom(snap.Data()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductSKU < out[j].ProductSKU })
	return out, nil
}

// ListPendingEntitlements implements entitlement.EntitlementStore
func (s *Storage) ListPendingEntitlements(ctx context.Context, email string, st entitlement.PendingStatus) ([]*entitlement.PendingEntitlement, error) {
	snaps, err := s.client.Collection(s.pendingCollection).
		Where("purchaser_email", "==", entitlement.NormalizeEmail(email)).
		Where("status", "==", string(st)).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entitlements: %w", err)
	}

	out := make([]*entitlement.PendingEntitlement, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, pendingFrom(snap.Data()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpsertPendingEntitlement implements entitlement.EntitlementStore
func (s *Storage) UpsertPendingEntitlement(ctx context.Context, p *entitlement.PendingEntitlement) (*entitlement.PendingEntitlement, error) {
	if p == nil || p.PurchaserEmail == "" || p.ProductSKU == "" {
		return nil, fmt.Errorf("invalid pending entitlement")
	}

	ref := s.pendingRef(p.PurchaserEmail, p.ProductSKU)
	var stored entitlement.PendingEntitlement
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stored = *p
		stored.PurchaserEmail = entitlement.NormalizeEmail(p.PurchaserEmail)

		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to read pending entitlement: %w", err)
		}
		if snap != nil && snap.Exists() {
			existing := pendingFrom(snap.Data())
			if existing.Status == entitlement.PendingClaimed {
				return entitlement.ErrPendingImmutable
			}
			stored.ID = existing.ID
			stored.CreatedAt = existing.CreatedAt
		} else if stored.ID == "" {
			return fmt.Errorf("pending entitlement id is required")
		}

		return tx.Set(ref, pendingData(&stored))
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// ClaimPendingEntitlement implements entitlement.EntitlementStore
func (s *Storage) ClaimPendingEntitlement(ctx context.Context, pendingID, userID string, ent *entitlement.UserEntitlement, at time.Time) error {
	if ent == nil || ent.UserID != userID {
		return fmt.Errorf("invalid entitlement")
	}

	q := s.client.Collection(s.pendingCollection).Where("id", "==", pendingID).Limit(1)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.Documents(q).GetAll()
		if err != nil {
			return fmt.Errorf("failed to read pending entitlement: %w", err)
		}
		if len(snaps) == 0 {
			return entitlement.ErrPendingNotFound
		}
		switch entitlement.PendingStatus(getString(snaps[0].Data(), "status")) {
		case entitlement.PendingClaimed:
			return entitlement.ErrAlreadyClaimed
		case entitlement.PendingCancelled:
			return entitlement.ErrPendingCancelled
		}

		if err := tx.Set(s.entitlementRef(ent.UserID, ent.ProductSKU), entitlementData(ent)); err != nil {
			return err
		}
		return tx.Update(snaps[0].Ref, []firestore.Update{
			{Path: "status", Value: string(entitlement.PendingClaimed)},
			{Path: "claimed_by", Value: userID},
			{Path: "claimed_at", Value: at},
			{Path: "updated_at", Value: at},
		})
	})
}

// ExpireLapsed implements entitlement.EntitlementStore. Each row is updated
// with a last-update precondition so a concurrent renewal is never
// overwritten; such rows are skipped until the next sweep.
func (s *Storage) ExpireLapsed(ctx context.Context, now time.Time) (int, error) {
	snaps, err := s.client.Collection(s.entitlementsCollection).
		Where("status", "==", string(entitlement.StatusActive)).
		Where("expires_at", "<=", now).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("failed to query lapsed entitlements: %w", err)
	}

	n := 0
	for _, snap := range snaps {
		_, err := snap.Ref.Update(ctx, []firestore.Update{
			{Path: "status", Value: string(entitlement.StatusExpired)},
			{Path: "updated_at", Value: now},
		}, firestore.LastUpdateTime(snap.UpdateTime))
		switch status.Code(err) {
		case codes.OK:
			n++
		case codes.FailedPrecondition, codes.NotFound:
		default:
			return n, fmt.Errorf("failed to expire entitlement: %w", err)
		}
	}
	return n, nil
}

func (s *Storage) pendingRef(email, sku string) *firestore.DocumentRef {
	return s.client.Collection(s.pendingCollection).Doc(docID(entitlement.NormalizeEmail(email), sku))
}

// docID builds a document id from key parts. Each part is query-escaped so
// the result never contains a slash and the separator cannot collide.
func docID(parts ...string) string {
	id := ""
	for i, part := range parts {
		if i > 0 {
			id += "|"
		}
		id += url.QueryEscape(part)
	}
	return id
}

func productFrom(data map[string]interface{}) *entitlement.Product {
	return &entitlement.Product{
		SKU:         getString(data, "sku"),
		DisplayName: getString(data, "display_name"),
		Tier:        getString(data, "tier"),
		Features:    getMap(data, "features"),
		PriceCents:  getInt64(data, "price_cents"),
		Currency:    getString(data, "currency"),
		BillingType: entitlement.BillingType(getString(data, "billing_type")),
		IsActive:    getBool(data, "is_active"),
		CreatedAt:   getTime(data, "created_at"),
		UpdatedAt:   getTime(data, "updated_at"),
	}
}

func mappingFrom(data map[string]interface{}) *entitlement.ProviderMapping {
	return &entitlement.ProviderMapping{
		Provider:          entitlement.Provider(getString(data, "provider")),
		ProviderProductID: getString(data, "provider_product_id"),
		ProductSKU:        getString(data, "product_sku"),
		IsActive:          getBool(data, "is_active"),
		CreatedAt:         getTime(data, "created_at"),
		UpdatedAt:         getTime(data, "updated_at"),
	}
}

func eventData(ev *entitlement.PurchaseEvent) map[string]interface{} {
	return map[string]interface{}{
		"id":                ev.ID,
		"provider":          string(ev.Provider),
		"provider_event_id": ev.ProviderEventID,
		"provider_order_id": ev.ProviderOrderID,
		"event_type":        ev.EventType,
		"purchaser_email":   ev.PurchaserEmail,
		"product_ref":       ev.ProductRef,
		"product_sku":       ev.ProductSKU,
		"amount_cents":      ev.AmountCents,
		"currency":          ev.Currency,
		"status":            string(ev.Status),
		"raw":               []byte(ev.Raw),
		"occurred_at":       ev.OccurredAt,
		"received_at":       ev.ReceivedAt,
		"processed_at":      timeOrNil(ev.ProcessedAt),
	}
}

func eventFrom(data map[string]interface{}) *entitlement.PurchaseEvent {
	ev := &entitlement.PurchaseEvent{
		ID:              getString(data, "id"),
		Provider:        entitlement.Provider(getString(data, "provider")),
		ProviderEventID: getString(data, "provider_event_id"),
		ProviderOrderID: getString(data, "provider_order_id"),
		EventType:       getString(data, "event_type"),
		PurchaserEmail:  getString(data, "purchaser_email"),
		ProductRef:      getString(data, "product_ref"),
		ProductSKU:      getString(data, "product_sku"),
		AmountCents:     getInt64(data, "amount_cents"),
		Currency:        getString(data, "currency"),
		Status:          entitlement.EventStatus(getString(data, "status")),
		OccurredAt:      getTime(data, "occurred_at"),
		ReceivedAt:      getTime(data, "received_at"),
		ProcessedAt:     getTimePtr(data, "processed_at"),
	}
	if raw, ok := data["raw"].([]byte); ok {
		ev.Raw = raw
	}
	return ev
}

func entitlementData(ent *entitlement.UserEntitlement) map[string]interface{} {
	return map[string]interface{}{
		"user_id":         ent.UserID,
		"product_sku":     ent.ProductSKU,
		"source_provider": string(ent.SourceProvider),
		"source_txn_id":   ent.SourceTxnID,
		"status":          string(ent.Status),
		"started_at":      ent.StartedAt,
		"expires_at":      timeOrNil(ent.ExpiresAt),
		"metadata":        ent.Metadata,
		"updated_at":      ent.UpdatedAt,
	}
}

func entitlementFrom(data map[string]interface{}) *entitlement.UserEntitlement {
	return &entitlement.UserEntitlement{
		UserID:         getString(data, "user_id"),
		ProductSKU:     getString(data, "product_sku"),
		SourceProvider: entitlement.Provider(getString(data, "source_provider")),
		SourceTxnID:    getString(data, "source_txn_id"),
		Status:         entitlement.Status(getString(data, "status")),
		StartedAt:      getTime(data, "started_at"),
		ExpiresAt:      getTimePtr(data, "expires_at"),
		Metadata:       getMap(data, "metadata"),
		UpdatedAt:      getTime(data, "updated_at"),
	}
}

func pendingData(p *entitlement.PendingEntitlement) map[string]interface{} {
	return map[string]interface{}{
		"id":              p.ID,
		"purchaser_email": p.PurchaserEmail,
		"product_sku":     p.ProductSKU,
		"source_provider": string(p.SourceProvider),
		"source_txn_id":   p.SourceTxnID,
		"status":          string(p.Status),
		"claimed_by":      p.ClaimedBy,
		"claimed_at":      timeOrNil(p.ClaimedAt),
		"expires_at":      timeOrNil(p.ExpiresAt),
		"metadata":        p.Metadata,
		"created_at":      p.CreatedAt,
		"updated_at":      p.UpdatedAt,
	}
}

func pendingFrom(data map[string]interface{}) *entitlement.PendingEntitlement {
	return &entitlement.PendingEntitlement{
		ID:             getString(data, "id"),
		PurchaserEmail: getString(data, "purchaser_email"),
		ProductSKU:     getString(data, "product_sku"),
		SourceProvider: entitlement.Provider(getString(data, "source_provider")),
		SourceTxnID:    getString(data, "source_txn_id"),
		Status:         entitlement.PendingStatus(getString(data, "status")),
		ClaimedBy:      getString(data, "claimed_by"),
		ClaimedAt:      getTimePtr(data, "claimed_at"),
		ExpiresAt:      getTimePtr(data, "expires_at"),
		Metadata:       getMap(data, "metadata"),
		CreatedAt:      getTime(data, "created_at"),
		UpdatedAt:      getTime(data, "updated_at"),
	}
}

// timeOrNil stores absent timestamps as null so range queries skip them.
func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok {
		return &v
	}
	return nil
}

func getMap(data map[string]interface{}, key string) map[string]any {
	if v, ok := data[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}
