// Package memory provides an in-memory implementation of entitlement.Storage.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// Storage implements entitlement.Storage using in-memory maps
type Storage struct {
	mu           sync.RWMutex
	products     map[string]*entitlement.Product
	mappings     []*entitlement.ProviderMapping
	events       map[string]*entitlement.PurchaseEvent
	leases       map[string]time.Time
	entitlements map[string]*entitlement.UserEntitlement
	pending      map[string]*entitlement.PendingEntitlement
	pendingByKey map[string]string
}

var _ entitlement.Storage = (*Storage)(nil)

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		products:     make(map[string]*entitlement.Product),
		events:       make(map[string]*entitlement.PurchaseEvent),
		leases:       make(map[string]time.Time),
		entitlements: make(map[string]*entitlement.UserEntitlement),
		pending:      make(map[string]*entitlement.PendingEntitlement),
		pendingByKey: make(map[string]string),
	}
}

// GetProduct implements entitlement.Catalog
func (s *Storage) GetProduct(ctx context.Context, sku string) (*entitlement.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[sku]
	if !ok {
		return nil, entitlement.ErrProductNotFound
	}
	return copyProduct(p), nil
}

// ListProducts implements entitlement.Catalog
func (s *Storage) ListProducts(ctx context.Context, includeInactive bool) ([]*entitlement.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entitlement.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.IsActive || includeInactive {
			out = append(out, copyProduct(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

// UpsertProduct implements entitlement.Catalog
func (s *Storage) UpsertProduct(ctx context.Context, p *entitlement.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	stored := copyProduct(p)
	stored.UpdatedAt = now
	if existing, ok := s.products[p.SKU]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	s.products[p.SKU] = stored
	return nil
}

// DeactivateProduct implements entitlement.Catalog
func (s *Storage) DeactivateProduct(ctx context.Context, sku string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[sku]
	if !ok {
		return entitlement.ErrProductNotFound
	}
	p.IsActive = false
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ResolveMapping implements entitlement.Catalog
func (s *Storage) ResolveMapping(ctx context.Context, provider entitlement.Provider, providerProductID string) (*entitlement.ProviderMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if m := s.activeMapping(provider, providerProductID); m != nil {
		mCopy := *m
		return &mCopy, nil
	}
	return nil, entitlement.ErrMappingNotFound
}

// ListMappings implements entitlement.Catalog
func (s *Storage) ListMappings(ctx context.Context) ([]*entitlement.ProviderMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entitlement.ProviderMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		mCopy := *m
		out = append(out, &mCopy)
	}
	return out, nil
}

// UpsertMapping implements entitlement.Catalog
func (s *Storage) UpsertMapping(ctx context.Context, m *entitlement.ProviderMapping) error {
	if m == nil || !m.Provider.Valid() || m.ProviderProductID == "" || m.ProductSKU == "" {
		return fmt.Errorf("invalid provider mapping")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[m.ProductSKU]; !ok {
		return entitlement.ErrProductNotFound
	}

	now := time.Now().UTC()
	if existing := s.activeMapping(m.Provider, m.ProviderProductID); existing != nil {
		existing.ProductSKU = m.ProductSKU
		existing.UpdatedAt = now
		return nil
	}
	s.mappings = append(s.mappings, &entitlement.ProviderMapping{
		Provider:          m.Provider,
		ProviderProductID: m.ProviderProductID,
		ProductSKU:        m.ProductSKU,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	return nil
}

// DeactivateMapping implements entitlement.Catalog
func (s *Storage) DeactivateMapping(ctx context.Context, provider entitlement.Provider, providerProductID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.activeMapping(provider, providerProductID)
	if m == nil {
		return entitlement.ErrMappingNotFound
	}
	m.IsActive = false
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Storage) activeMapping(provider entitlement.Provider, providerProductID string) *entitlement.ProviderMapping {
	for _, m := range s.mappings {
		if m.IsActive && m.Provider == provider && m.ProviderProductID == providerProductID {
			return m
		}
	}
	return nil
}

// InsertEvent implements entitlement.EventStore
func (s *Storage) InsertEvent(ctx context.Context, ev *entitlement.PurchaseEvent) (*entitlement.PurchaseEvent, bool, error) {
	if ev == nil || ev.ProviderEventID == "" {
		return nil, false, fmt.Errorf("invalid purchase event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(ev.Provider, ev.ProviderEventID)
	if existing, ok := s.events[key]; ok {
		return copyEvent(existing), false, nil
	}
	s.events[key] = copyEvent(ev)
	return copyEvent(ev), true, nil
}

// LockEvent implements entitlement.EventStore
func (s *Storage) LockEvent(ctx context.Context, provider entitlement.Provider, providerEventID string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(provider, providerEventID)
	ev, ok := s.events[key]
	if !ok {
		return false, fmt.Errorf("purchase event %s/%s not found", provider, providerEventID)
	}
	if ev.ProcessedAt != nil {
		return false, nil
	}
	if held, ok := s.leases[key]; ok && held.After(now) {
		return false, nil
	}
	s.leases[key] = until
	return true, nil
}

// UnlockEvent implements entitlement.EventStore
func (s *Storage) UnlockEvent(ctx context.Context, provider entitlement.Provider, providerEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.leases, eventKey(provider, providerEventID))
	return nil
}

// MarkEventProcessed implements entitlement.EventStore
func (s *Storage) MarkEventProcessed(ctx context.Context, provider entitlement.Provider, providerEventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventKey(provider, providerEventID)]
	if !ok {
		return fmt.Errorf("purchase event %s/%s not found", provider, providerEventID)
	}
	if ev.ProcessedAt == nil {
		t := at
		ev.ProcessedAt = &t
	}
	delete(s.leases, eventKey(provider, providerEventID))
	return nil
}

// Events returns every stored purchase event. Test helper.
func (s *Storage) Events() []*entitlement.PurchaseEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entitlement.PurchaseEvent, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, copyEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// GetUserEntitlement implements entitlement.EntitlementStore
func (s *Storage) GetUserEntitlement(ctx context.Context, userID, sku string) (*entitlement.UserEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entitlements[entitlementKey(userID, sku)]
	if !ok {
		return nil, entitlement.ErrEntitlementNotFound
	}
	return copyEntitlement(ent), nil
}

// ListUserEntitlements implements entitlement.EntitlementStore
func (s *Storage) ListUserEntitlements(ctx context.Context, userID string) ([]*entitlement.UserEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entitlement.UserEntitlement
	for _, ent := range s.entitlements {
		if ent.UserID == userID {
			out = append(out, copyEntitlement(ent))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductSKU < out[j].ProductSKU })
	return out, nil
}

// FindUserEntitlementsBySource implements entitlement.EntitlementStore
func (s *Storage) FindUserEntitlementsBySource(ctx context.Context, provider entitlement.Provider, txnID string) ([]*entitlement.UserEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entitlement.UserEntitlement
	for _, ent := range s.entitlements {
		if ent.SourceProvider == provider && ent.SourceTxnID == txnID {
			out = append(out, copyEntitlement(ent))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductSKU < out[j].ProductSKU })
	return out, nil
}

// UpsertUserEntitlement implements entitlement.EntitlementStore
func (s *Storage) UpsertUserEntitlement(ctx context.Context, ent *entitlement.UserEntitlement) error {
	if ent == nil || ent.UserID == "" || ent.ProductSKU == "" {
		return fmt.Errorf("invalid entitlement")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entitlements[entitlementKey(ent.UserID, ent.ProductSKU)] = copyEntitlement(ent)
	return nil
}

// GetPendingEntitlement implements entitlement.EntitlementStore
func (s *Storage) GetPendingEntitlement(ctx context.Context, id string) (*entitlement.PendingEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pending[id]
	if !ok {
		return nil, entitlement.ErrPendingNotFound
	}
	return copyPending(p), nil
}

// FindPendingEntitlement implements entitlement.EntitlementStore
func (s *Storage) FindPendingEntitlement(ctx context.Context, email, sku string) (*entitlement.PendingEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.pendingByKey[pendingKey(email, sku)]
	if !ok {
		return nil, entitlement.ErrPendingNotFound
	}
	return copyPending(s.pending[id]), nil
}

// FindPendingBySource implements entitlement.EntitlementStore
func (s *Storage) FindPendingBySource(ctx context.Context, provider entitlement.Provider, txnID string) ([]*entitlement.PendingEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entitlement.PendingEntitlement
	for _, p := range s.pending {
		if p.SourceProvider == provider && p.SourceTxnID == txnID {
			out = append(out, copyPending(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductSKU < out[j].ProductSKU })
	return out, nil
}

// ListPendingEntitlements implements entitlement.EntitlementStore
func (s *Storage) ListPendingEntitlements(ctx context.Context, email string, status entitlement.PendingStatus) ([]*entitlement.PendingEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = entitlement.NormalizeEmail(email)
	var out []*entitlement.PendingEntitlement
	for _, p := range s.pending {
		if p.PurchaserEmail == email && p.Status == status {
			out = append(out, copyPending(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpsertPendingEntitlement implements entitlement.EntitlementStore
func (s *Storage) UpsertPendingEntitlement(ctx context.Context, p *entitlement.PendingEntitlement) (*entitlement.PendingEntitlement, error) {
	if p == nil || p.PurchaserEmail == "" || p.ProductSKU == "" {
		return nil, fmt.Errorf("invalid pending entitlement")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pendingKey(p.PurchaserEmail, p.ProductSKU)
	stored := copyPending(p)
	if id, ok := s.pendingByKey[key]; ok {
		existing := s.pending[id]
		if existing.Status == entitlement.PendingClaimed {
			return nil, entitlement.ErrPendingImmutable
		}
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else if stored.ID == "" {
		return nil, fmt.Errorf("pending entitlement id is required")
	}

	s.pending[stored.ID] = stored
	s.pendingByKey[key] = stored.ID
	return copyPending(stored), nil
}

// ClaimPendingEntitlement implements entitlement.EntitlementStore
func (s *Storage) ClaimPendingEntitlement(ctx context.Context, pendingID, userID string, ent *entitlement.UserEntitlement, at time.Time) error {
	if ent == nil || ent.UserID != userID {
		return fmt.Errorf("invalid entitlement")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[pendingID]
	if !ok {
		return entitlement.ErrPendingNotFound
	}
	switch p.Status {
	case entitlement.PendingClaimed:
		return entitlement.ErrAlreadyClaimed
	case entitlement.PendingCancelled:
		return entitlement.ErrPendingCancelled
	}

	s.entitlements[entitlementKey(ent.UserID, ent.ProductSKU)] = copyEntitlement(ent)

	claimedAt := at
	p.Status = entitlement.PendingClaimed
	p.ClaimedBy = userID
	p.ClaimedAt = &claimedAt
	p.UpdatedAt = at
	return nil
}

// ExpireLapsed implements entitlement.EntitlementStore
func (s *Storage) ExpireLapsed(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ent := range s.entitlements {
		if ent.Status == entitlement.StatusActive && ent.ExpiresAt != nil && !ent.ExpiresAt.After(now) {
			ent.Status = entitlement.StatusExpired
			ent.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func eventKey(provider entitlement.Provider, providerEventID string) string {
	return string(provider) + "\x00" + providerEventID
}

func entitlementKey(userID, sku string) string {
	return userID + "\x00" + sku
}

func pendingKey(email, sku string) string {
	return entitlement.NormalizeEmail(email) + "\x00" + sku
}

func copyProduct(p *entitlement.Product) *entitlement.Product {
	pCopy := *p
	pCopy.Features = copyMap(p.Features)
	return &pCopy
}

func copyEvent(ev *entitlement.PurchaseEvent) *entitlement.PurchaseEvent {
	evCopy := *ev
	evCopy.Raw = append([]byte(nil), ev.Raw...)
	evCopy.ProcessedAt = copyTime(ev.ProcessedAt)
	return &evCopy
}

func copyEntitlement(ent *entitlement.UserEntitlement) *entitlement.UserEntitlement {
	entCopy := *ent
	entCopy.ExpiresAt = copyTime(ent.ExpiresAt)
	entCopy.Metadata = copyMap(ent.Metadata)
	return &entCopy
}

func copyPending(p *entitlement.PendingEntitlement) *entitlement.PendingEntitlement {
	pCopy := *p
	pCopy.PurchaserEmail = entitlement.NormalizeEmail(p.PurchaserEmail)
	pCopy.ExpiresAt = copyTime(p.ExpiresAt)
	pCopy.ClaimedAt = copyTime(p.ClaimedAt)
	pCopy.Metadata = copyMap(p.Metadata)
	return &pCopy
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
