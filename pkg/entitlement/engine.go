package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Engine turns normalized payment events into entitlement state.
type Engine struct {
	storage  Storage
	identity IdentityResolver
	config   Config
}

// NewEngine creates a reconciliation engine.
func NewEngine(storage Storage, identity IdentityResolver, config Config) (*Engine, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if identity == nil {
		return nil, errors.New("entitlement: identity resolver is required")
	}
	config.setDefaults()

	return &Engine{
		storage:  storage,
		identity: identity,
		config:   config,
	}, nil
}

// Ingest records ev and applies it. Duplicate, unmapped and no-op events are
// reported through IngestResult.Outcome, not as errors. Errors wrap either
// ErrInvalidEvent or ErrStorageUnavailable.
func (e *Engine) Ingest(ctx context.Context, ev NormalizedPaymentEvent) (*IngestResult, error) {
	start := time.Now()
	ev = ev.Normalize()

	if err := ev.Validate(); err != nil {
		e.config.Metrics.RecordIngestError(string(ev.Provider), "invalid")
		e.config.Logger.Warn("rejected invalid payment event",
			append(eventFields(ev), Field{Key: "error", Value: err.Error()})...)
		return nil, err
	}

	res, err := e.ingest(ctx, ev)
	if err != nil {
		e.config.Metrics.RecordIngestError(string(ev.Provider), "storage")
		e.config.Logger.Error("payment event ingest failed",
			append(eventFields(ev), Field{Key: "error", Value: err.Error()})...)
		return nil, err
	}

	e.config.Metrics.RecordIngest(string(ev.Provider), string(res.Outcome), string(res.Action), time.Since(start))
	return res, nil
}

func (e *Engine) ingest(ctx context.Context, ev NormalizedPaymentEvent) (*IngestResult, error) {
	now := e.config.Now().UTC()

	stored, inserted, err := e.storage.InsertEvent(ctx, newPurchaseEvent(ev, now))
	if err != nil {
		return nil, storageErr("insert event", err)
	}

	res := &IngestResult{Event: stored, Action: Classify(ev.Status)}
	if !inserted && stored.ProcessedAt != nil {
		e.config.Logger.Debug("duplicate payment event", eventFields(ev)...)
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	locked, err := e.storage.LockEvent(ctx, ev.Provider, ev.ProviderEventID, now, now.Add(e.config.EventLease))
	if err != nil {
		return nil, storageErr("lock event", err)
	}
	if !locked {
		e.config.Logger.Info("payment event is being applied by another delivery", eventFields(ev)...)
		res.Outcome = OutcomeDuplicate
		return res, nil
	}
	if !inserted {
		// A previous attempt stored the event but did not finish applying it.
		e.config.Logger.Info("resuming partially processed payment event", eventFields(ev)...)
	}

	if err := e.process(ctx, ev, res, now); err != nil {
		if unlockErr := e.storage.UnlockEvent(context.WithoutCancel(ctx), ev.Provider, ev.ProviderEventID); unlockErr != nil {
			e.config.Logger.Warn("failed to release payment event lease",
				append(eventFields(ev), Field{Key: "error", Value: unlockErr.Error()})...)
		}
		return nil, err
	}
	return res, nil
}

// process applies a locked event and marks it processed.
func (e *Engine) process(ctx context.Context, ev NormalizedPaymentEvent, res *IngestResult, now time.Time) error {
	product, err := e.resolveProduct(ctx, ev)
	switch {
	case errors.Is(err, ErrMappingNotFound), errors.Is(err, ErrProductNotFound):
		e.config.Logger.Warn("payment event references an unmapped product", eventFields(ev)...)
		res.Outcome = OutcomeUnmapped
		return e.markProcessed(ctx, ev, now)
	case err != nil:
		return storageErr("resolve product", err)
	}
	if product != nil {
		res.SKU = product.SKU
		if !product.IsActive {
			e.config.Logger.Warn("payment event for inactive product",
				append(eventFields(ev), Field{Key: "sku", Value: product.SKU})...)
		}
	}

	res.Outcome = OutcomeNoop
	if res.Action == ActionNoop {
		e.config.Logger.Info("payment event requires no entitlement change", eventFields(ev)...)
	} else if err := e.apply(ctx, ev, product, res, now); err != nil {
		return err
	}

	return e.markProcessed(ctx, ev, now)
}

func (e *Engine) resolveProduct(ctx context.Context, ev NormalizedPaymentEvent) (*Product, error) {
	sku := ev.SKU
	if sku == "" {
		if ev.ProductRef == "" {
			return nil, nil
		}
		m, err := e.storage.ResolveMapping(ctx, ev.Provider, ev.ProductRef)
		if err != nil {
			return nil, err
		}
		sku = m.ProductSKU
	}
	return e.storage.GetProduct(ctx, sku)
}

func (e *Engine) apply(ctx context.Context, ev NormalizedPaymentEvent, product *Product, res *IngestResult, now time.Time) error {
	userID, err := e.identity.Resolve(ctx, ev.PurchaserEmail)
	switch {
	case err == nil:
		return e.applyUser(ctx, userID, ev, product, res, now)
	case errors.Is(err, ErrIdentityNotFound):
		return e.applyPending(ctx, ev, product, res, now)
	default:
		return storageErr("resolve identity", err)
	}
}

func (e *Engine) applyUser(ctx context.Context, userID string, ev NormalizedPaymentEvent, product *Product, res *IngestResult, now time.Time) error {
	if res.Action == ActionGrant {
		return e.grantUser(ctx, userID, ev, product, res, now)
	}
	return e.revokeUser(ctx, userID, ev, product, res, now)
}

func (e *Engine) grantUser(ctx context.Context, userID string, ev NormalizedPaymentEvent, product *Product, res *IngestResult, now time.Time) error {
	existing, err := e.storage.GetUserEntitlement(ctx, userID, product.SKU)
	if err != nil {
		if !errors.Is(err, ErrEntitlementNotFound) {
			return storageErr("get entitlement", err)
		}
		existing = nil
	}

	ent := &UserEntitlement{
		UserID:         userID,
		ProductSKU:     product.SKU,
		SourceProvider: ev.Provider,
		SourceTxnID:    ev.txnID(),
		Status:         StatusActive,
		StartedAt:      occurredAt(ev, now),
		Metadata:       grantMetadata(ev),
		UpdatedAt:      now,
	}

	if existing != nil {
		if existing.Status != StatusActive && supersededGrant(existing.SourceProvider, existing.SourceTxnID, existing.Metadata, ev) {
			e.config.Logger.Info("ignoring grant for an already revoked transaction",
				append(eventFields(ev), Field{Key: "user_id", Value: userID})...)
			return nil
		}
		active := existing.Status == StatusActive
		if active {
			ent.StartedAt = existing.StartedAt
		}
		ent.ExpiresAt = grantExpiry(product, ev.PeriodEnd, existing.ExpiresAt, active)
		ent.Metadata = mergeMetadata(existing.Metadata, ent.Metadata)
		delete(ent.Metadata, "revoke_reason")
	} else {
		ent.ExpiresAt = grantExpiry(product, ev.PeriodEnd, nil, false)
	}

	if err := e.storage.UpsertUserEntitlement(ctx, ent); err != nil {
		return storageErr("upsert entitlement", err)
	}

	e.config.Logger.Info("entitlement granted",
		append(eventFields(ev), Field{Key: "user_id", Value: userID}, Field{Key: "sku", Value: product.SKU})...)
	res.Outcome = OutcomeApplied
	res.UserEntitlement = ent
	return nil
}

func (e *Engine) revokeUser(ctx context.Context, userID string, ev NormalizedPaymentEvent, product *Product, res *IngestResult, now time.Time) error {
	var targets []*UserEntitlement

	if ev.ProviderOrderID != "" {
		found, err := e.storage.FindUserEntitlementsBySource(ctx, ev.Provider, ev.ProviderOrderID)
		if err != nil {
			return storageErr("find entitlements by source", err)
		}
		for _, f := range found {
			if f.UserID == userID && (product == nil || f.ProductSKU == product.SKU) {
				targets = append(targets, f)
			}
		}
	}

	if len(targets) == 0 && product != nil {
		existing, err := e.storage.GetUserEntitlement(ctx, userID, product.SKU)
		switch {
		case err == nil:
			if ev.ProviderOrderID != "" && (existing.SourceProvider != ev.Provider || existing.SourceTxnID != ev.ProviderOrderID) {
				e.config.Logger.Info("revoke targets a transaction that no longer backs the entitlement",
					append(eventFields(ev), Field{Key: "user_id", Value: userID}, Field{Key: "sku", Value: product.SKU})...)
				return nil
			}
			targets = append(targets, existing)
		case errors.Is(err, ErrEntitlementNotFound):
			// Revoke arrived before the grant. Keep a revoked row so the late
			// grant for the same transaction does not restore access.
			targets = append(targets, &UserEntitlement{
				UserID:         userID,
				ProductSKU:     product.SKU,
				SourceProvider: ev.Provider,
				SourceTxnID:    ev.txnID(),
				StartedAt:      occurredAt(ev, now),
			})
		default:
			return storageErr("get entitlement", err)
		}
	}

	if len(targets) == 0 {
		e.config.Logger.Info("nothing to revoke for payment event",
			append(eventFields(ev), Field{Key: "user_id", Value: userID})...)
		return nil
	}

	status := revokedStatus(ev.Status)
	for _, t := range targets {
		t.Status = status
		t.UpdatedAt = now
		t.Metadata = mergeMetadata(t.Metadata, map[string]any{
			"revoke_reason":    string(ev.Status),
			"revoked_by_event": ev.ProviderEventID,
			"revoked_at":       occurredAt(ev, now).Format(time.RFC3339Nano),
		})
		if err := e.storage.UpsertUserEntitlement(ctx, t); err != nil {
			return storageErr("upsert entitlement", err)
		}
		e.config.Logger.Info("entitlement revoked",
			append(eventFields(ev), Field{Key: "user_id", Value: userID}, Field{Key: "sku", Value: t.ProductSKU})...)
	}

	res.Outcome = OutcomeApplied
	res.UserEntitlement = targets[0]
	if res.SKU == "" {
		res.SKU = targets[0].ProductSKU
	}
	return nil
}

func (e *Engine) applyPending(ctx context.Context, ev NormalizedPaymentEvent, product *Product, res *IngestResult, now time.Time) error {
	if product == nil {
		return e.revokePendingBySource(ctx, ev, res, now)
	}

	existing, err := e.storage.FindPendingEntitlement(ctx, ev.PurchaserEmail, product.SKU)
	if err != nil {
		if !errors.Is(err, ErrPendingNotFound) {
			return storageErr("find pending entitlement", err)
		}
		existing = nil
	}

	if existing != nil && existing.Status == PendingClaimed {
		e.config.Logger.Info("routing payment event to the account that claimed it",
			append(eventFields(ev), Field{Key: "user_id", Value: existing.ClaimedBy})...)
		return e.applyUser(ctx, existing.ClaimedBy, ev, product, res, now)
	}

	var p *PendingEntitlement
	if res.Action == ActionGrant {
		p = e.pendingGrant(ev, product, existing, now)
	} else {
		p = e.pendingRevoke(ev, product, existing, now)
	}
	if p == nil {
		return nil
	}

	stored, err := e.storage.UpsertPendingEntitlement(ctx, p)
	if errors.Is(err, ErrPendingImmutable) {
		// Claimed between our read and write.
		claimed, err := e.storage.FindPendingEntitlement(ctx, ev.PurchaserEmail, product.SKU)
		if err != nil {
			return storageErr("find pending entitlement", err)
		}
		if claimed.Status != PendingClaimed {
			return storageErr("upsert pending entitlement", ErrPendingImmutable)
		}
		return e.applyUser(ctx, claimed.ClaimedBy, ev, product, res, now)
	}
	if err != nil {
		return storageErr("upsert pending entitlement", err)
	}

	e.config.Logger.Info("pending entitlement recorded",
		append(eventFields(ev),
			Field{Key: "pending_id", Value: stored.ID},
			Field{Key: "sku", Value: product.SKU},
			Field{Key: "pending_status", Value: string(stored.Status)})...)
	res.Outcome = OutcomeApplied
	res.Pending = stored
	return nil
}

func (e *Engine) pendingGrant(ev NormalizedPaymentEvent, product *Product, existing *PendingEntitlement, now time.Time) *PendingEntitlement {
	p := &PendingEntitlement{
		ID:             uuid.NewString(),
		PurchaserEmail: ev.PurchaserEmail,
		ProductSKU:     product.SKU,
		SourceProvider: ev.Provider,
		SourceTxnID:    ev.txnID(),
		Status:         PendingOpen,
		ExpiresAt:      grantExpiry(product, ev.PeriodEnd, nil, false),
		Metadata:       grantMetadata(ev),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	p.Metadata["purchased_at"] = occurredAt(ev, now).Format(time.RFC3339Nano)
	if existing == nil {
		return p
	}

	if existing.Status == PendingCancelled && supersededGrant(existing.SourceProvider, existing.SourceTxnID, existing.Metadata, ev) {
		e.config.Logger.Info("ignoring grant for an already revoked transaction", eventFields(ev)...)
		return nil
	}

	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	p.ExpiresAt = grantExpiry(product, ev.PeriodEnd, existing.ExpiresAt, existing.Status == PendingOpen)
	p.Metadata = mergeMetadata(existing.Metadata, p.Metadata)
	delete(p.Metadata, "revoke_reason")
	if first, ok := existing.Metadata["purchased_at"]; ok && existing.Status == PendingOpen {
		p.Metadata["purchased_at"] = first
	}
	return p
}

func (e *Engine) pendingRevoke(ev NormalizedPaymentEvent, product *Product, existing *PendingEntitlement, now time.Time) *PendingEntitlement {
	if existing == nil {
		// Revoke before grant: record the cancellation so the grant cannot revive it.
		existing = &PendingEntitlement{
			ID:             uuid.NewString(),
			PurchaserEmail: ev.PurchaserEmail,
			ProductSKU:     product.SKU,
			SourceProvider: ev.Provider,
			SourceTxnID:    ev.txnID(),
			CreatedAt:      now,
		}
	} else if ev.ProviderOrderID != "" && (existing.SourceProvider != ev.Provider || existing.SourceTxnID != ev.ProviderOrderID) {
		e.config.Logger.Info("revoke targets a transaction that no longer backs the pending entitlement", eventFields(ev)...)
		return nil
	}

	p := *existing
	p.Status = PendingCancelled
	p.UpdatedAt = now
	p.Metadata = mergeMetadata(existing.Metadata, map[string]any{
		"revoke_reason":    string(ev.Status),
		"revoked_by_event": ev.ProviderEventID,
		"revoked_at":       occurredAt(ev, now).Format(time.RFC3339Nano),
	})
	return &p
}

// revokePendingBySource handles revoke events that carry no product reference.
func (e *Engine) revokePendingBySource(ctx context.Context, ev NormalizedPaymentEvent, res *IngestResult, now time.Time) error {
	if ev.ProviderOrderID == "" {
		e.config.Logger.Info("nothing to revoke for payment event", eventFields(ev)...)
		return nil
	}

	found, err := e.storage.FindPendingBySource(ctx, ev.Provider, ev.ProviderOrderID)
	if err != nil {
		return storageErr("find pending by source", err)
	}

	for _, p := range found {
		if p.PurchaserEmail != ev.PurchaserEmail {
			continue
		}
		if p.Status == PendingClaimed {
			return e.revokeUser(ctx, p.ClaimedBy, ev, nil, res, now)
		}
		cancelled := e.pendingRevoke(ev, &Product{SKU: p.ProductSKU}, p, now)
		stored, err := e.storage.UpsertPendingEntitlement(ctx, cancelled)
		if err != nil && !errors.Is(err, ErrPendingImmutable) {
			return storageErr("upsert pending entitlement", err)
		}
		if stored != nil {
			res.Outcome = OutcomeApplied
			res.Pending = stored
			res.SKU = stored.ProductSKU
		}
	}

	if res.Pending == nil {
		e.config.Logger.Info("nothing to revoke for payment event", eventFields(ev)...)
	}
	return nil
}

func (e *Engine) markProcessed(ctx context.Context, ev NormalizedPaymentEvent, now time.Time) error {
	if err := e.storage.MarkEventProcessed(ctx, ev.Provider, ev.ProviderEventID, now); err != nil {
		return storageErr("mark event processed", err)
	}
	return nil
}

func newPurchaseEvent(ev NormalizedPaymentEvent, now time.Time) *PurchaseEvent {
	raw := ev.Raw
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	return &PurchaseEvent{
		ID:              uuid.NewString(),
		Provider:        ev.Provider,
		ProviderEventID: ev.ProviderEventID,
		ProviderOrderID: ev.ProviderOrderID,
		EventType:       ev.EventType,
		PurchaserEmail:  ev.PurchaserEmail,
		ProductRef:      ev.ProductRef,
		ProductSKU:      ev.SKU,
		AmountCents:     ev.AmountCents,
		Currency:        ev.Currency,
		Status:          ev.Status,
		Raw:             raw,
		OccurredAt:      occurredAt(ev, now),
		ReceivedAt:      now,
	}
}

// grantExpiry picks the expiry of a granted entitlement. Lifetime products
// never expire. For subscriptions an active row's expiry only moves forward.
func grantExpiry(p *Product, periodEnd, current *time.Time, currentActive bool) *time.Time {
	if p.BillingType == BillingLifetime {
		return nil
	}
	if periodEnd == nil {
		if currentActive {
			return copyTime(current)
		}
		return nil
	}
	if currentActive && current != nil && current.After(*periodEnd) {
		return copyTime(current)
	}
	return copyTime(periodEnd)
}

// supersededGrant reports whether ev grants a transaction that a stored row
// already revoked. Refunds and chargebacks are final; a cancellation only
// wins over grants that occurred before it.
func supersededGrant(provider Provider, txnID string, md map[string]any, ev NormalizedPaymentEvent) bool {
	if provider != ev.Provider || txnID != ev.txnID() {
		return false
	}
	reason, _ := md["revoke_reason"].(string)
	switch EventStatus(reason) {
	case EventRefunded, EventChargeback:
		return true
	case EventCancelled:
		at, _ := md["revoked_at"].(string)
		revokedAt, err := time.Parse(time.RFC3339Nano, at)
		return err == nil && !ev.OccurredAt.IsZero() && ev.OccurredAt.Before(revokedAt)
	default:
		return false
	}
}

func grantMetadata(ev NormalizedPaymentEvent) map[string]any {
	md := map[string]any{
		"provider_event_id": ev.ProviderEventID,
		"event_type":        ev.EventType,
	}
	if ev.AmountCents > 0 {
		md["amount_cents"] = ev.AmountCents
		md["currency"] = ev.Currency
	}
	for k, v := range ev.Metadata {
		md[k] = v
	}
	return md
}

func mergeMetadata(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func occurredAt(ev NormalizedPaymentEvent, now time.Time) time.Time {
	if ev.OccurredAt.IsZero() {
		return now
	}
	return ev.OccurredAt.UTC()
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := t.UTC()
	return &c
}

func storageErr(op string, err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
