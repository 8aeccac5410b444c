package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ClaimFlow converts pending entitlements into user entitlements once the
// purchaser has an account.
type ClaimFlow struct {
	storage Storage
	config  Config
}

// ClaimOutcome is the per-row result of ClaimAll.
type ClaimOutcome struct {
	PendingID string `json:"pending_entitlement_id"`
	SKU       string `json:"sku"`
	Claimed   bool   `json:"claimed"`
	Error     string `json:"error,omitempty"`
}

// NewClaimFlow creates a claim flow.
func NewClaimFlow(storage Storage, config Config) (*ClaimFlow, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	config.setDefaults()
	return &ClaimFlow{storage: storage, config: config}, nil
}

// ListPending returns the unclaimed entitlements bought with email, with the
// display data of their products.
func (c *ClaimFlow) ListPending(ctx context.Context, email string) ([]*PendingEntitlementView, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidEvent)
	}

	rows, err := c.storage.ListPendingEntitlements(ctx, email, PendingOpen)
	if err != nil {
		return nil, storageErr("list pending entitlements", err)
	}

	views := make([]*PendingEntitlementView, 0, len(rows))
	for _, p := range rows {
		view := &PendingEntitlementView{PendingEntitlement: *p, DisplayName: p.ProductSKU}
		product, err := c.storage.GetProduct(ctx, p.ProductSKU)
		switch {
		case err == nil:
			view.DisplayName = product.DisplayName
			view.Tier = product.Tier
			view.Features = product.Features
		case !errors.Is(err, ErrProductNotFound):
			return nil, storageErr("get product", err)
		}
		views = append(views, view)
	}
	return views, nil
}

// Claim attaches a pending entitlement to userID. It returns true on success
// and when userID already claimed it. Expected conflicts are returned as
// ErrPendingNotFound, ErrPendingCancelled or ErrAlreadyClaimed; anything else
// is logged and returned wrapped in ErrClaimFailed.
//
// Claim does not check who bought the entitlement. Requests on behalf of an
// end user go through ClaimAsOwner.
func (c *ClaimFlow) Claim(ctx context.Context, pendingID, userID string) (bool, error) {
	return c.run(ctx, pendingID, userID, "")
}

// ClaimAsOwner is Claim for a user signed in as email. Entitlements bought
// with a different email fail with ErrEmailMismatch.
func (c *ClaimFlow) ClaimAsOwner(ctx context.Context, pendingID, userID, email string) (bool, error) {
	email = NormalizeEmail(email)
	if email == "" {
		c.config.Metrics.RecordClaim("forbidden")
		return false, ErrEmailMismatch
	}
	return c.run(ctx, pendingID, userID, email)
}

func (c *ClaimFlow) run(ctx context.Context, pendingID, userID, owner string) (bool, error) {
	if pendingID == "" || userID == "" {
		c.config.Metrics.RecordClaim("not_found")
		return false, ErrPendingNotFound
	}

	ok, err := c.claim(ctx, pendingID, userID, owner)
	switch {
	case err == nil:
		c.config.Metrics.RecordClaim("claimed")
	case errors.Is(err, ErrPendingNotFound):
		c.config.Metrics.RecordClaim("not_found")
	case errors.Is(err, ErrPendingCancelled):
		c.config.Metrics.RecordClaim("cancelled")
	case errors.Is(err, ErrEmailMismatch):
		c.config.Metrics.RecordClaim("forbidden")
		c.config.Logger.Warn("claim rejected for a different purchaser email",
			Field{Key: "pending_id", Value: pendingID}, Field{Key: "user_id", Value: userID})
	case errors.Is(err, ErrAlreadyClaimed):
		c.config.Metrics.RecordClaim("already_claimed")
		c.config.Logger.Info("pending entitlement already claimed",
			Field{Key: "pending_id", Value: pendingID}, Field{Key: "user_id", Value: userID})
	default:
		c.config.Metrics.RecordClaim("error")
		c.config.Logger.Error("claim failed",
			Field{Key: "pending_id", Value: pendingID},
			Field{Key: "user_id", Value: userID},
			Field{Key: "error", Value: err.Error()})
		return false, fmt.Errorf("%w: %w", ErrClaimFailed, err)
	}
	return ok, err
}

func (c *ClaimFlow) claim(ctx context.Context, pendingID, userID, owner string) (bool, error) {
	p, err := c.storage.GetPendingEntitlement(ctx, pendingID)
	if err != nil {
		return false, err
	}
	if owner != "" && NormalizeEmail(p.PurchaserEmail) != owner {
		return false, ErrEmailMismatch
	}

	switch p.Status {
	case PendingCancelled:
		return false, ErrPendingCancelled
	case PendingClaimed:
		if p.ClaimedBy != userID {
			return false, ErrAlreadyClaimed
		}
		return true, nil
	}

	now := c.config.Now().UTC()
	ent, err := c.entitlementFor(ctx, p, userID, now)
	if err != nil {
		return false, err
	}

	err = c.storage.ClaimPendingEntitlement(ctx, p.ID, userID, ent, now)
	if errors.Is(err, ErrAlreadyClaimed) {
		// Lost a race; a retry by the same user still succeeds.
		current, getErr := c.storage.GetPendingEntitlement(ctx, pendingID)
		if getErr == nil && current.ClaimedBy == userID {
			return true, nil
		}
		return false, ErrAlreadyClaimed
	}
	if err != nil {
		return false, err
	}

	c.config.Logger.Info("pending entitlement claimed",
		Field{Key: "pending_id", Value: p.ID},
		Field{Key: "user_id", Value: userID},
		Field{Key: "sku", Value: p.ProductSKU})
	return true, nil
}

// entitlementFor builds the user entitlement a claim writes, merged with any
// row the user already has for the SKU.
func (c *ClaimFlow) entitlementFor(ctx context.Context, p *PendingEntitlement, userID string, now time.Time) (*UserEntitlement, error) {
	ent := &UserEntitlement{
		UserID:         userID,
		ProductSKU:     p.ProductSKU,
		SourceProvider: p.SourceProvider,
		SourceTxnID:    p.SourceTxnID,
		Status:         StatusActive,
		StartedAt:      purchasedAt(p, now),
		ExpiresAt:      copyTime(p.ExpiresAt),
		Metadata:       mergeMetadata(p.Metadata, map[string]any{"claimed_from": p.ID}),
		UpdatedAt:      now,
	}

	existing, err := c.storage.GetUserEntitlement(ctx, userID, p.ProductSKU)
	switch {
	case errors.Is(err, ErrEntitlementNotFound):
		return ent, nil
	case err != nil:
		return nil, err
	}

	if existing.IsActive(now) {
		ent.StartedAt = existing.StartedAt
		if existing.ExpiresAt == nil || (ent.ExpiresAt != nil && existing.ExpiresAt.After(*ent.ExpiresAt)) {
			ent.ExpiresAt = copyTime(existing.ExpiresAt)
		}
	}
	ent.Metadata = mergeMetadata(existing.Metadata, ent.Metadata)
	return ent, nil
}

// purchasedAt is when the purchase behind p was made. Rows written before
// purchased_at was recorded fall back to their creation time.
func purchasedAt(p *PendingEntitlement, now time.Time) time.Time {
	if s, ok := p.Metadata["purchased_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
	}
	if p.CreatedAt.IsZero() {
		return now
	}
	return p.CreatedAt.UTC()
}

// ClaimAll claims every pending entitlement bought with email for userID.
func (c *ClaimFlow) ClaimAll(ctx context.Context, userID, email string) ([]ClaimOutcome, error) {
	pending, err := c.ListPending(ctx, email)
	if err != nil {
		return nil, err
	}

	outcomes := make([]ClaimOutcome, 0, len(pending))
	for _, p := range pending {
		ok, err := c.run(ctx, p.ID, userID, NormalizeEmail(email))
		out := ClaimOutcome{PendingID: p.ID, SKU: p.ProductSKU, Claimed: ok}
		if err != nil {
			out.Error = err.Error()
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}
