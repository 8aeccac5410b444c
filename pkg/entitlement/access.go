package entitlement

import (
	"context"
	"errors"
	"time"
)

// AccessChecker answers feature-access questions. Expiry is evaluated at read
// time, so a lapsed subscription loses access before any sweep runs.
type AccessChecker struct {
	storage Storage
	config  Config
}

// NewAccessChecker creates an access checker.
func NewAccessChecker(storage Storage, config Config) (*AccessChecker, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	config.setDefaults()
	return &AccessChecker{storage: storage, config: config}, nil
}

// HasAccess reports whether userID currently holds an active entitlement to sku.
func (a *AccessChecker) HasAccess(ctx context.Context, userID, sku string) (bool, error) {
	start := time.Now()
	ent, err := a.storage.GetUserEntitlement(ctx, userID, sku)
	if errors.Is(err, ErrEntitlementNotFound) {
		a.config.Metrics.RecordAccessCheck(sku, false, time.Since(start))
		return false, nil
	}
	if err != nil {
		return false, storageErr("get entitlement", err)
	}

	granted := ent.IsActive(a.config.Now())
	a.config.Metrics.RecordAccessCheck(sku, granted, time.Since(start))
	return granted, nil
}

// Entitlements returns every entitlement of userID.
func (a *AccessChecker) Entitlements(ctx context.Context, userID string) ([]*UserEntitlement, error) {
	ents, err := a.storage.ListUserEntitlements(ctx, userID)
	if err != nil {
		return nil, storageErr("list entitlements", err)
	}
	return ents, nil
}

// Features merges the feature maps of the products userID can access.
// Later SKUs in SKU order win on conflicting keys.
func (a *AccessChecker) Features(ctx context.Context, userID string) (map[string]any, error) {
	ents, err := a.Entitlements(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := a.config.Now()
	features := make(map[string]any)
	for _, ent := range ents {
		if !ent.IsActive(now) {
			continue
		}
		product, err := a.storage.GetProduct(ctx, ent.ProductSKU)
		if errors.Is(err, ErrProductNotFound) {
			continue
		}
		if err != nil {
			return nil, storageErr("get product", err)
		}
		for k, v := range product.Features {
			features[k] = v
		}
	}
	return features, nil
}

// Now returns the checker's notion of the current time.
func (a *AccessChecker) Now() time.Time {
	return a.config.Now()
}
