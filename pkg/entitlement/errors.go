package entitlement

import "errors"

var (
	// ErrProductNotFound is returned when a SKU is not in the catalog
	ErrProductNotFound = errors.New("product not found")

	// ErrInvalidProduct is returned when a product fails validation
	ErrInvalidProduct = errors.New("invalid product")

	// ErrMappingNotFound is returned when no active mapping exists for a provider product
	ErrMappingNotFound = errors.New("provider mapping not found")

	// ErrMappingConflict is returned when a mapping points at an unknown SKU
	ErrMappingConflict = errors.New("provider mapping conflict")

	// ErrEntitlementNotFound is returned when a user has no entitlement for a SKU
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrPendingNotFound is returned for unknown pending entitlement ids
	ErrPendingNotFound = errors.New("pending entitlement not found")

	// ErrAlreadyClaimed is returned when a pending entitlement was claimed by another user
	ErrAlreadyClaimed = errors.New("pending entitlement already claimed")

	// ErrPendingCancelled is returned when claiming a revoked pending entitlement
	ErrPendingCancelled = errors.New("pending entitlement cancelled")

	// ErrEmailMismatch is returned when a pending entitlement is claimed by an
	// account whose email did not buy it
	ErrEmailMismatch = errors.New("pending entitlement belongs to another email")

	// ErrPendingImmutable is returned when writing to a claimed pending entitlement
	ErrPendingImmutable = errors.New("pending entitlement is claimed and immutable")

	// ErrIdentityNotFound is returned when no account matches an email
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrInvalidEvent is returned for events missing required fields
	ErrInvalidEvent = errors.New("invalid payment event")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrClaimFailed is returned when a claim fails for an unexpected reason
	ErrClaimFailed = errors.New("claim failed")
)
