package entitlement

import "time"

// Metrics receives reconciliation measurements.
type Metrics interface {
	// RecordIngest records the outcome of one ingest call.
	RecordIngest(provider, outcome, action string, duration time.Duration)

	// RecordIngestError records an ingest call that failed.
	RecordIngestError(provider, reason string)

	// RecordClaim records a claim attempt by result ("claimed", "already_claimed", "not_found", "cancelled", "forbidden", "error").
	RecordClaim(result string)

	// RecordAccessCheck records an access check.
	RecordAccessCheck(sku string, granted bool, duration time.Duration)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordIngest(provider, outcome, action string, duration time.Duration)      {}
func (n *NoopMetrics) RecordIngestError(provider, reason string)                                  {}
func (n *NoopMetrics) RecordClaim(result string)                                                  {}
func (n *NoopMetrics) RecordAccessCheck(sku string, granted bool, duration time.Duration)         {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
