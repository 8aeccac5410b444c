package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrResourceNotFound is returned when a customer, charge or session does not exist
	ErrResourceNotFound = errors.New("resource not found in billing provider")

	// ErrEventIgnored is returned by normalizers for event types that carry no
	// entitlement change. Handlers acknowledge them without ingesting.
	ErrEventIgnored = errors.New("event type ignored")
)
