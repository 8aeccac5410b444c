package entitlement

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// Logger defines the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}

func eventFields(ev NormalizedPaymentEvent) []Field {
	return []Field{
		{Key: "provider", Value: string(ev.Provider)},
		{Key: "provider_event_id", Value: ev.ProviderEventID},
		{Key: "provider_order_id", Value: ev.ProviderOrderID},
		{Key: "event_type", Value: ev.EventType},
		{Key: "status", Value: string(ev.Status)},
		{Key: "product_ref", Value: ev.ProductRef},
	}
}
