package entitlement

import "time"

// Config holds the collaborators shared by Engine, ClaimFlow and AccessChecker.
type Config struct {
	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking reconciliation (default: NoopMetrics)
	Metrics Metrics

	// Now returns the current time (default: time.Now)
	Now func() time.Time

	// EventLease bounds how long one delivery may hold an event while
	// applying it (default: 1 minute)
	EventLease time.Duration
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.EventLease <= 0 {
		c.EventLease = time.Minute
	}
}
