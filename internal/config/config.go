// Package config loads entitlementd settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	ErrParsingConfig = errors.New("failed to parse configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Storage backends.
const (
	BackendPostgres  = "postgres"
	BackendMemory    = "memory"
	BackendFirestore = "firestore"
)

// Config is the full server configuration.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	StorageBackend string        `env:"STORAGE_BACKEND" envDefault:"postgres"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	DBMaxConns     int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns     int32         `env:"DB_MIN_CONNS" envDefault:"2"`
	IdentityTable  string        `env:"IDENTITY_TABLE" envDefault:"users"`
	SweepInterval  time.Duration `env:"EXPIRY_SWEEP_INTERVAL" envDefault:"15m"`

	FirestoreProjectID string `env:"FIRESTORE_PROJECT_ID"`

	// FirestorePrefix is prepended to every collection name.
	FirestorePrefix string `env:"FIRESTORE_COLLECTION_PREFIX"`

	RedisURL        string        `env:"REDIS_URL"`
	CatalogCacheTTL time.Duration `env:"CATALOG_CACHE_TTL" envDefault:"5m"`

	StripeAPIKey        string `env:"STRIPE_API_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	PayKickstartSecret  string `env:"PAYKICKSTART_SECRET"`

	AdminAPIToken string `env:"ADMIN_API_TOKEN"`

	// Headers set by the authenticating proxy in front of the service. Claim
	// and entitlement endpoints trust them.
	UserIDHeader    string `env:"USER_ID_HEADER" envDefault:"X-User-Id"`
	UserEmailHeader string `env:"USER_EMAIL_HEADER" envDefault:"X-User-Email"`

	WebhookRateLimit  int           `env:"WEBHOOK_RATE_LIMIT" envDefault:"100"`
	WebhookRateWindow time.Duration `env:"WEBHOOK_RATE_WINDOW" envDefault:"1m"`
	LookupTimeout     time.Duration `env:"LOOKUP_TIMEOUT" envDefault:"5s"`
	ImportConcurrency int           `env:"IMPORT_CONCURRENCY" envDefault:"4"`

	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"entitlements"`
}

// Load reads an optional .env file (files named in paths, or ./.env), then
// parses the environment. Variables already set in the environment win over
// the file.
func Load(paths ...string) (*Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load(paths...)

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres backend", ErrInvalidConfig)
		}
	case BackendFirestore:
		if c.FirestoreProjectID == "" {
			return fmt.Errorf("%w: FIRESTORE_PROJECT_ID is required for the firestore backend", ErrInvalidConfig)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown STORAGE_BACKEND %q", ErrInvalidConfig, c.StorageBackend)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("%w: DB_MIN_CONNS exceeds DB_MAX_CONNS", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.UserIDHeader) == "" || strings.TrimSpace(c.UserEmailHeader) == "" {
		return fmt.Errorf("%w: USER_ID_HEADER and USER_EMAIL_HEADER are required", ErrInvalidConfig)
	}
	if c.ImportConcurrency < 1 {
		return fmt.Errorf("%w: IMPORT_CONCURRENCY must be positive", ErrInvalidConfig)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("%w: LOG_FORMAT must be json or console", ErrInvalidConfig)
	}
	return nil
}
