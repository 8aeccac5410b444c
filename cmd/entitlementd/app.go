package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/internal/config"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
	zerologadapter "github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement/logger/zerolog"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/storage/firestore"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/storage/memory"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/storage/postgres"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/storage/redis"
)

// backend bundles the storage, identity and their cleanup.
type backend struct {
	storage  entitlement.Storage
	identity interface {
		entitlement.IdentityResolver
		entitlement.AccountProvisioner
	}
	postgres *postgres.Storage
	closers  []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	var paths []string
	if f := c.String("env-file"); f != "" {
		paths = append(paths, f)
	}
	return config.Load(paths...)
}

func newLogger(cfg *config.Config) (zerolog.Logger, entitlement.Logger) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var zl zerolog.Logger
	if cfg.LogFormat == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zl = zerolog.New(os.Stderr)
	}
	zl = zl.Level(level).With().Timestamp().Str("service", "entitlementd").Logger()
	return zl, zerologadapter.NewLogger(&zl)
}

// openBackend connects the configured storage backend and, when REDIS_URL is
// set, puts the catalog cache in front of it. sweep starts the postgres expiry
// sweeper.
func openBackend(ctx context.Context, cfg *config.Config, sweep bool, logger entitlement.Logger, metrics entitlement.Metrics) (*backend, error) {
	b := &backend{}

	switch cfg.StorageBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory storage, state is lost on restart")
		b.storage = memory.New()
		b.identity = memory.NewIdentity()
	case config.BackendFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		b.closers = append(b.closers, func() { _ = client.Close() })

		prefix := cfg.FirestorePrefix
		store, err := firestore.New(client, firestore.Config{
			ProductsCollection:     prefix + "entitlement_products",
			MappingsCollection:     prefix + "entitlement_mappings",
			EventsCollection:       prefix + "purchase_events",
			EntitlementsCollection: prefix + "user_entitlements",
			PendingCollection:      prefix + "pending_entitlements",
		})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.storage = store
		b.identity = firestore.NewIdentity(client, prefix+cfg.IdentityTable)
	default:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		pgConfig.MaxConns = cfg.DBMaxConns
		pgConfig.MinConns = cfg.DBMinConns
		pgConfig.SweepInterval = cfg.SweepInterval
		pgConfig.SweepEnabled = sweep && cfg.SweepInterval > 0
		pgConfig.Logger = logger
		pgConfig.Metrics = metrics

		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, store.Close)
		b.storage = store
		b.identity = postgres.NewIdentity(store.Pool(), cfg.IdentityTable)
		b.postgres = store
	}

	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, catalog cache will fall back to storage",
				entitlement.Field{Key: "error", Value: err.Error()})
		}

		cacheConfig := redis.DefaultConfig()
		cacheConfig.CatalogTTL = cfg.CatalogCacheTTL
		cacheConfig.Logger = logger
		cacheConfig.Metrics = metrics
		cached, err := redis.New(client, b.storage, cacheConfig)
		if err != nil {
			_ = client.Close()
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = cached.Close() })
		b.storage = cached
	}

	return b, nil
}
