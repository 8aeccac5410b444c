// Package redis provides a Redis read-through cache for catalog lookups in
// front of any entitlement.Storage. Only found products and active mappings
// are cached; misses always reach the backend.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// Storage implements entitlement.Storage by caching catalog reads of the
// wrapped backend. Every other method is served by the backend directly.
type Storage struct {
	entitlement.Storage

	client redis.UniversalClient
	config Config
	group  singleflight.Group
}

var _ entitlement.Storage = (*Storage)(nil)

// Config holds Redis cache configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "entitlements:")
	KeyPrefix string

	// CatalogTTL is the TTL for cached products and mappings (default: 5m)
	CatalogTTL time.Duration

	Logger  entitlement.Logger
	Metrics entitlement.Metrics
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "entitlements:",
		CatalogTTL: 5 * time.Minute,
	}
}

// New wraps backend with a catalog cache.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, backend entitlement.Storage, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend storage is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "entitlements:"
	}
	if config.CatalogTTL <= 0 {
		config.CatalogTTL = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &entitlement.NoopMetrics{}
	}

	return &Storage{
		Storage: backend,
		client:  client,
		config:  config,
	}, nil
}

// GetProduct implements entitlement.Catalog
func (s *Storage) GetProduct(ctx context.Context, sku string) (*entitlement.Product, error) {
	var p entitlement.Product
	err := s.readThrough(ctx, s.productKey(sku), &p, func() (any, error) {
		return s.Storage.GetProduct(ctx, sku)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertProduct implements entitlement.Catalog
func (s *Storage) UpsertProduct(ctx context.Context, p *entitlement.Product) error {
	if err := s.Storage.UpsertProduct(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, s.productKey(p.SKU))
	return nil
}

// DeactivateProduct implements entitlement.Catalog
func (s *Storage) DeactivateProduct(ctx context.Context, sku string) error {
	if err := s.Storage.DeactivateProduct(ctx, sku); err != nil {
		return err
	}
	s.invalidate(ctx, s.productKey(sku))
	return nil
}

// ResolveMapping implements entitlement.Catalog
func (s *Storage) ResolveMapping(ctx context.Context, provider entitlement.Provider, providerProductID string) (*entitlement.ProviderMapping, error) {
	var m entitlement.ProviderMapping
	err := s.readThrough(ctx, s.mappingKey(provider, providerProductID), &m, func() (any, error) {
		return s.Storage.ResolveMapping(ctx, provider, providerProductID)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMapping implements entitlement.Catalog
func (s *Storage) UpsertMapping(ctx context.Context, m *entitlement.ProviderMapping) error {
	if err := s.Storage.UpsertMapping(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, s.mappingKey(m.Provider, m.ProviderProductID))
	return nil
}

// DeactivateMapping implements entitlement.Catalog
func (s *Storage) DeactivateMapping(ctx context.Context, provider entitlement.Provider, providerProductID string) error {
	if err := s.Storage.DeactivateMapping(ctx, provider, providerProductID); err != nil {
		return err
	}
	s.invalidate(ctx, s.mappingKey(provider, providerProductID))
	return nil
}

// readThrough decodes the cached value at key into dst, or loads it from the
// backend and caches it. Concurrent misses for the same key share one load.
// Redis failures degrade to backend reads.
func (s *Storage) readThrough(ctx context.Context, key string, dst any, load func() (any, error)) error {
	start := time.Now()
	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if err := json.Unmarshal(data, dst); err == nil {
			s.config.Metrics.RecordStorageOperation("cache_hit", time.Since(start), nil)
			return nil
		}
		s.config.Logger.Warn("discarding undecodable cache entry", entitlement.Field{Key: "key", Value: key})
	case !errors.Is(err, redis.Nil):
		s.config.Metrics.RecordStorageOperation("cache_get", time.Since(start), err)
		s.config.Logger.Warn("catalog cache read failed",
			entitlement.Field{Key: "key", Value: key},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		loaded, err := load()
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(loaded)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal cache entry: %w", err)
		}
		if err := s.client.Set(ctx, key, encoded, s.config.CatalogTTL).Err(); err != nil {
			s.config.Logger.Warn("catalog cache write failed",
				entitlement.Field{Key: "key", Value: key},
				entitlement.Field{Key: "error", Value: err.Error()},
			)
		}
		return encoded, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), dst)
}

func (s *Storage) invalidate(ctx context.Context, keys ...string) {
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		s.config.Logger.Error("catalog cache invalidation failed",
			entitlement.Field{Key: "keys", Value: keys},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
	}
}

func (s *Storage) productKey(sku string) string {
	return fmt.Sprintf("%sproduct:%s", s.config.KeyPrefix, sku)
}

func (s *Storage) mappingKey(provider entitlement.Provider, providerProductID string) string {
	return fmt.Sprintf("%smapping:%s:%s", s.config.KeyPrefix, provider, providerProductID)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
