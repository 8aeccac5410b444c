// +build integration

package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/storage/memory"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

// countingStorage counts catalog reads that reach the backend.
type countingStorage struct {
	*memory.Storage
	productReads atomic.Int32
	mappingReads atomic.Int32
}

func (c *countingStorage) GetProduct(ctx context.Context, sku string) (*entitlement.Product, error) {
	c.productReads.Add(1)
	return c.Storage.GetProduct(ctx, sku)
}

func (c *countingStorage) ResolveMapping(ctx context.Context, provider entitlement.Provider, id string) (*entitlement.ProviderMapping, error) {
	c.mappingReads.Add(1)
	return c.Storage.ResolveMapping(ctx, provider, id)
}

func setupCache(t *testing.T) (*Storage, *countingStorage) {
	t.Helper()
	backend := &countingStorage{Storage: memory.New()}
	cache, err := New(setupTestRedis(t), backend, DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	err = cache.UpsertProduct(context.Background(), &entitlement.Product{
		SKU: "pro", DisplayName: "Pro", BillingType: entitlement.BillingLifetime, IsActive: true,
		Features: map[string]any{"max_videos": 100},
	})
	if err != nil {
		t.Fatalf("UpsertProduct failed: %v", err)
	}
	return cache, backend
}

func TestNew(t *testing.T) {
	if _, err := New(nil, memory.New(), DefaultConfig()); err == nil {
		t.Error("Expected error for nil client")
	}
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if _, err := New(client, nil, DefaultConfig()); err == nil {
		t.Error("Expected error for nil backend")
	}
}

func TestStorage_GetProduct_ReadThrough(t *testing.T) {
	cache, backend := setupCache(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := cache.GetProduct(ctx, "pro")
		if err != nil {
			t.Fatalf("GetProduct failed: %v", err)
		}
		if p.Features["max_videos"] != float64(100) {
			t.Errorf("Unexpected features: %+v", p.Features)
		}
	}
	if n := backend.productReads.Load(); n != 1 {
		t.Errorf("Expected 1 backend read, got %d", n)
	}

	if err := cache.DeactivateProduct(ctx, "pro"); err != nil {
		t.Fatalf("DeactivateProduct failed: %v", err)
	}
	p, _ := cache.GetProduct(ctx, "pro")
	if p.IsActive {
		t.Error("Expected invalidation after DeactivateProduct")
	}
}

func TestStorage_ResolveMapping_NoNegativeCaching(t *testing.T) {
	cache, backend := setupCache(t)
	ctx := context.Background()

	if _, err := cache.ResolveMapping(ctx, entitlement.ProviderStripe, "price_1"); err != entitlement.ErrMappingNotFound {
		t.Fatalf("Expected ErrMappingNotFound, got %v", err)
	}

	m := &entitlement.ProviderMapping{Provider: entitlement.ProviderStripe, ProviderProductID: "price_1", ProductSKU: "pro"}
	if err := backend.UpsertMapping(ctx, m); err != nil {
		t.Fatalf("UpsertMapping failed: %v", err)
	}

	got, err := cache.ResolveMapping(ctx, entitlement.ProviderStripe, "price_1")
	if err != nil {
		t.Fatalf("A new mapping must be visible immediately: %v", err)
	}
	if got.ProductSKU != "pro" {
		t.Errorf("ProductSKU = %s, want pro", got.ProductSKU)
	}

	if err := cache.DeactivateMapping(ctx, entitlement.ProviderStripe, "price_1"); err != nil {
		t.Fatalf("DeactivateMapping failed: %v", err)
	}
	if _, err := cache.ResolveMapping(ctx, entitlement.ProviderStripe, "price_1"); err != entitlement.ErrMappingNotFound {
		t.Errorf("Expected ErrMappingNotFound after deactivation, got %v", err)
	}
}

func TestStorage_GetProduct_Concurrent(t *testing.T) {
	cache, backend := setupCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.GetProduct(ctx, "pro"); err != nil {
				t.Errorf("GetProduct failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := backend.productReads.Load(); n > 10 {
		t.Errorf("Expected concurrent misses to collapse, got %d backend reads", n)
	}
}
