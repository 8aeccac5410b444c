package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/internal/config"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

func TestRouter_ClaimChecksSignedInPurchaser(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		StorageBackend:    config.BackendMemory,
		UserIDHeader:      "X-User-Id",
		UserEmailHeader:   "X-User-Email",
		LookupTimeout:     time.Second,
		WebhookRateLimit:  -1,
		ImportConcurrency: 1,
	}
	logger := &entitlement.NoopLogger{}

	b, err := openBackend(ctx, cfg, false, logger, &entitlement.NoopMetrics{})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.storage.UpsertProduct(ctx, &entitlement.Product{
		SKU: "pro", DisplayName: "VideoRemix Pro", BillingType: entitlement.BillingLifetime, IsActive: true,
	}))
	engine, err := entitlement.NewEngine(b.storage, b.identity, entitlement.Config{})
	require.NoError(t, err)
	res, err := engine.Ingest(ctx, entitlement.NormalizedPaymentEvent{
		Provider:        entitlement.ProviderStripe,
		ProviderEventID: "evt_1",
		ProviderOrderID: "pi_1",
		PurchaserEmail:  "buyer@example.com",
		SKU:             "pro",
		Status:          entitlement.EventPaid,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Pending)

	router, err := newRouter(cfg, b, logger, &entitlement.NoopMetrics{}, &billing.NoopMetrics{})
	require.NoError(t, err)

	claim := func(userID, email string) int {
		body, err := json.Marshal(map[string]string{"pendingEntitlementId": res.Pending.ID, "userId": userID})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/claim", bytes.NewReader(body))
		if userID != "" {
			req.Header.Set("X-User-Id", userID)
		}
		if email != "" {
			req.Header.Set("X-User-Email", email)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, claim("", ""))
	assert.Equal(t, http.StatusForbidden, claim("attacker", "attacker@example.com"))
	assert.Equal(t, http.StatusOK, claim("user-1", "buyer@example.com"))

	req := httptest.NewRequest(http.MethodGet, "/pending-entitlements?email=buyer@example.com", http.NoBody)
	req.Header.Set("X-User-Email", "attacker@example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
