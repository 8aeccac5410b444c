package paykickstart

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/storage/memory"
)

const testSecret = "pk_secret"

type fixture struct {
	store    *memory.Storage
	identity *memory.Identity
	provider *Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{store: memory.New(), identity: memory.NewIdentity()}
	require.NoError(t, f.store.UpsertProduct(ctx, &entitlement.Product{
		SKU: "agency", DisplayName: "VideoRemix Agency", BillingType: entitlement.BillingSubscription, IsActive: true,
	}))
	require.NoError(t, f.store.UpsertMapping(ctx, &entitlement.ProviderMapping{
		Provider: entitlement.ProviderPayKickstart, ProviderProductID: "4821", ProductSKU: "agency",
	}))

	engine, err := entitlement.NewEngine(f.store, f.identity, entitlement.Config{})
	require.NoError(t, err)

	f.provider, err = NewProvider(Config{Config: billing.Config{
		Ingester:      engine,
		WebhookSecret: testSecret,
		RateLimit:     -1,
	}})
	require.NoError(t, err)
	return f
}

func ipn(event, txn string) url.Values {
	return url.Values{
		"event":             {event},
		"transaction_id":    {txn},
		"invoice_id":        {"inv_77"},
		"buyer_email":       {"Buyer@Example.com"},
		"buyer_first_name":  {"Ada"},
		"product_id":        {"4821"},
		"amount":            {"97.00"},
		"next_payment_date": {"2031-01-15"},
		"affiliate_id":      {""},
	}
}

func signed(form url.Values, secret string) url.Values {
	out := url.Values{}
	for k, v := range form {
		out[k] = v
	}
	out.Set(signatureField, Sign(form, []byte(secret)))
	return out
}

func (f *fixture) post(t *testing.T, form url.Values) (*httptest.ResponseRecorder, billing.WebhookResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paykickstart", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.provider.WebhookHandler().ServeHTTP(w, req)

	var resp billing.WebhookResponse
	if w.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestSign(t *testing.T) {
	form := url.Values{
		"b":            {"2"},
		"a":            {"1"},
		"empty":        {""},
		signatureField: {"ignored"},
	}
	// hmac-sha1("pk_secret", "1|2")
	want := Sign(url.Values{"x": {"1"}, "y": {"2"}}, []byte(testSecret))
	assert.Equal(t, want, Sign(form, []byte(testSecret)))
	assert.Len(t, want, 40)
	assert.NotEqual(t, want, Sign(form, []byte("other")))
}

func TestWebhook_SalePendingThenRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w, resp := f.post(t, signed(ipn("sales", "txn_1"), testSecret))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "applied", resp.Status)

	p, err := f.store.FindPendingEntitlement(ctx, "buyer@example.com", "agency")
	require.NoError(t, err)
	assert.Equal(t, entitlement.PendingOpen, p.Status)
	assert.Equal(t, "inv_77", p.SourceTxnID)
	require.NotNil(t, p.ExpiresAt)
	assert.Equal(t, time.Date(2031, 1, 15, 0, 0, 0, 0, time.UTC), *p.ExpiresAt)

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "txn_1:sales", events[0].ProviderEventID)
	assert.Equal(t, int64(9700), events[0].AmountCents)
	assert.NotContains(t, string(events[0].Raw), signatureField)

	w, resp = f.post(t, signed(ipn("sales", "txn_1"), testSecret))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", resp.Status)

	w, resp = f.post(t, signed(ipn("refund", "txn_1"), testSecret))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "applied", resp.Status)

	p, err = f.store.FindPendingEntitlement(ctx, "buyer@example.com", "agency")
	require.NoError(t, err)
	assert.Equal(t, entitlement.PendingCancelled, p.Status)
}

func TestWebhook_KnownUserGrant(t *testing.T) {
	f := newFixture(t)
	f.identity.Add("buyer@example.com", "user-9")

	w, _ := f.post(t, signed(ipn("subscription-payment", "txn_2"), testSecret))
	require.Equal(t, http.StatusOK, w.Code)

	ent, err := f.store.GetUserEntitlement(context.Background(), "user-9", "agency")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, ent.Status)
	assert.Equal(t, "Ada", ent.Metadata["buyer_first_name"])
}

func TestWebhook_Rejections(t *testing.T) {
	f := newFixture(t)

	t.Run("wrong secret", func(t *testing.T) {
		w, resp := f.post(t, signed(ipn("sales", "txn_1"), "other"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_signature", resp.Error)
	})

	t.Run("tampered field", func(t *testing.T) {
		form := signed(ipn("sales", "txn_1"), testSecret)
		form.Set("product_id", "9999")
		w, resp := f.post(t, form)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_signature", resp.Error)
	})

	t.Run("missing signature", func(t *testing.T) {
		w, _ := f.post(t, ipn("sales", "txn_1"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing transaction id", func(t *testing.T) {
		form := ipn("sales", "")
		w, resp := f.post(t, signed(form, testSecret))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_payload", resp.Error)
	})

	t.Run("wrong method", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.provider.WebhookHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhooks/paykickstart", http.NoBody))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	assert.Empty(t, f.store.Events())
}

func TestWebhook_UnknownEventIsNoop(t *testing.T) {
	f := newFixture(t)

	w, resp := f.post(t, signed(ipn("affiliate-commission", "txn_3"), testSecret))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "noop", resp.Status)
	assert.Len(t, f.store.Events(), 1)
}

func TestWebhook_StorageFailureIsRetryable(t *testing.T) {
	p, err := NewProvider(Config{Config: billing.Config{
		Ingester: billing.IngesterFunc(func(context.Context, entitlement.NormalizedPaymentEvent) (*entitlement.IngestResult, error) {
			return nil, entitlement.ErrStorageUnavailable
		}),
		WebhookSecret: testSecret,
		RateLimit:     -1,
	}})
	require.NoError(t, err)
	f := &fixture{provider: p}

	w, resp := f.post(t, signed(ipn("sales", "txn_1"), testSecret))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "processing_failed", resp.Error)
}

func TestEventStatus(t *testing.T) {
	tests := map[string]entitlement.EventStatus{
		"sales":                  entitlement.EventPaid,
		"subscription-payment":   entitlement.EventPaid,
		"subscription-trial":     entitlement.EventTrial,
		"refund":                 entitlement.EventRefunded,
		"subscription-cancelled": entitlement.EventCancelled,
		"chargeback":             entitlement.EventChargeback,
		"dispute":                entitlement.EventChargeback,
		"rebill-failed":          entitlement.EventPending,
	}
	for event, want := range tests {
		assert.Equal(t, want, eventStatus(event), event)
	}
}

func TestParseDate(t *testing.T) {
	assert.Nil(t, parseDate(""))
	assert.Nil(t, parseDate("0"))
	assert.Nil(t, parseDate("soon"))
	assert.Equal(t, int64(1700000000), parseDate("1700000000").Unix())
	assert.Equal(t, time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC), *parseDate("2030-05-01"))
}
