package gin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/storage/memory"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

// errorStorage is a mock storage that always fails entitlement reads
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) GetUserEntitlement(_ context.Context, _, _ string) (*entitlement.UserEntitlement, error) {
	return nil, errors.New("connection refused")
}

func setupChecker(t *testing.T, store entitlement.Storage) *entitlement.AccessChecker {
	t.Helper()

	err := store.UpsertUserEntitlement(context.Background(), &entitlement.UserEntitlement{
		UserID:         "user-1",
		ProductSKU:     "pro",
		SourceProvider: entitlement.ProviderPayKickstart,
		SourceTxnID:    "txn_1",
		Status:         entitlement.StatusActive,
		StartedAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Failed to seed entitlement: %v", err)
	}

	checker, err := entitlement.NewAccessChecker(store, entitlement.Config{})
	if err != nil {
		t.Fatalf("Failed to create checker: %v", err)
	}
	return checker
}

func newRouter(cfg Config) *gongin.Engine {
	r := gongin.New()
	r.GET("/courses/:sku", RequireEntitlement(cfg), func(c *gongin.Context) {
		c.String(http.StatusOK, c.GetString(UserIDKey))
	})
	return r
}

func serve(r http.Handler, path, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireEntitlement(t *testing.T) {
	r := newRouter(Config{
		Checker:   setupChecker(t, memory.New()),
		GetUserID: FromHeader("X-User-ID"),
		GetSKU:    SKUFromParam("sku"),
	})

	w := serve(r, "/courses/pro", "user-1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w.Body.String() != "user-1" {
		t.Errorf("Expected user ID in context, got %q", w.Body.String())
	}

	w = serve(r, "/courses/agency", "user-1")
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d", w.Code)
	}
	if w.Body.String() != `{"error":"Entitlement required","sku":"agency"}` {
		t.Errorf("Unexpected body: %s", w.Body.String())
	}

	w = serve(r, "/courses/pro", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestRequireEntitlement_StorageError(t *testing.T) {
	var gotErr error
	r := newRouter(Config{
		Checker:   setupChecker(t, &errorStorage{memory.New()}),
		GetUserID: FromHeader("X-User-ID"),
		GetSKU:    FixedSKU("pro"),
		OnError: func(c *gongin.Context, err error) {
			gotErr = err
			c.Status(http.StatusServiceUnavailable)
		},
	})

	w := serve(r, "/courses/pro", "user-1")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
	if !errors.Is(gotErr, entitlement.ErrStorageUnavailable) {
		t.Errorf("Expected ErrStorageUnavailable, got %v", gotErr)
	}
}

func TestRequireEntitlement_DefaultError(t *testing.T) {
	r := newRouter(Config{
		Checker:   setupChecker(t, memory.New()),
		GetUserID: FromHeader("X-User-ID"),
		GetSKU:    FixedSKU(""),
	})

	if w := serve(r, "/courses/pro", "user-1"); w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
}

func TestRequireEntitlement_CustomForbidden(t *testing.T) {
	r := newRouter(Config{
		Checker:   setupChecker(t, memory.New()),
		GetUserID: FromHeader("X-User-ID"),
		GetSKU:    FixedSKU("reseller"),
		OnForbidden: func(c *gongin.Context, sku string) {
			c.JSON(http.StatusPaymentRequired, gongin.H{"upgrade": sku})
		},
	})

	w := serve(r, "/courses/pro", "user-1")
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected 402, got %d", w.Code)
	}
}

func TestRequireEntitlement_RequiredConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic without GetSKU")
		}
	}()
	RequireEntitlement(Config{
		Checker:   setupChecker(t, memory.New()),
		GetUserID: FromHeader("X-User-ID"),
	})
}
