package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/storage/memory"
)

// errorStorage is a mock storage that always fails entitlement reads
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) GetUserEntitlement(_ context.Context, _, _ string) (*entitlement.UserEntitlement, error) {
	return nil, errors.New("connection refused")
}

// Test helper to create a checker where user1 owns "pro" and an expired "monthly"
func setupChecker(t *testing.T, store entitlement.Storage) *entitlement.AccessChecker {
	t.Helper()

	ctx := context.Background()
	now := time.Now().UTC()
	expired := now.Add(-time.Minute)
	for _, ent := range []*entitlement.UserEntitlement{
		{UserID: "user1", ProductSKU: "pro", Status: entitlement.StatusActive, StartedAt: now},
		{UserID: "user1", ProductSKU: "monthly", Status: entitlement.StatusActive, StartedAt: now.Add(-time.Hour), ExpiresAt: &expired},
	} {
		ent.SourceProvider = entitlement.ProviderStripe
		ent.SourceTxnID = "sub_" + ent.ProductSKU
		if err := store.UpsertUserEntitlement(ctx, ent); err != nil {
			t.Fatalf("Failed to seed entitlement: %v", err)
		}
	}

	checker, err := entitlement.NewAccessChecker(store, entitlement.Config{})
	if err != nil {
		t.Fatalf("Failed to create checker: %v", err)
	}
	return checker
}

func newServer(cfg Config) *echo.Echo {
	e := echo.New()
	g := e.Group("/members", RequireEntitlement(cfg))
	g.GET("/:sku", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Get(UserIDKey).(string))
	})
	return e
}

func request(e *echo.Echo, path, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRequireEntitlement(t *testing.T) {
	e := newServer(Config{
		Checker:   setupChecker(t, memory.New()),
		GetUserID: FromHeader("X-User-ID"),
		GetSKU:    SKUFromParam("sku"),
	})

	tests := []struct {
		path     string
		userID   string
		wantCode int
	}{
		{"/members/pro", "user1", http.StatusOK},
		{"/members/monthly", "user1", http.StatusForbidden},
		{"/members/pro", "user2", http.StatusForbidden},
		{"/members/pro", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		rec := request(e, tt.path, tt.userID)
		if rec.Code != tt.wantCode {
			t.Errorf("%s as %q: expected %d, got %d", tt.path, tt.userID, tt.wantCode, rec.Code)
		}
	}

	rec := request(e, "/members/monthly", "user1")
	if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"Entitlement required","sku":"monthly"}` {
		t.Errorf("Unexpected forbidden body: %s", got)
	}
	rec = request(e, "/members/pro", "user1")
	if rec.Body.String() != "user1" {
		t.Errorf("Expected user ID in context, got %q", rec.Body.String())
	}
}

func TestRequireEntitlement_StorageError(t *testing.T) {
	e := newServer(Config{
		Checker:   setupChecker(t, &errorStorage{memory.New()}),
		GetUserID: FromHeader("X-User-ID"),
		GetSKU:    SKUFromParam("sku"),
	})

	if rec := request(e, "/members/pro", "user1"); rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
}

func TestRequireEntitlement_CustomHandlers(t *testing.T) {
	e := newServer(Config{
		Checker:   setupChecker(t, memory.New()),
		GetUserID: FromContext("UserID"),
		GetSKU:    FixedSKU("agency"),
		OnUnauthorized: func(c echo.Context) error {
			return c.NoContent(http.StatusTeapot)
		},
		OnForbidden: func(c echo.Context, sku string) error {
			return c.JSON(http.StatusPaymentRequired, map[string]string{"upgrade": sku})
		},
	})

	if rec := request(e, "/members/pro", "user1"); rec.Code != http.StatusTeapot {
		t.Errorf("Expected 418 without context user, got %d", rec.Code)
	}

	e.Pre(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("UserID", "user1")
			return next(c)
		}
	})
	if rec := request(e, "/members/pro", ""); rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected 402, got %d", rec.Code)
	}
}

func TestRequireEntitlement_PanicsWithoutChecker(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic without Checker")
		}
	}()
	RequireEntitlement(Config{GetUserID: FromHeader("X-User-ID"), GetSKU: FixedSKU("pro")})
}
