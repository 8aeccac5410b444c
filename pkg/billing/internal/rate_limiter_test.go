package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *time.Time) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(limit, window)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiter_AllowWithinWindow(t *testing.T) {
	rl, now := newTestLimiter(2, time.Minute)

	ok, _ := rl.allow("1.1.1.1")
	assert.True(t, ok)
	ok, _ = rl.allow("1.1.1.1")
	assert.True(t, ok)
	ok, resetAt := rl.allow("1.1.1.1")
	assert.False(t, ok)
	assert.Equal(t, now.Add(time.Minute), resetAt)

	ok, _ = rl.allow("2.2.2.2")
	assert.True(t, ok, "limits are per IP")

	*now = now.Add(time.Minute)
	ok, _ = rl.allow("1.1.1.1")
	assert.True(t, ok, "a new window starts after reset")
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl, _ := newTestLimiter(-1, time.Minute)
	for i := 0; i < 1000; i++ {
		ok, _ := rl.allow("1.1.1.1")
		require.True(t, ok)
	}
	assert.Empty(t, rl.requests)
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl, now := newTestLimiter(10, time.Minute)

	rl.requests["expired"] = &bucket{count: 5, resetAt: now.Add(-time.Second)}
	rl.requests["active"] = &bucket{count: 3, resetAt: now.Add(time.Minute)}

	rl.Cleanup()

	assert.NotContains(t, rl.requests, "expired")
	assert.Contains(t, rl.requests, "active")
}

func TestRateLimiter_MapStaysBounded(t *testing.T) {
	rl, now := newTestLimiter(10, time.Minute)

	for i := 0; i < 500; i++ {
		rl.allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	}
	*now = now.Add(2 * time.Minute)
	for i := 0; i < rl.cleanupEvery; i++ {
		rl.allow("10.9.9.9")
	}

	assert.LessOrEqual(t, len(rl.requests), 1)
	assert.LessOrEqual(t, rl.requestCount, rl.cleanupEvery*10)
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(1, time.Minute)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.RemoteAddr = "192.168.1.1:4444"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "61", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate_limit_exceeded"}`, w.Body.String())
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr with port", nil, "10.0.0.1:1234", "10.0.0.1"},
		{"remote addr without port", nil, "10.0.0.1", "10.0.0.1"},
		{"forwarded for", map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1"}, "10.0.0.1:1", "1.2.3.4"},
		{"real ip", map[string]string{"X-Real-IP": "5.6.7.8"}, "10.0.0.1:1", "5.6.7.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}

func TestReadBodyStrict(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	_, err := ReadBodyStrict(w, req, 10)
	assert.Error(t, err)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789abc"))
	_, err = ReadBodyStrict(w, req, 10)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("ok"))
	body, err := ReadBodyStrict(w, req, 10)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}
