// Package http provides net/http middleware that gates handlers on an active
// entitlement. It also works with chi and any router built on http.Handler.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// SKUExtractor returns the product SKU the request requires
type SKUExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Checker answers access questions (required)
	Checker *entitlement.AccessChecker

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetSKU extracts the required SKU from request (required)
	GetSKU SKUExtractor

	// OnForbidden is called when the user has no active entitlement
	// If nil, returns 403 with a JSON body
	OnForbidden func(w http.ResponseWriter, r *http.Request, sku string)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireEntitlement creates an HTTP middleware that only lets requests
// through when the user holds an active entitlement to the SKU
func RequireEntitlement(config Config) func(http.Handler) http.Handler {
	if config.Checker == nil {
		panic("entitlements/http: Config.Checker is required")
	}
	if config.GetUserID == nil {
		panic("entitlements/http: Config.GetUserID is required")
	}
	if config.GetSKU == nil {
		panic("entitlements/http: Config.GetSKU is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			sku := config.GetSKU(r)
			granted := false
			err := fmt.Errorf("no sku for request")
			if sku != "" {
				granted, err = config.Checker.HasAccess(r.Context(), userID, sku)
			}
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !granted {
				if config.OnForbidden != nil {
					config.OnForbidden(w, r, sku)
				} else {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusForbidden)
					//nolint:errcheck // best effort body
					_ = json.NewEncoder(w).Encode(map[string]string{"error": "Entitlement required", "sku": sku})
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// HandlerFunc creates the middleware for http.HandlerFunc chains
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireEntitlement(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "entitlements:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedSKU returns a SKUExtractor that always requires the same product
func FixedSKU(sku string) SKUExtractor {
	return func(r *http.Request) string {
		return sku
	}
}

// SKUFromPath returns a SKUExtractor that reads a path wildcard (Go 1.22
// patterns such as "/videos/{sku}")
func SKUFromPath(name string) SKUExtractor {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
