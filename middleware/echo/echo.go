// Package echo provides Echo middleware for entitlement enforcement
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// SKUExtractor extracts the product SKU a route requires
type SKUExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Checker is the access checker instance
	Checker *entitlement.AccessChecker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetSKU extracts the required SKU from context (required)
	GetSKU SKUExtractor

	// OnForbidden is called when the user has no active entitlement
	// If nil, returns 403 JSON naming the missing SKU
	OnForbidden func(c echo.Context, sku string) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// UserIDKey is the Echo context key the middleware stores the user ID under
const UserIDKey = "entitlements.user_id"

var errNoSKU = errors.New("no sku for request")

// RequireEntitlement creates an Echo middleware that rejects requests from
// users without an active entitlement to the SKU
func RequireEntitlement(cfg Config) echo.MiddlewareFunc {
	if cfg.Checker == nil {
		panic("entitlements/echo: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("entitlements/echo: Config.GetUserID is required")
	}
	if cfg.GetSKU == nil {
		panic("entitlements/echo: Config.GetSKU is required")
	}
	if cfg.OnUnauthorized == nil {
		cfg.OnUnauthorized = defaultUnauthorized
	}
	if cfg.OnForbidden == nil {
		cfg.OnForbidden = defaultForbidden
	}
	if cfg.OnError == nil {
		cfg.OnError = defaultError
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				return cfg.OnUnauthorized(c)
			}

			sku := cfg.GetSKU(c)
			if sku == "" {
				return cfg.OnError(c, errNoSKU)
			}

			granted, err := cfg.Checker.HasAccess(c.Request().Context(), userID, sku)
			if err != nil {
				return cfg.OnError(c, err)
			}
			if !granted {
				return cfg.OnForbidden(c, sku)
			}

			c.Set(UserIDKey, userID)
			return next(c)
		}
	}
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultForbidden(c echo.Context, sku string) error {
	return c.JSON(http.StatusForbidden, map[string]string{"error": "Entitlement required", "sku": sku})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an upstream auth middleware, e.g. c.Set("UserID", userID)
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FixedSKU returns a SKUExtractor that always requires the same product
func FixedSKU(sku string) SKUExtractor {
	return func(echo.Context) string {
		return sku
	}
}

// SKUFromParam returns a SKUExtractor that reads a route parameter
func SKUFromParam(paramName string) SKUExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
