// Package gin provides Gin middleware for entitlement enforcement
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// SKUExtractor extracts the product SKU a route requires
// For example: "pro", "agency", "reseller"
type SKUExtractor func(c *gongin.Context) string

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
	OnForbidden func(c *gongin.Context, sku string)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// UserIDKey is the Gin context key the middleware stores the user ID under
const UserIDKey = "entitlements.user_id"

var errNoSKU = errors.New("no sku for request")

// RequireEntitlement creates a Gin middleware that aborts requests from users
// without an active entitlement to the SKU
func RequireEntitlement(cfg Config) gongin.HandlerFunc {
	if cfg.Checker == nil {
		panic("entitlements/gin: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("entitlements/gin: Config.GetUserID is required")
	}
	if cfg.GetSKU == nil {
		panic("entitlements/gin: Config.GetSKU is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		sku := cfg.GetSKU(c)
		if sku == "" {
			fail(c, cfg, errNoSKU)
			return
		}

		granted, err := cfg.Checker.HasAccess(c.Request.Context(), userID, sku)
		if err != nil {
			fail(c, cfg, err)
			return
		}
		if !granted {
			if cfg.OnForbidden != nil {
				cfg.OnForbidden(c, sku)
			} else {
				defaultForbidden(c, sku)
			}
			c.Abort()
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

func fail(c *gongin.Context, cfg Config, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
	} else {
		defaultError(c, err)
	}
	c.Abort()
}

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultForbidden(c *gongin.Context, sku string) {
	c.JSON(http.StatusForbidden, gongin.H{"error": "Entitlement required", "sku": sku})
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// FromContext returns an UserIDExtractor that gets user ID from Gin context
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if userID, exists := c.Get(key); exists {
			if id, ok := userID.(string); ok {
				return id
			}
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns an UserIDExtractor that gets user ID from a URL parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FixedSKU returns a SKUExtractor that always requires the same product
func FixedSKU(sku string) SKUExtractor {
	return func(_ *gongin.Context) string {
		return sku
	}
}

// SKUFromParam returns a SKUExtractor that reads a route parameter
func SKUFromParam(paramName string) SKUExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
