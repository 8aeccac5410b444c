// Package fiber provides Fiber middleware for entitlement enforcement
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// SKUExtractor extracts the product SKU a route requires
type SKUExtractor func(c *fiber.Ctx) string

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
	OnForbidden func(c *fiber.Ctx, sku string) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// UserIDKey is the Locals key the middleware stores the user ID under
const UserIDKey = "entitlements.user_id"

var errNoSKU = errors.New("no sku for request")

// RequireEntitlement creates a Fiber middleware that rejects requests from
// users without an active entitlement to the SKU. Register it on the route
// (not app.Use) when the SKU comes from a route parameter.
func RequireEntitlement(cfg Config) fiber.Handler {
	if cfg.Checker == nil {
		panic("entitlements/fiber: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("entitlements/fiber: Config.GetUserID is required")
	}
	if cfg.GetSKU == nil {
		panic("entitlements/fiber: Config.GetSKU is required")
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

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			return cfg.OnUnauthorized(c)
		}

		sku := cfg.GetSKU(c)
		if sku == "" {
			return cfg.OnError(c, errNoSKU)
		}

		granted, err := cfg.Checker.HasAccess(c.UserContext(), userID, sku)
		if err != nil {
			return cfg.OnError(c, err)
		}
		if !granted {
			return cfg.OnForbidden(c, sku)
		}

		c.Locals(UserIDKey, userID)
		return c.Next()
	}
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultForbidden(c *fiber.Ctx, sku string) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Entitlement required", "sku": sku})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// FromContext returns a UserIDExtractor that gets user ID from Fiber Locals,
// as set by an auth middleware via c.Locals("UserID", userID)
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FixedSKU returns a SKUExtractor that always requires the same product
func FixedSKU(sku string) SKUExtractor {
	return func(*fiber.Ctx) string {
		return sku
	}
}

// SKUFromParam returns a SKUExtractor that reads a route parameter
func SKUFromParam(paramName string) SKUExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
