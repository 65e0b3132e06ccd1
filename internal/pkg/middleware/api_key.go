package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/bicimarket/bicimarket/internal/pkg/env"
)

// InternalTokenMiddleware protects service-to-service routes with a shared
// token from INTERNAL_API_TOKEN. With no token configured every request is
// rejected.
func InternalTokenMiddleware() fiber.Handler {
	return InternalTokenMiddlewareWithToken(env.GetEnv("INTERNAL_API_TOKEN", ""))
}

func InternalTokenMiddlewareWithToken(token string) fiber.Handler {
	expected := []byte(strings.TrimSpace(token))
	if len(expected) == 0 {
		log.Warn("[API] INTERNAL_API_TOKEN is empty, internal routes are disabled")
	}
	return func(c *fiber.Ctx) error {
		if len(expected) == 0 {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unavailable", "message": "Internal API disabled"})
		}
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), expected) != 1 {
			log.Warnf("[API] rejected internal request from %s to %s", c.IP(), c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}
		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
