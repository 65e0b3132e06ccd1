package router

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/bicimarket/bicimarket/internal/pkg/cache"
	"github.com/bicimarket/bicimarket/internal/pkg/env"
)

// newLimiterStorage shares rate limit counters across instances through
// Redis. It returns nil (in-memory counters) when Redis is unreachable,
// since redis.New panics on a failed connection.
func newLimiterStorage() fiber.Storage {
	if !env.GetEnvBool("LIMITER_REDIS", true) || !cache.Healthy(context.Background()) {
		log.Warn("[Router] rate limiter uses in-memory storage")
		return nil
	}
	port, err := strconv.Atoi(env.GetEnv("CACHE_PORT", "6379"))
	if err != nil {
		port = 6379
	}
	return redis.New(redis.Config{
		Host:     env.GetEnv("CACHE_HOST", "localhost"),
		Port:     port,
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		Database: 2, // Separate database for rate limits
		Reset:    false,
	})
}

func newLimiter(storage fiber.Storage, maxEnv string, def int) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        env.GetEnvInt(maxEnv, def),
		Expiration: time.Minute,
		Storage:    storage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
		},
	})
}
