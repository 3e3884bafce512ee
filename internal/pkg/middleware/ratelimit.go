package middleware

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/droplink/droplink-api/internal/pkg/cache"
	"github.com/droplink/droplink-api/internal/pkg/env"
	"github.com/droplink/droplink-api/internal/pkg/usercontext"
)

const defaultRateLimitMax = 60

// NewRedisLimiterStorage returns limiter storage on the cache server, using
// database 1 so limiter keys stay apart from the job queue on DB 0.
func NewRedisLimiterStorage() fiber.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if client := cache.GetClient(); client != nil {
		if h, p, err := net.SplitHostPort(client.Options().Addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := client.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}

// RateLimiter limits requests per Pi username, falling back to the client IP.
// A nil storage keeps counters in memory.
func RateLimiter(storage fiber.Storage) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        env.GetEnvInt("RATE_LIMIT_MAX", defaultRateLimitMax),
		Expiration: time.Minute,
		Storage:    storage,
		KeyGenerator: func(c *fiber.Ctx) string {
			if username := usercontext.GetUsername(c); username != "" {
				return "pi:" + username
			}
			return "ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests",
			})
		},
	})
}
