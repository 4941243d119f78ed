package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/uneseule/uneseule-backend/internal/apperr"
)

func limitReached(c *fiber.Ctx) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(ErrorBody{
		ErrorCode: string(apperr.CodeRateLimitExceeded),
		Message:   "Too many requests. Please try again later.",
	})
}

// RegisterRateLimit limits unsigned registrations per client IP per hour
func RegisterRateLimit(max int) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: 1 * time.Hour,
		KeyGenerator: func(c *fiber.Ctx) string {
			return fmt.Sprintf("register:%s", c.IP())
		},
		LimitReached: limitReached,
	})
}

// WebhookRateLimit limits webhook deliveries per source IP per minute
func WebhookRateLimit(max int) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return fmt.Sprintf("webhook:%s", c.IP())
		},
		LimitReached:       limitReached,
		SkipFailedRequests: true,
	})
}
