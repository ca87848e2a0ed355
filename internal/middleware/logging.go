package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/vshub/backend/pkg/logger"
)

// RequestLogger emits one structured line per request with latency and the
// resolved user, when authentication already ran.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		details := map[string]interface{}{
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     c.Response().StatusCode(),
			"latency_ms": time.Since(start).Milliseconds(),
			"ip":         c.IP(),
		}
		if user := GetCurrentUser(c); user != nil {
			details["user_id"] = user.ID.String()
		}

		logger.Info("http_request", details)
		return err
	}
}
