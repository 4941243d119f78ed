package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/uneseule/uneseule-backend/internal/auth"
)

// AccessLog writes one structured line per request. Paths with any of the
// skip prefixes are not logged.
func AccessLog(logger *logrus.Logger, skipPaths ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := c.Path()
		for _, skip := range skipPaths {
			if strings.HasPrefix(path, skip) {
				return c.Next()
			}
		}

		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			// the error handler has not written the response yet
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			} else {
				status = 0
			}
		}

		fields := logrus.Fields{
			"method":      c.Method(),
			"path":        path,
			"ip":          c.IP(),
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if status != 0 {
			fields["status"] = status
		}
		if serial := c.Get(auth.HeaderDeviceSerial); serial != "" {
			fields["serial"] = serial
		}
		if userID := c.Locals("user_id"); userID != nil {
			fields["user_id"] = userID
		}

		entry := logger.WithFields(fields)
		switch {
		case err != nil:
			entry.WithError(err).Info("Request failed")
		case status >= fiber.StatusInternalServerError:
			entry.Warn("Request completed")
		default:
			entry.Debug("Request completed")
		}
		return err
	}
}
