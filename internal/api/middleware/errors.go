package middleware

import (
	"math"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/uneseule/uneseule-backend/internal/apperr"
)

// ErrorBody is the JSON shape of every failed response
type ErrorBody struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	ResetAt   int64  `json:"reset_at,omitempty"`
}

// statusCodes names plain HTTP failures that carry no protocol code
var statusCodes = map[int]string{
	fiber.StatusBadRequest:            string(apperr.CodeInvalidRequest),
	fiber.StatusUnauthorized:          "UNAUTHORIZED",
	fiber.StatusForbidden:             "FORBIDDEN",
	fiber.StatusNotFound:              string(apperr.CodeNotFound),
	fiber.StatusMethodNotAllowed:      "METHOD_NOT_ALLOWED",
	fiber.StatusRequestEntityTooLarge: "PAYLOAD_TOO_LARGE",
	fiber.StatusTooManyRequests:       string(apperr.CodeRateLimitExceeded),
	fiber.StatusUpgradeRequired:       "UPGRADE_REQUIRED",
}

// ErrorHandler renders handler errors. Protocol errors keep their code and
// status, rate limit denials advertise when to retry, anything else is a 500
// whose cause is logged but not returned.
func ErrorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		if e, ok := apperr.As(err); ok {
			body := ErrorBody{ErrorCode: string(e.Code), Message: e.Message}
			if !e.ResetAt.IsZero() {
				body.ResetAt = e.ResetAt.Unix()
				c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter(e.ResetAt)))
			}
			if e.HTTPStatus() >= fiber.StatusInternalServerError {
				logger.WithError(err).WithField("path", c.Path()).Warn("Request failed upstream")
			}
			return c.Status(e.HTTPStatus()).JSON(body)
		}

		if e, ok := err.(*fiber.Error); ok {
			code, known := statusCodes[e.Code]
			if !known {
				code = "ERROR"
			}
			return c.Status(e.Code).JSON(ErrorBody{ErrorCode: code, Message: e.Message})
		}

		logger.WithError(err).WithFields(logrus.Fields{
			"method": c.Method(),
			"path":   c.Path(),
		}).Error("Request failed")
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorBody{
			ErrorCode: "INTERNAL_ERROR",
			Message:   "internal server error",
		})
	}
}

// retryAfter is the whole seconds until resetAt, at least one
func retryAfter(resetAt time.Time) int {
	secs := int(math.Ceil(time.Until(resetAt).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
