package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/uneseule/uneseule-backend/internal/auth"
	"github.com/uneseule/uneseule-backend/internal/models"
)

// AuthConfig holds operator authentication configuration
type AuthConfig struct {
	JWT         *auth.JWTService
	RequireRole string
}

// AdminRequired creates a middleware that requires an operator with the admin role
func AdminRequired(jwt *auth.JWTService) fiber.Handler {
	return AuthMiddleware(AuthConfig{
		JWT:         jwt,
		RequireRole: models.RoleAdmin,
	})
}

// AuthMiddleware validates a parent or operator access token
func AuthMiddleware(config AuthConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := auth.ExtractTokenFromBearer(c.Get(fiber.HeaderAuthorization))

		// Browsers cannot set headers on websocket upgrades
		if token == "" && websocket.IsWebSocketUpgrade(c) {
			token = c.Query("token")
		}

		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "authentication required")
		}

		claims, err := config.JWT.ValidateToken(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid or expired token")
		}

		operator, err := claims.Operator()
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token claims")
		}

		if config.RequireRole != "" && operator.Role != config.RequireRole {
			return fiber.NewError(fiber.StatusForbidden, "insufficient permissions")
		}

		c.Locals("user_id", operator.UserID.String())
		c.Locals("operator", operator)
		return c.Next()
	}
}

// GetOperator retrieves the operator from the fiber context
func GetOperator(c *fiber.Ctx) *models.OperatorContext {
	if op, ok := c.Locals("operator").(*models.OperatorContext); ok {
		return op
	}
	return nil
}
