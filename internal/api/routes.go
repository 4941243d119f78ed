package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"github.com/uneseule/uneseule-backend/internal/api/handlers"
	"github.com/uneseule/uneseule-backend/internal/api/middleware"
	"github.com/uneseule/uneseule-backend/internal/auth"
	"github.com/uneseule/uneseule-backend/internal/config"
	"github.com/uneseule/uneseule-backend/internal/events"
	"github.com/uneseule/uneseule-backend/internal/services"
)

// Deps are the collaborators of the HTTP surface
type Deps struct {
	Config   *config.Config
	Services *services.Services
	JWT      *auth.JWTService
	Hub      *events.Hub
	Logger   *logrus.Logger
}

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, d Deps) {
	svc := d.Services
	limits := d.Config.RateLimit

	api := app.Group("/api/v1")

	// Health check
	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":         "healthy",
			"service":        "uneseule-backend",
			"voice_provider": d.Config.Voice.Provider,
		})
	})

	// ========================================
	// Device routes
	// ========================================

	device := api.Group("/device")
	device.Post("/register",
		middleware.RegisterRateLimit(limits.RegisterPerHour),
		middleware.ProvisioningKey(d.Config.Security.ProvisioningKeyHash),
		handlers.RegisterDevice(svc))

	// Everything else is signed with the device secret
	signed := device.Group("", middleware.DeviceAuth(svc.Devices, svc.Limiter))
	signed.Post("/pair", handlers.PairDevice(svc))
	signed.Post("/unpair", handlers.UnpairDevice(svc))
	signed.Post("/token", handlers.IssueToken(svc))
	signed.Post("/status", handlers.ReportStatus(svc))
	signed.Get("/health", handlers.DeviceHealth(svc))

	// ========================================
	// Provider webhooks
	// ========================================

	webhooks := api.Group("/webhooks", middleware.WebhookRateLimit(limits.WebhookPerMinute))
	webhooks.Post("/voice", handlers.VoiceWebhook(svc))
	webhooks.Post("/payment", handlers.PaymentWebhook(svc))

	// ========================================
	// Operator routes
	// ========================================

	admin := api.Group("/admin", middleware.AdminRequired(d.JWT))
	admin.Post("/devices/:id/deactivate", handlers.DeactivateDevice(svc))
	admin.Post("/devices/:id/reactivate", handlers.ReactivateDevice(svc))
	admin.Get("/devices/:id/health", handlers.GetDeviceHealth(svc))
	admin.Get("/conversations/:ref", handlers.GetConversation(svc))
	admin.Get("/audit", handlers.ListAuditEvents(svc))

	// Live event feed
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", middleware.AdminRequired(d.JWT), websocket.New(handlers.EventStream(d.Hub, d.Logger)))
}
