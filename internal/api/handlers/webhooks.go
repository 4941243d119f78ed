package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/uneseule/uneseule-backend/internal/models"
	"github.com/uneseule/uneseule-backend/internal/services"
)

// VoiceWebhook ingests a voice provider delivery. The response is a bare
// acknowledgement; unknown sessions are accepted so the provider stops
// redelivering.
func VoiceWebhook(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ingestor := svc.Webhooks
		result, err := ingestor.Ingest(c.Context(), c.Get(ingestor.SignatureHeader()), c.Body())
		if err != nil {
			return err
		}

		status := fiber.StatusOK
		if result.Outcome == models.IngestUnknownSession {
			status = fiber.StatusAccepted
		}
		return c.Status(status).JSON(fiber.Map{
			"success": true,
			"outcome": result.Outcome,
		})
	}
}

// PaymentWebhook applies a payment provider subscription event
func PaymentWebhook(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ingestor := svc.Payments
		applied, err := ingestor.Ingest(c.Context(), c.Get(ingestor.SignatureHeader()), c.Body())
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"success": true,
			"applied": applied,
		})
	}
}
