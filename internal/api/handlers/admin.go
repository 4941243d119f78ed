package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/uneseule/uneseule-backend/internal/services"
)

// DeactivateDevice switches a device off and revokes its tokens
func DeactivateDevice(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := parseUUID(c.Params("id"), "device id")
		if err != nil {
			return err
		}
		if err := svc.Devices.Deactivate(c.Context(), id); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"success": true})
	}
}

// ReactivateDevice switches a device back on
func ReactivateDevice(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := parseUUID(c.Params("id"), "device id")
		if err != nil {
			return err
		}
		if err := svc.Devices.Reactivate(c.Context(), id); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"success": true})
	}
}

// GetDeviceHealth returns the health snapshot of any device
func GetDeviceHealth(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := parseUUID(c.Params("id"), "device id")
		if err != nil {
			return err
		}
		health, err := svc.Devices.Health(c.Context(), id)
		if err != nil {
			return err
		}
		return c.JSON(health)
	}
}

// GetConversation returns a conversation with its full transcript
func GetConversation(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rec, err := svc.Conversation(c.Context(), c.Params("ref"))
		if err != nil {
			return err
		}
		return c.JSON(rec)
	}
}

// ListAuditEvents returns the most recent audit events
func ListAuditEvents(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		entries, err := svc.Audit.Recent(c.Context(), c.QueryInt("limit", 0))
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"events": entries,
			"count":  len(entries),
		})
	}
}
