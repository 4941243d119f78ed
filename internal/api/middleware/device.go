package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/uneseule/uneseule-backend/internal/apperr"
	"github.com/uneseule/uneseule-backend/internal/auth"
	"github.com/uneseule/uneseule-backend/internal/models"
	"github.com/uneseule/uneseule-backend/internal/ratelimit"
	"github.com/uneseule/uneseule-backend/internal/services"
)

const localDevice = "device"

// DeviceAuth authenticates a signed device request over its raw body and
// applies the per-minute protection window before any handler runs
func DeviceAuth(devices *services.DeviceService, limiter *ratelimit.Limiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req := auth.SignedRequest{
			Serial:    c.Get(auth.HeaderDeviceSerial),
			Signature: c.Get(auth.HeaderDeviceSignature),
			Timestamp: c.Get(auth.HeaderDeviceTimestamp),
			Body:      c.Body(),
		}
		if req.Serial == "" || req.Signature == "" || req.Timestamp == "" {
			return apperr.ErrInvalidSignature.WithMessage("missing device signature headers")
		}

		device, err := devices.Authenticate(c.Context(), req)
		if err != nil {
			return err
		}

		if _, err := limiter.AllowGlobal(c.Context(), device.ID.String()); err != nil {
			return err
		}

		c.Locals(localDevice, device)
		c.Locals("device_id", device.ID.String())
		return c.Next()
	}
}

// GetDevice returns the device authenticated by DeviceAuth
func GetDevice(c *fiber.Ctx) *models.Device {
	if d, ok := c.Locals(localDevice).(*models.Device); ok {
		return d
	}
	return nil
}

// ProvisioningKey guards registration with the factory key when a hash is
// configured
func ProvisioningKey(hash string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if hash == "" {
			return c.Next()
		}
		if !auth.CheckProvisioningKey(c.Get(HeaderProvisioningKey), hash) {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid provisioning key")
		}
		return c.Next()
	}
}

// HeaderProvisioningKey carries the factory provisioning key on registration
const HeaderProvisioningKey = "X-Provisioning-Key"
