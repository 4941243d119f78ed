package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/uneseule/uneseule-backend/internal/api/middleware"
	"github.com/uneseule/uneseule-backend/internal/apperr"
	"github.com/uneseule/uneseule-backend/internal/models"
	"github.com/uneseule/uneseule-backend/internal/ratelimit"
	"github.com/uneseule/uneseule-backend/internal/services"
)

// RegisterDevice creates an unpaired device identity and returns its secret once
func RegisterDevice(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req struct {
			SerialNumber    string `json:"serial_number"`
			DeviceType      string `json:"device_type"`
			FirmwareVersion string `json:"firmware_version"`
		}
		if err := decodeBody(c, &req); err != nil {
			return err
		}

		reg, err := svc.Devices.Register(c.Context(), services.RegisterRequest{
			SerialNumber:    req.SerialNumber,
			DeviceType:      req.DeviceType,
			FirmwareVersion: req.FirmwareVersion,
		})
		if err != nil {
			return err
		}

		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"success":       true,
			"device_id":     reg.Device.ID,
			"serial_number": reg.Device.SerialNumber,
			"device_secret": reg.Secret,
			"device":        reg.Device,
		})
	}
}

// PairDevice binds the authenticated device to a child
func PairDevice(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req struct {
			ChildID string `json:"child_id"`
		}
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		childID, err := parseUUID(req.ChildID, "child_id")
		if err != nil {
			return err
		}

		device, err := svc.Devices.Pair(c.Context(), middleware.GetDevice(c), childID)
		if err != nil {
			return err
		}

		return c.JSON(fiber.Map{
			"success": true,
			"device":  device,
		})
	}
}

// UnpairDevice releases the authenticated device from its child
func UnpairDevice(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := svc.Devices.Unpair(c.Context(), middleware.GetDevice(c)); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"success": true})
	}
}

// IssueToken returns a live upstream session token for the device's child.
// The child defaults to the one the device is paired with.
func IssueToken(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		device := middleware.GetDevice(c)

		var req struct {
			ChildID string `json:"child_id"`
		}
		if err := decodeBody(c, &req); err != nil {
			return err
		}

		childID := device.ChildID
		if req.ChildID != "" {
			id, err := parseUUID(req.ChildID, "child_id")
			if err != nil {
				return err
			}
			childID = &id
		}
		if childID == nil {
			return apperr.ErrNotPaired
		}

		issued, err := svc.Tokens.IssueOrRenew(c.Context(), device.ID, *childID)
		if err != nil {
			return err
		}

		setRateLimitHeaders(c, issued.RateLimit)
		return c.JSON(fiber.Map{
			"success":      true,
			"token":        issued.Token.Token,
			"session_ref":  issued.Token.SessionRef,
			"connect_url":  issued.Token.ConnectURL,
			"access_token": issued.Token.AccessKey,
			"expires_at":   issued.Token.ExpiresAt,
			"renewed":      issued.Renewed,
			"context":      issued.Context,
			"rate_limit": fiber.Map{
				"limit":     issued.RateLimit.Limit,
				"remaining": issued.RateLimit.Remaining,
				"reset_at":  issued.RateLimit.ResetAt.Unix(),
			},
		})
	}
}

func setRateLimitHeaders(c *fiber.Ctx, d ratelimit.Decision) {
	if d.Limit == ratelimit.Unlimited {
		return
	}
	c.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// ReportStatus records a device status report and returns the health snapshot
func ReportStatus(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var status models.DeviceStatus
		if err := decodeBody(c, &status); err != nil {
			return err
		}

		health, err := svc.Devices.ReportStatus(c.Context(), middleware.GetDevice(c), status)
		if err != nil {
			return err
		}
		return c.JSON(health)
	}
}

// DeviceHealth returns the read-only snapshot of the authenticated device
func DeviceHealth(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		health, err := svc.Devices.Health(c.Context(), middleware.GetDevice(c).ID)
		if err != nil {
			return err
		}
		return c.JSON(health)
	}
}
