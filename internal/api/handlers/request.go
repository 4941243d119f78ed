package handlers

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/uneseule/uneseule-backend/internal/apperr"
)

// decodeBody parses the JSON body. Device bodies are signed bytes, so an
// empty body is valid and leaves out untouched.
func decodeBody(c *fiber.Ctx, out interface{}) error {
	body := c.Body()
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.New(apperr.CodeInvalidRequest, "invalid request body")
	}
	return nil
}

func parseUUID(value, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, apperr.New(apperr.CodeInvalidRequest, "invalid "+field)
	}
	return id, nil
}
