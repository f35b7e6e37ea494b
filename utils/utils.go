package utils

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"unibox/models"
)

// GenerateRateLimitKey creates a unique key for rate limiting
func GenerateRateLimitKey(subject, platform, path string) string {
	return fmt.Sprintf("rl:%s:%s:%s", subject, platform, path)
}

// ErrorResponse creates a standardized error response
func ErrorResponse(c *fiber.Ctx, status int, message string, err error) error {
	response := fiber.Map{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	return c.Status(status).JSON(response)
}

// SuccessResponse creates a standardized success response
func SuccessResponse(data interface{}) fiber.Map {
	return fiber.Map{
		"success": true,
		"data":    data,
	}
}

// StatusForError maps domain errors to HTTP status codes
func StatusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrMalformedPayload):
		return fiber.StatusBadRequest
	case errors.Is(err, models.ErrUnknownPlatform):
		return fiber.StatusNotFound
	case errors.Is(err, models.ErrIllegalTransition):
		return fiber.StatusConflict
	case errors.Is(err, models.ErrConnectionFailure):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, models.ErrStoreUnavailable):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}
