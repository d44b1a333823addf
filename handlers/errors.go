// handlers/errors.go
package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"game-library-sync/logging"
	"game-library-sync/services"
	"game-library-sync/store"
)

// respondError maps service errors to a status and a fiber.Map body.
func respondError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, services.ErrAccountNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, services.ErrEmptyIdentifier),
		errors.Is(err, services.ErrUnsupported),
		errors.Is(err, services.ErrInvalidSurvivor):
		status = fiber.StatusBadRequest
	case errors.Is(err, services.ErrPairResolved), errors.Is(err, services.ErrMergeConflict):
		status = fiber.StatusConflict
	}

	if status == fiber.StatusInternalServerError {
		logging.Error().Err(err).Str("path", c.Path()).Msg("[HTTP] Request failed")
		return c.Status(status).JSON(fiber.Map{"error": "internal error"})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
