package api

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/Checker-Finance/marketcore/internal/market"
)

// statusFor maps a market error kind onto an HTTP status.
func statusFor(err error) int {
	switch market.KindOf(err) {
	case market.KindValidation:
		return fiber.StatusBadRequest
	case market.KindNotFound:
		return fiber.StatusNotFound
	case market.KindInvalidTransition:
		return fiber.StatusConflict
	case market.KindForbidden:
		return fiber.StatusForbidden
	case market.KindExternalProvider:
		return fiber.StatusBadGateway
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

func errorBody(err error, code int) fiber.Map {
	body := fiber.Map{"error": err.Error()}
	if kind := market.KindOf(err); kind != "" {
		body["kind"] = string(kind)
	}
	if code == fiber.StatusInternalServerError {
		body["error"] = "internal error"
	}
	return body
}
