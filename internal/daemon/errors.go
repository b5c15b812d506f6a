package daemon

import (
	"errors"
	"fmt"
	"net/http"

	"mediamill/internal/services"
)

func badRequest(message string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", message, services.ErrValidation)
	}
	return fmt.Errorf("%s: %w: %w", message, services.ErrValidation, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case services.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
