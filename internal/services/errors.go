package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers used to classify failures. Wrap tags errors with one of
// these so downstream code can branch on errors.Is without string matching.
var (
	ErrValidation = errors.New("validation error")
	ErrTransient  = errors.New("transient failure")
	ErrPermanent  = errors.New("permanent failure")
	ErrTimeout    = errors.New("timeout")
	ErrStorage    = errors.New("storage error")
	ErrNotFound   = errors.New("not found")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsTransient reports whether err should be retried. Timeouts and context
// deadline expiry count as transient; anything tagged permanent or
// validation does not.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPermanent), errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, ErrTransient), errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// ErrorDetails captures the human-readable portion of a wrapped error.
type ErrorDetails struct {
	Message string
}

// Details extracts the message portion of a wrapped error, stripping the
// sentinel prefix when present.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	msg := err.Error()
	for _, marker := range []error{ErrValidation, ErrTransient, ErrPermanent, ErrTimeout, ErrStorage, ErrNotFound} {
		prefix := marker.Error() + ": "
		if strings.HasPrefix(msg, prefix) {
			msg = strings.TrimPrefix(msg, prefix)
			break
		}
	}
	return ErrorDetails{Message: strings.TrimSpace(msg)}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
