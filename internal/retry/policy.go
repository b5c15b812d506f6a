package retry

import (
	"errors"
	"time"

	"mediamill/internal/config"
	"mediamill/internal/services"
)

// Category classifies a stage failure for retry purposes.
type Category string

const (
	CategoryTransient Category = "transient"
	CategoryPermanent Category = "permanent"
	CategoryUnknown   Category = "unknown"
)

// unknownMaxAttempts bounds retries of failures no one classified. A single
// retry avoids looping forever on errors that will never succeed.
const unknownMaxAttempts = 2

// Policy computes retry decisions from error classification and attempt counts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Decision is the outcome of consulting the policy after a failed attempt.
type Decision struct {
	Retry    bool
	Delay    time.Duration
	Category Category
}

// NewPolicy builds a Policy from configuration.
func NewPolicy(cfg config.Retry) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   time.Duration(cfg.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.MaxDelayMS) * time.Millisecond,
	}
}

// Classify maps an error to a retry category. Handlers supply the hint by
// tagging errors with the services sentinel markers; untagged errors are
// unknown.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryUnknown
	case errors.Is(err, services.ErrPermanent),
		errors.Is(err, services.ErrValidation),
		errors.Is(err, services.ErrNotFound):
		return CategoryPermanent
	case services.IsTransient(err):
		return CategoryTransient
	default:
		return CategoryUnknown
	}
}

// Decide reports whether the attempt that just failed (1-based) should be
// retried, and after what delay. Exhausted attempts convert the outcome to
// permanent.
func (p Policy) Decide(err error, attempt int) Decision {
	category := Classify(err)
	decision := Decision{Category: category}

	switch category {
	case CategoryPermanent:
		return decision
	case CategoryTransient:
		if attempt >= p.MaxAttempts {
			decision.Category = CategoryPermanent
			return decision
		}
	case CategoryUnknown:
		if attempt >= unknownMaxAttempts || attempt >= p.MaxAttempts {
			decision.Category = CategoryPermanent
			return decision
		}
	}

	decision.Retry = true
	decision.Delay = p.Backoff(attempt)
	return decision
}

// Backoff returns the delay before the next attempt following the given
// failed attempt (1-based). Delays double per attempt and are capped at
// MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
