package services_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"mediamill/internal/services"
)

func TestWrapTagsMarker(t *testing.T) {
	err := services.Wrap(services.ErrValidation, "convert", "compile", "unknown stage", nil)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation marker, got %v", err)
	}
}

func TestWrapChainsCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := services.Wrap(services.ErrTransient, "transcribe", "execute", "upstream hiccup", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", services.Wrap(services.ErrTransient, "s", "op", "m", nil), true},
		{"timeout", services.Wrap(services.ErrTimeout, "s", "op", "m", nil), true},
		{"deadline", fmt.Errorf("exec: %w", context.DeadlineExceeded), true},
		{"permanent", services.Wrap(services.ErrPermanent, "s", "op", "m", nil), false},
		{"validation", services.Wrap(services.ErrValidation, "s", "op", "m", nil), false},
		{"untagged", errors.New("mystery"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestDetailsStripsMarkerPrefix(t *testing.T) {
	err := services.Wrap(services.ErrPermanent, "translate", "request", "bad language tag", nil)
	details := services.Details(err)
	if details.Message != "translate: request: bad language tag" {
		t.Fatalf("unexpected details: %q", details.Message)
	}
}
