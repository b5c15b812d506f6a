package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"mediamill/internal/services"
)

func TestConsoleHandlerWritesAttrs(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&buf, lvl))

	logger.Info("job accepted", String(FieldJobID, "job-1"), Int(FieldStageIndex, 2))

	out := buf.String()
	if !strings.Contains(out, "job accepted") {
		t.Fatalf("missing message in output: %q", out)
	}
	if !strings.Contains(out, "job_id=job-1") || !strings.Contains(out, "stage_index=2") {
		t.Fatalf("missing attrs in output: %q", out)
	}
}

func TestConsoleHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelWarn)
	logger := slog.New(newConsoleHandler(&buf, lvl))

	logger.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("expected info suppressed, got %q", buf.String())
	}
	logger.Warn("loud")
	if !strings.Contains(buf.String(), "loud") {
		t.Fatalf("expected warn emitted, got %q", buf.String())
	}
}

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&buf, lvl))

	ctx := services.WithJobID(context.Background(), "job-9")
	ctx = services.WithStage(ctx, "transcribe")

	WithContext(ctx, logger).Info("stage started")

	out := buf.String()
	if !strings.Contains(out, "job_id=job-9") || !strings.Contains(out, "stage=transcribe") {
		t.Fatalf("context fields missing: %q", out)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
