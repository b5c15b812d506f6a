package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mediamill/internal/artifact"
	"mediamill/internal/config"
	"mediamill/internal/services"
	"mediamill/internal/stage"
)

const (
	defaultWhisperBin   = "whisper"
	defaultWhisperModel = "base"
)

// TranscribeHandler turns an audio artifact into a plain-text transcript by
// shelling out to a whisper-compatible CLI.
type TranscribeHandler struct {
	bin   string
	model string
	run   RunFunc
}

// NewTranscribeHandler builds the transcribe stage from handler
// configuration.
func NewTranscribeHandler(cfg config.Handlers) *TranscribeHandler {
	bin := cfg.WhisperBin
	if bin == "" {
		bin = defaultWhisperBin
	}
	model := cfg.WhisperModel
	if model == "" {
		model = defaultWhisperModel
	}
	return &TranscribeHandler{bin: bin, model: model, run: runCommand}
}

// WithRunner replaces the command runner for tests.
func (h *TranscribeHandler) WithRunner(run RunFunc) *TranscribeHandler {
	h.run = run
	return h
}

func (h *TranscribeHandler) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:       "transcribe",
		InputKind:  artifact.KindAudio,
		OutputKind: artifact.KindText,
		Params: []stage.ParamSpec{
			{Name: "language", Validate: validateLanguage},
			{Name: "model"},
		},
	}
}

func (h *TranscribeHandler) Execute(ctx context.Context, req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
	outputDir := filepath.Join(req.WorkDir, "transcript")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("transcribe: ensure output dir: %w", err)
	}

	args := []string{
		req.InputPath,
		"--model", req.Param("model", h.model),
		"--output_dir", outputDir,
		"--output_format", "txt",
	}
	if lang := req.Param("language", ""); lang != "" {
		args = append(args, "--language", canonicalLanguage(lang))
	}

	if report != nil {
		report(5, "transcribing")
	}
	if err := h.run(ctx, nil, h.bin, args...); err != nil {
		return nil, classifyRunError("transcribe", h.bin, err)
	}

	base := strings.TrimSuffix(filepath.Base(req.InputPath), filepath.Ext(req.InputPath))
	output := filepath.Join(outputDir, base+".txt")
	if _, err := os.Stat(output); err != nil {
		return nil, services.Wrap(services.ErrPermanent, "transcribe", h.bin,
			"tool exited cleanly but produced no transcript", err)
	}
	if report != nil {
		report(99, "transcript ready")
	}
	return &stage.Result{
		OutputPath: output,
		OutputKind: artifact.KindText,
		Message:    "transcribed audio",
	}, nil
}
