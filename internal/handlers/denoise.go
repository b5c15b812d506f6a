package handlers

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"mediamill/internal/artifact"
	"mediamill/internal/config"
	"mediamill/internal/stage"
)

// DenoiseHandler cleans an audio artifact with ffmpeg's afftdn filter.
type DenoiseHandler struct {
	ffmpeg ffmpegRunner
}

// NewDenoiseHandler builds the denoise stage from handler configuration.
func NewDenoiseHandler(cfg config.Handlers) *DenoiseHandler {
	return &DenoiseHandler{ffmpeg: newFFmpegRunner(cfg.FFmpegBin, nil)}
}

// WithRunner replaces the command runner for tests.
func (h *DenoiseHandler) WithRunner(run RunFunc) *DenoiseHandler {
	h.ffmpeg.run = run
	return h
}

func (h *DenoiseHandler) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:       "denoise",
		InputKind:  artifact.KindAudio,
		OutputKind: artifact.KindAudio,
		Params: []stage.ParamSpec{
			{Name: "strength", Validate: validateIntRange("strength", 1, 97)},
			{Name: "highpass", Validate: validateIntRange("highpass", 20, 1000)},
		},
	}
}

func (h *DenoiseHandler) Execute(ctx context.Context, req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
	ext := strings.TrimPrefix(filepath.Ext(req.InputPath), ".")
	if ext == "" {
		ext = "wav"
	}
	output := filepath.Join(req.WorkDir, fmt.Sprintf("denoised.%s", ext))

	filters := []string{fmt.Sprintf("afftdn=nr=%s", req.Param("strength", "12"))}
	if hp := req.Param("highpass", ""); hp != "" {
		filters = append(filters, fmt.Sprintf("highpass=f=%s", hp))
	}

	args := []string{"-i", req.InputPath, "-af", strings.Join(filters, ","), output}
	if err := h.ffmpeg.transcode(ctx, "denoise", report, args...); err != nil {
		return nil, err
	}
	return &stage.Result{
		OutputPath: output,
		OutputKind: artifact.KindAudio,
		Message:    "denoised audio",
	}, nil
}
