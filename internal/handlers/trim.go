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

// TrimHandler cuts a window out of a video artifact. Seeking happens before
// the input so ffmpeg skips decoding the leading part; streams are copied,
// not re-encoded.
type TrimHandler struct {
	ffmpeg ffmpegRunner
}

// NewTrimHandler builds the trim stage from handler configuration.
func NewTrimHandler(cfg config.Handlers) *TrimHandler {
	return &TrimHandler{ffmpeg: newFFmpegRunner(cfg.FFmpegBin, nil)}
}

// WithRunner replaces the command runner for tests.
func (h *TrimHandler) WithRunner(run RunFunc) *TrimHandler {
	h.ffmpeg.run = run
	return h
}

func (h *TrimHandler) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:       "trim",
		InputKind:  artifact.KindVideo,
		OutputKind: artifact.KindVideo,
		Params: []stage.ParamSpec{
			{Name: "start_time", Validate: validateFloatRange("start_time", 0, 86400)},
			{Name: "duration", Validate: validateFloatRange("duration", 0.1, 86400)},
		},
	}
}

func (h *TrimHandler) Execute(ctx context.Context, req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
	start := req.Param("start_time", "0")
	duration := req.Param("duration", "30")
	ext := strings.TrimPrefix(filepath.Ext(req.InputPath), ".")
	if ext == "" {
		ext = "mp4"
	}
	output := filepath.Join(req.WorkDir, fmt.Sprintf("trimmed.%s", ext))

	args := []string{
		"-ss", start,
		"-t", duration,
		"-i", req.InputPath,
		"-c", "copy",
		output,
	}
	if err := h.ffmpeg.transcode(ctx, "trim", report, args...); err != nil {
		return nil, err
	}
	return &stage.Result{
		OutputPath: output,
		OutputKind: artifact.KindVideo,
		Message:    fmt.Sprintf("trimmed %ss from %ss", duration, start),
	}, nil
}
