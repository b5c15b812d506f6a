package handlers

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"mediamill/internal/artifact"
	"mediamill/internal/config"
	"mediamill/internal/stage"
)

// ChangeSpeedHandler retimes an audio artifact. With preserve_pitch the
// atempo filter stretches time alone; without it the sample rate is scaled,
// shifting pitch along with tempo.
type ChangeSpeedHandler struct {
	ffmpeg ffmpegRunner
}

// NewChangeSpeedHandler builds the change_speed stage from handler
// configuration.
func NewChangeSpeedHandler(cfg config.Handlers) *ChangeSpeedHandler {
	return &ChangeSpeedHandler{ffmpeg: newFFmpegRunner(cfg.FFmpegBin, nil)}
}

// WithRunner replaces the command runner for tests.
func (h *ChangeSpeedHandler) WithRunner(run RunFunc) *ChangeSpeedHandler {
	h.ffmpeg.run = run
	return h
}

func (h *ChangeSpeedHandler) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:       "change_speed",
		InputKind:  artifact.KindAudio,
		OutputKind: artifact.KindAudio,
		Params: []stage.ParamSpec{
			// atempo accepts a single factor between 0.5 and 2.0.
			{Name: "speed_factor", Validate: validateFloatRange("speed_factor", 0.5, 2.0)},
			{Name: "preserve_pitch", Validate: validateChoice("preserve_pitch", []string{"true", "false"})},
		},
	}
}

func (h *ChangeSpeedHandler) Execute(ctx context.Context, req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
	factor := req.Param("speed_factor", "1.5")
	ext := strings.TrimPrefix(filepath.Ext(req.InputPath), ".")
	if ext == "" {
		ext = "wav"
	}
	output := filepath.Join(req.WorkDir, fmt.Sprintf("retimed.%s", ext))

	filter := fmt.Sprintf("atempo=%s", factor)
	if req.Param("preserve_pitch", "true") == "false" {
		v, err := strconv.ParseFloat(factor, 64)
		if err != nil {
			return nil, fmt.Errorf("parse speed_factor: %w", err)
		}
		filter = fmt.Sprintf("asetrate=%d,aresample=44100", int(44100*v))
	}

	args := []string{"-i", req.InputPath, "-af", filter, output}
	if err := h.ffmpeg.transcode(ctx, "change_speed", report, args...); err != nil {
		return nil, err
	}
	return &stage.Result{
		OutputPath: output,
		OutputKind: artifact.KindAudio,
		Message:    fmt.Sprintf("retimed at %sx", factor),
	}, nil
}
