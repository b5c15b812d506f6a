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

// loudnorm targets: -16 LUFS integrated, 11 LU range, -1.5 dBTP ceiling.
const loudnormFilter = "loudnorm=I=-16:LRA=11:TP=-1.5"

// NormalizeHandler levels an audio artifact, either with EBU R128 loudness
// normalization or a plain volume multiplier.
type NormalizeHandler struct {
	ffmpeg ffmpegRunner
}

// NewNormalizeHandler builds the normalize stage from handler configuration.
func NewNormalizeHandler(cfg config.Handlers) *NormalizeHandler {
	return &NormalizeHandler{ffmpeg: newFFmpegRunner(cfg.FFmpegBin, nil)}
}

// WithRunner replaces the command runner for tests.
func (h *NormalizeHandler) WithRunner(run RunFunc) *NormalizeHandler {
	h.ffmpeg.run = run
	return h
}

func (h *NormalizeHandler) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:       "normalize",
		InputKind:  artifact.KindAudio,
		OutputKind: artifact.KindAudio,
		Params: []stage.ParamSpec{
			{Name: "method", Validate: validateChoice("method", []string{"loudnorm", "volume"})},
			{Name: "volume_level", Validate: validateFloatRange("volume_level", 0.1, 10)},
		},
	}
}

func (h *NormalizeHandler) Execute(ctx context.Context, req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
	ext := strings.TrimPrefix(filepath.Ext(req.InputPath), ".")
	if ext == "" {
		ext = "wav"
	}
	output := filepath.Join(req.WorkDir, fmt.Sprintf("normalized.%s", ext))

	filter := loudnormFilter
	if req.Param("method", "loudnorm") == "volume" {
		filter = fmt.Sprintf("volume=%s", req.Param("volume_level", "1.0"))
	}

	args := []string{"-i", req.InputPath, "-af", filter, output}
	if err := h.ffmpeg.transcode(ctx, "normalize", report, args...); err != nil {
		return nil, err
	}
	return &stage.Result{
		OutputPath: output,
		OutputKind: artifact.KindAudio,
		Message:    "normalized loudness",
	}, nil
}
