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

// ResizeHandler rescales a video artifact with ffmpeg's scale filter.
type ResizeHandler struct {
	ffmpeg ffmpegRunner
}

// NewResizeHandler builds the resize stage from handler configuration.
func NewResizeHandler(cfg config.Handlers) *ResizeHandler {
	return &ResizeHandler{ffmpeg: newFFmpegRunner(cfg.FFmpegBin, nil)}
}

// WithRunner replaces the command runner for tests.
func (h *ResizeHandler) WithRunner(run RunFunc) *ResizeHandler {
	h.ffmpeg.run = run
	return h
}

func (h *ResizeHandler) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:       "resize",
		InputKind:  artifact.KindVideo,
		OutputKind: artifact.KindVideo,
		Params: []stage.ParamSpec{
			{Name: "width", Validate: validateIntRange("width", 16, 7680)},
			{Name: "height", Validate: validateIntRange("height", 16, 4320)},
		},
	}
}

func (h *ResizeHandler) Execute(ctx context.Context, req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
	width := req.Param("width", "1280")
	height := req.Param("height", "720")
	ext := strings.TrimPrefix(filepath.Ext(req.InputPath), ".")
	if ext == "" {
		ext = "mp4"
	}
	output := filepath.Join(req.WorkDir, fmt.Sprintf("resized.%s", ext))

	args := []string{
		"-i", req.InputPath,
		"-vf", fmt.Sprintf("scale=%s:%s", width, height),
		"-c:a", "copy",
		output,
	}
	if err := h.ffmpeg.transcode(ctx, "resize", report, args...); err != nil {
		return nil, err
	}
	return &stage.Result{
		OutputPath: output,
		OutputKind: artifact.KindVideo,
		Message:    fmt.Sprintf("resized to %sx%s", width, height),
	}, nil
}
