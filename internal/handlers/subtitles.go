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

// SubtitleHandler burns a subtitle file into the video track. The subtitle
// file lives outside the artifact store and is named by path; retrying
// cannot make a missing file appear, so that error is permanent.
type SubtitleHandler struct {
	ffmpeg ffmpegRunner
}

// NewSubtitleHandler builds the add_subtitles stage from handler
// configuration.
func NewSubtitleHandler(cfg config.Handlers) *SubtitleHandler {
	return &SubtitleHandler{ffmpeg: newFFmpegRunner(cfg.FFmpegBin, nil)}
}

// WithRunner replaces the command runner for tests.
func (h *SubtitleHandler) WithRunner(run RunFunc) *SubtitleHandler {
	h.ffmpeg.run = run
	return h
}

func (h *SubtitleHandler) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:       "add_subtitles",
		InputKind:  artifact.KindVideo,
		OutputKind: artifact.KindVideo,
		Params: []stage.ParamSpec{
			{Name: "subtitle_path", Required: true},
		},
	}
}

func (h *SubtitleHandler) Execute(ctx context.Context, req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
	subtitlePath := req.Param("subtitle_path", "")
	if _, err := os.Stat(subtitlePath); err != nil {
		return nil, services.Wrap(services.ErrPermanent, "add_subtitles", "stat subtitle file",
			fmt.Sprintf("subtitle file %s not readable", subtitlePath), err)
	}
	ext := strings.TrimPrefix(filepath.Ext(req.InputPath), ".")
	if ext == "" {
		ext = "mp4"
	}
	output := filepath.Join(req.WorkDir, fmt.Sprintf("subtitled.%s", ext))

	args := []string{
		"-i", req.InputPath,
		"-vf", fmt.Sprintf("subtitles=%s", subtitlePath),
		"-c:a", "copy",
		output,
	}
	if err := h.ffmpeg.transcode(ctx, "add_subtitles", report, args...); err != nil {
		return nil, err
	}
	return &stage.Result{
		OutputPath: output,
		OutputKind: artifact.KindVideo,
		Message:    fmt.Sprintf("burned in %s", filepath.Base(subtitlePath)),
	}, nil
}
