package handlers

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"mediamill/internal/artifact"
	"mediamill/internal/config"
	"mediamill/internal/stage"
)

var videoFormats = map[string]string{
	"mp4":  "libx264",
	"mkv":  "libx264",
	"webm": "libvpx-vp9",
}

// ConvertHandler transcodes video containers and codecs with ffmpeg.
type ConvertHandler struct {
	ffmpeg ffmpegRunner
}

// NewConvertHandler builds the convert stage from handler configuration.
func NewConvertHandler(cfg config.Handlers) *ConvertHandler {
	return &ConvertHandler{ffmpeg: newFFmpegRunner(cfg.FFmpegBin, nil)}
}

// WithRunner replaces the command runner for tests.
func (h *ConvertHandler) WithRunner(run RunFunc) *ConvertHandler {
	h.ffmpeg.run = run
	return h
}

func (h *ConvertHandler) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:       "convert",
		InputKind:  artifact.KindVideo,
		OutputKind: artifact.KindVideo,
		Params: []stage.ParamSpec{
			{Name: "format", Validate: validateChoice("format", keys(videoFormats))},
			{Name: "video_codec"},
			{Name: "crf", Validate: validateIntRange("crf", 0, 51)},
			{Name: "preset"},
		},
	}
}

func (h *ConvertHandler) Execute(ctx context.Context, req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
	format := req.Param("format", "mp4")
	codec := req.Param("video_codec", videoFormats[format])
	output := filepath.Join(req.WorkDir, fmt.Sprintf("converted.%s", format))

	args := []string{"-i", req.InputPath, "-c:v", codec}
	if crf := req.Param("crf", ""); crf != "" {
		args = append(args, "-crf", crf)
	}
	if preset := req.Param("preset", ""); preset != "" {
		args = append(args, "-preset", preset)
	}
	args = append(args, "-c:a", "copy", output)

	if err := h.ffmpeg.transcode(ctx, "convert", report, args...); err != nil {
		return nil, err
	}
	return &stage.Result{
		OutputPath: output,
		OutputKind: artifact.KindVideo,
		Message:    fmt.Sprintf("converted to %s/%s", format, codec),
	}, nil
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func validateChoice(name string, choices []string) func(string) error {
	return func(value string) error {
		for _, choice := range choices {
			if value == choice {
				return nil
			}
		}
		return fmt.Errorf("%s must be one of %v", name, choices)
	}
}

func validateIntRange(name string, min, max int) func(string) error {
	return func(value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", name, err)
		}
		if n < min || n > max {
			return fmt.Errorf("%s must be between %d and %d", name, min, max)
		}
		return nil
	}
}

func validateFloatRange(name string, min, max float64) func(string) error {
	return func(value string) error {
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s must be a number: %w", name, err)
		}
		if n < min || n > max {
			return fmt.Errorf("%s must be between %g and %g", name, min, max)
		}
		return nil
	}
}
