package handlers

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"mediamill/internal/artifact"
	"mediamill/internal/config"
	"mediamill/internal/services"
	"mediamill/internal/stage"
)

// ExtractSegmentsHandler cuts windows out of an audio artifact and joins
// them. Segments are given as "start-duration" pairs in seconds, separated
// by semicolons: "0-30;90-15" keeps the first half minute and fifteen
// seconds starting at 1:30.
type ExtractSegmentsHandler struct {
	ffmpeg ffmpegRunner
}

// NewExtractSegmentsHandler builds the extract_segments stage from handler
// configuration.
func NewExtractSegmentsHandler(cfg config.Handlers) *ExtractSegmentsHandler {
	return &ExtractSegmentsHandler{ffmpeg: newFFmpegRunner(cfg.FFmpegBin, nil)}
}

// WithRunner replaces the command runner for tests.
func (h *ExtractSegmentsHandler) WithRunner(run RunFunc) *ExtractSegmentsHandler {
	h.ffmpeg.run = run
	return h
}

func (h *ExtractSegmentsHandler) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:       "extract_segments",
		InputKind:  artifact.KindAudio,
		OutputKind: artifact.KindAudio,
		Params: []stage.ParamSpec{
			{Name: "segments", Required: true, Validate: func(value string) error {
				_, err := parseSegments(value)
				return err
			}},
		},
	}
}

type segment struct {
	start    string
	duration string
}

func parseSegments(value string) ([]segment, error) {
	var out []segment
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		start, duration, found := strings.Cut(part, "-")
		if !found {
			return nil, fmt.Errorf("segment %q must be start-duration", part)
		}
		if err := validateFloatRange("segment start", 0, 86400)(start); err != nil {
			return nil, err
		}
		if err := validateFloatRange("segment duration", 0.1, 86400)(duration); err != nil {
			return nil, err
		}
		out = append(out, segment{start: start, duration: duration})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("segments must name at least one start-duration pair")
	}
	return out, nil
}

func (h *ExtractSegmentsHandler) Execute(ctx context.Context, req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
	segments, err := parseSegments(req.Param("segments", ""))
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "extract_segments", "parse segments", err.Error(), err)
	}
	ext := strings.TrimPrefix(filepath.Ext(req.InputPath), ".")
	if ext == "" {
		ext = "wav"
	}
	output := filepath.Join(req.WorkDir, fmt.Sprintf("segments.%s", ext))

	// A single segment is a plain stream copy; multiple segments select and
	// concat through the filter graph.
	if len(segments) == 1 {
		args := []string{
			"-ss", segments[0].start,
			"-t", segments[0].duration,
			"-i", req.InputPath,
			"-c", "copy",
			output,
		}
		if err := h.ffmpeg.transcode(ctx, "extract_segments", report, args...); err != nil {
			return nil, err
		}
	} else {
		args := []string{"-i", req.InputPath, "-af", concatFilter(segments), output}
		if err := h.ffmpeg.transcode(ctx, "extract_segments", report, args...); err != nil {
			return nil, err
		}
	}
	return &stage.Result{
		OutputPath: output,
		OutputKind: artifact.KindAudio,
		Message:    fmt.Sprintf("kept %d segments", len(segments)),
	}, nil
}

// concatFilter builds an aselect expression keeping only the requested
// windows, with timestamps rewritten so the output plays back to back.
func concatFilter(segments []segment) string {
	var clauses []string
	for _, seg := range segments {
		clauses = append(clauses, fmt.Sprintf("between(t,%s,%s+%s)", seg.start, seg.start, seg.duration))
	}
	return fmt.Sprintf("aselect='%s',asetpts=N/SR/TB", strings.Join(clauses, "+"))
}
