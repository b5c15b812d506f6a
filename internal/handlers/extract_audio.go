package handlers

import (
	"context"
	"fmt"
	"path/filepath"

	"mediamill/internal/artifact"
	"mediamill/internal/config"
	"mediamill/internal/stage"
)

var audioFormats = map[string]string{
	"mp3":  "libmp3lame",
	"wav":  "pcm_s16le",
	"flac": "flac",
	"aac":  "aac",
}

// ExtractAudioHandler strips the audio track out of a video artifact.
type ExtractAudioHandler struct {
	ffmpeg ffmpegRunner
}

// NewExtractAudioHandler builds the extract_audio stage from handler
// configuration.
func NewExtractAudioHandler(cfg config.Handlers) *ExtractAudioHandler {
	return &ExtractAudioHandler{ffmpeg: newFFmpegRunner(cfg.FFmpegBin, nil)}
}

// WithRunner replaces the command runner for tests.
func (h *ExtractAudioHandler) WithRunner(run RunFunc) *ExtractAudioHandler {
	h.ffmpeg.run = run
	return h
}

func (h *ExtractAudioHandler) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:       "extract_audio",
		InputKind:  artifact.KindVideo,
		OutputKind: artifact.KindAudio,
		Params: []stage.ParamSpec{
			{Name: "format", Validate: validateChoice("format", keys(audioFormats))},
			{Name: "sample_rate", Validate: validateIntRange("sample_rate", 8000, 192000)},
			{Name: "channels", Validate: validateIntRange("channels", 1, 8)},
		},
	}
}

func (h *ExtractAudioHandler) Execute(ctx context.Context, req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
	format := req.Param("format", "wav")
	output := filepath.Join(req.WorkDir, fmt.Sprintf("audio.%s", format))

	args := []string{"-i", req.InputPath, "-vn", "-c:a", audioFormats[format]}
	if rate := req.Param("sample_rate", ""); rate != "" {
		args = append(args, "-ar", rate)
	}
	if channels := req.Param("channels", ""); channels != "" {
		args = append(args, "-ac", channels)
	}
	args = append(args, output)

	if err := h.ffmpeg.transcode(ctx, "extract_audio", report, args...); err != nil {
		return nil, err
	}
	return &stage.Result{
		OutputPath: output,
		OutputKind: artifact.KindAudio,
		Message:    fmt.Sprintf("extracted %s audio", format),
	}, nil
}
