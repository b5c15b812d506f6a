package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"mediamill/internal/artifact"
	"mediamill/internal/config"
	"mediamill/internal/services"
	"mediamill/internal/stage"
)

const defaultTTSBin = "piper"

// SpeakHandler synthesizes speech from a text artifact with a local TTS CLI.
type SpeakHandler struct {
	bin string
	run RunFunc
}

// NewSpeakHandler builds the speak stage from handler configuration.
func NewSpeakHandler(cfg config.Handlers) *SpeakHandler {
	bin := cfg.TTSBin
	if bin == "" {
		bin = defaultTTSBin
	}
	return &SpeakHandler{bin: bin, run: runCommand}
}

// WithRunner replaces the command runner for tests.
func (h *SpeakHandler) WithRunner(run RunFunc) *SpeakHandler {
	h.run = run
	return h
}

func (h *SpeakHandler) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:       "speak",
		InputKind:  artifact.KindText,
		OutputKind: artifact.KindAudio,
		Params: []stage.ParamSpec{
			{Name: "voice"},
			{Name: "speed", Validate: func(value string) error {
				speed, err := strconv.ParseFloat(value, 64)
				if err != nil {
					return fmt.Errorf("speed must be a number: %w", err)
				}
				if speed < 0.5 || speed > 2.0 {
					return fmt.Errorf("speed must be between 0.5 and 2.0")
				}
				return nil
			}},
		},
	}
}

func (h *SpeakHandler) Execute(ctx context.Context, req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
	output := filepath.Join(req.WorkDir, "speech.wav")

	args := []string{"--input_file", req.InputPath, "--output_file", output}
	if voice := req.Param("voice", ""); voice != "" {
		args = append(args, "--model", voice)
	}
	if speed := req.Param("speed", ""); speed != "" {
		args = append(args, "--length_scale", invertSpeed(speed))
	}

	if report != nil {
		report(5, "synthesizing speech")
	}
	if err := h.run(ctx, nil, h.bin, args...); err != nil {
		return nil, classifyRunError("speak", h.bin, err)
	}
	if _, err := os.Stat(output); err != nil {
		return nil, services.Wrap(services.ErrPermanent, "speak", h.bin,
			"tool exited cleanly but produced no audio", err)
	}
	if report != nil {
		report(99, "speech ready")
	}
	return &stage.Result{
		OutputPath: output,
		OutputKind: artifact.KindAudio,
		Message:    "synthesized speech",
	}, nil
}

// invertSpeed converts a playback speed multiplier into piper's length
// scale, which stretches durations instead.
func invertSpeed(speed string) string {
	v, err := strconv.ParseFloat(speed, 64)
	if err != nil || v <= 0 {
		return "1.0"
	}
	return strconv.FormatFloat(1/v, 'f', 2, 64)
}
