package handlers

import (
	"mediamill/internal/config"
	"mediamill/internal/stage"
)

// RegisterBuiltin adds every bundled handler to the registry. The translate
// stage is only available when an endpoint is configured.
func RegisterBuiltin(reg *stage.Registry, cfg config.Handlers) error {
	all := []stage.Handler{
		NewConvertHandler(cfg),
		NewResizeHandler(cfg),
		NewTrimHandler(cfg),
		NewSubtitleHandler(cfg),
		NewExtractAudioHandler(cfg),
		NewDenoiseHandler(cfg),
		NewNormalizeHandler(cfg),
		NewChangeSpeedHandler(cfg),
		NewExtractSegmentsHandler(cfg),
		NewTranscribeHandler(cfg),
		NewSpeakHandler(cfg),
	}
	if translate := NewTranslateHandler(cfg); translate != nil {
		all = append(all, translate)
	}
	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
