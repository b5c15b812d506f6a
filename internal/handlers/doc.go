// Package handlers bundles the built-in media transformation stages:
// convert, extract_audio, and denoise drive ffmpeg; transcribe shells out to
// a whisper CLI; translate calls an OpenAI-compatible chat endpoint; speak
// drives a text-to-speech CLI. Each handler declares its artifact kinds and
// parameters through stage.Descriptor and classifies failures so the retry
// policy can distinguish transient tool hiccups from permanently bad input.
package handlers
