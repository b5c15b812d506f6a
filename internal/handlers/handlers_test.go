package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mediamill/internal/artifact"
	"mediamill/internal/config"
	"mediamill/internal/retry"
	"mediamill/internal/services"
	"mediamill/internal/stage"
)

func newRequest(t *testing.T, inputName string, params map[string]string) *stage.Request {
	t.Helper()
	workDir := t.TempDir()
	inputPath := filepath.Join(workDir, inputName)
	if err := os.WriteFile(inputPath, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return &stage.Request{
		JobID:     "job-1",
		Attempt:   1,
		InputPath: inputPath,
		WorkDir:   workDir,
		Params:    params,
	}
}

func TestFFmpegProgressParsing(t *testing.T) {
	var reported []float64
	parser := &ffmpegProgress{report: func(percent float64, _ string) {
		reported = append(reported, percent)
	}}

	parser.observe("  Duration: 00:00:10.00, start: 0.000000, bitrate: 800 kb/s")
	parser.observe("out_time_us=2500000")
	parser.observe("out_time_us=5000000")
	parser.observe("out_time_us=4000000") // out-of-order report is dropped
	parser.observe("out_time_us=10000000")

	if len(reported) != 3 {
		t.Fatalf("expected 3 reports, got %v", reported)
	}
	if reported[0] != 25 || reported[1] != 50 {
		t.Fatalf("unexpected percents: %v", reported)
	}
	if reported[2] != 99 {
		t.Fatalf("completion should be capped at 99, got %v", reported[2])
	}
}

func TestConvertBuildsFFmpegInvocation(t *testing.T) {
	var gotName string
	var gotArgs []string
	h := NewConvertHandler(config.Handlers{FFmpegBin: "/opt/ffmpeg"}).WithRunner(
		func(ctx context.Context, onLine func(string), name string, args ...string) error {
			gotName = name
			gotArgs = args
			return nil
		})

	req := newRequest(t, "clip.avi", map[string]string{"format": "mkv", "crf": "20", "preset": "slow"})
	result, err := h.Execute(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotName != "/opt/ffmpeg" {
		t.Fatalf("wrong binary: %s", gotName)
	}
	joined := strings.Join(gotArgs, " ")
	for _, want := range []string{"-progress pipe:1", "-c:v libx264", "-crf 20", "-preset slow", "converted.mkv"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q: %s", want, joined)
		}
	}
	if result.OutputKind != artifact.KindVideo {
		t.Fatalf("wrong output kind: %s", result.OutputKind)
	}
}

func captureRunner(gotArgs *[]string) RunFunc {
	return func(ctx context.Context, onLine func(string), name string, args ...string) error {
		*gotArgs = args
		return nil
	}
}

func TestResizeDefaultsTo720p(t *testing.T) {
	var gotArgs []string
	h := NewResizeHandler(config.Handlers{}).WithRunner(captureRunner(&gotArgs))

	req := newRequest(t, "clip.mkv", nil)
	result, err := h.Execute(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "-vf scale=1280:720") {
		t.Fatalf("default scale missing: %s", joined)
	}
	if !strings.Contains(joined, "resized.mkv") {
		t.Fatalf("output should keep the container: %s", joined)
	}
	if result.OutputKind != artifact.KindVideo {
		t.Fatalf("wrong output kind: %s", result.OutputKind)
	}

	if err := h.Descriptor().ValidateParams(map[string]string{"width": "0"}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for zero width, got %v", err)
	}
}

func TestTrimSeeksBeforeInput(t *testing.T) {
	var gotArgs []string
	h := NewTrimHandler(config.Handlers{}).WithRunner(captureRunner(&gotArgs))

	req := newRequest(t, "clip.mp4", map[string]string{"start_time": "12.5", "duration": "3"})
	if _, err := h.Execute(context.Background(), req, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "-ss 12.5 -t 3 -i ") {
		t.Fatalf("seek must precede the input: %s", joined)
	}
	if !strings.Contains(joined, "-c copy") {
		t.Fatalf("trim must stream-copy: %s", joined)
	}
}

func TestSubtitlesRequireReadableFile(t *testing.T) {
	var gotArgs []string
	h := NewSubtitleHandler(config.Handlers{}).WithRunner(captureRunner(&gotArgs))

	req := newRequest(t, "clip.mp4", map[string]string{"subtitle_path": "/no/such/file.srt"})
	_, err := h.Execute(context.Background(), req, nil)
	if !errors.Is(err, services.ErrPermanent) {
		t.Fatalf("missing subtitle file should be permanent, got %v", err)
	}

	subPath := filepath.Join(t.TempDir(), "subs.srt")
	if err := os.WriteFile(subPath, []byte("1\n00:00:00,000 --> 00:00:01,000\nhi\n"), 0o644); err != nil {
		t.Fatalf("write subtitles: %v", err)
	}
	req = newRequest(t, "clip.mp4", map[string]string{"subtitle_path": subPath})
	if _, err := h.Execute(context.Background(), req, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(strings.Join(gotArgs, " "), "subtitles="+subPath) {
		t.Fatalf("subtitle filter missing: %v", gotArgs)
	}
}

func TestNormalizeMethodSelectsFilter(t *testing.T) {
	var gotArgs []string
	h := NewNormalizeHandler(config.Handlers{}).WithRunner(captureRunner(&gotArgs))

	req := newRequest(t, "audio.wav", nil)
	if _, err := h.Execute(context.Background(), req, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(strings.Join(gotArgs, " "), "loudnorm=I=-16:LRA=11:TP=-1.5") {
		t.Fatalf("default must be loudnorm: %v", gotArgs)
	}

	req = newRequest(t, "audio.wav", map[string]string{"method": "volume", "volume_level": "0.8"})
	if _, err := h.Execute(context.Background(), req, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(strings.Join(gotArgs, " "), "volume=0.8") {
		t.Fatalf("volume method not applied: %v", gotArgs)
	}
}

func TestChangeSpeedPitchModes(t *testing.T) {
	var gotArgs []string
	h := NewChangeSpeedHandler(config.Handlers{}).WithRunner(captureRunner(&gotArgs))

	req := newRequest(t, "audio.mp3", map[string]string{"speed_factor": "2.0"})
	if _, err := h.Execute(context.Background(), req, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(strings.Join(gotArgs, " "), "atempo=2.0") {
		t.Fatalf("pitch-preserving retime should use atempo: %v", gotArgs)
	}

	req = newRequest(t, "audio.mp3", map[string]string{"speed_factor": "0.5", "preserve_pitch": "false"})
	if _, err := h.Execute(context.Background(), req, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(strings.Join(gotArgs, " "), "asetrate=22050,aresample=44100") {
		t.Fatalf("pitch-shifting retime should rescale the sample rate: %v", gotArgs)
	}

	if err := h.Descriptor().ValidateParams(map[string]string{"speed_factor": "3"}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for factor past atempo's range, got %v", err)
	}
}

func TestExtractSegments(t *testing.T) {
	var gotArgs []string
	h := NewExtractSegmentsHandler(config.Handlers{}).WithRunner(captureRunner(&gotArgs))

	// A lone segment is a seek plus stream copy.
	req := newRequest(t, "audio.wav", map[string]string{"segments": "15-30"})
	if _, err := h.Execute(context.Background(), req, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "-ss 15 -t 30 -i ") || !strings.Contains(joined, "-c copy") {
		t.Fatalf("single segment should stream-copy: %s", joined)
	}

	// Multiple segments go through the select/concat filter.
	req = newRequest(t, "audio.wav", map[string]string{"segments": "0-30;90-15"})
	if _, err := h.Execute(context.Background(), req, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	joined = strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "between(t,0,0+30)+between(t,90,90+15)") {
		t.Fatalf("segment windows not selected: %s", joined)
	}
	if !strings.Contains(joined, "asetpts=N/SR/TB") {
		t.Fatalf("timestamps not rewritten: %s", joined)
	}

	if err := h.Descriptor().ValidateParams(map[string]string{"segments": "banana"}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for malformed segments, got %v", err)
	}
	if err := h.Descriptor().ValidateParams(map[string]string{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("segments param should be required, got %v", err)
	}
}

func TestMissingToolIsPermanent(t *testing.T) {
	h := NewExtractAudioHandler(config.Handlers{}).WithRunner(
		func(ctx context.Context, onLine func(string), name string, args ...string) error {
			return fmt.Errorf("ffmpeg: start: %w", exec.ErrNotFound)
		})
	req := newRequest(t, "clip.mp4", nil)
	_, err := h.Execute(context.Background(), req, nil)
	if !errors.Is(err, services.ErrPermanent) {
		t.Fatalf("expected permanent error for missing tool, got %v", err)
	}
	if retry.Classify(err) != retry.CategoryPermanent {
		t.Fatalf("retry policy should treat missing tool as permanent")
	}
}

func TestToolTimeoutIsTransient(t *testing.T) {
	h := NewDenoiseHandler(config.Handlers{}).WithRunner(
		func(ctx context.Context, onLine func(string), name string, args ...string) error {
			return context.DeadlineExceeded
		})
	req := newRequest(t, "audio.wav", nil)
	_, err := h.Execute(context.Background(), req, nil)
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if retry.Classify(err) != retry.CategoryTransient {
		t.Fatalf("retry policy should retry a tool timeout")
	}
}

func TestTranscribeReadsToolOutput(t *testing.T) {
	h := NewTranscribeHandler(config.Handlers{WhisperBin: "whisper", WhisperModel: "small"}).WithRunner(
		func(ctx context.Context, onLine func(string), name string, args ...string) error {
			// The tool writes <basename>.txt into --output_dir.
			var dir string
			for i, arg := range args {
				if arg == "--output_dir" && i+1 < len(args) {
					dir = args[i+1]
				}
			}
			return os.WriteFile(filepath.Join(dir, "audio.txt"), []byte("hello world"), 0o644)
		})

	req := newRequest(t, "audio.wav", map[string]string{"language": "en"})
	result, err := h.Execute(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	data, err := os.ReadFile(result.OutputPath)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected transcript: %q", data)
	}
	if result.OutputKind != artifact.KindText {
		t.Fatalf("wrong output kind: %s", result.OutputKind)
	}
}

func TestTranscribeMissingOutputIsPermanent(t *testing.T) {
	h := NewTranscribeHandler(config.Handlers{}).WithRunner(
		func(ctx context.Context, onLine func(string), name string, args ...string) error {
			return nil
		})
	req := newRequest(t, "audio.wav", nil)
	_, err := h.Execute(context.Background(), req, nil)
	if !errors.Is(err, services.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

type translateDoer struct {
	status  int
	payload string
	gotAuth string
	gotBody []byte
}

func (d *translateDoer) Do(req *http.Request) (*http.Response, error) {
	d.gotAuth = req.Header.Get("Authorization")
	d.gotBody, _ = io.ReadAll(req.Body)
	return &http.Response{
		StatusCode: d.status,
		Body:       io.NopCloser(bytes.NewReader([]byte(d.payload))),
	}, nil
}

func TestTranslateRoundTrip(t *testing.T) {
	doer := &translateDoer{
		status:  http.StatusOK,
		payload: `{"choices":[{"message":{"role":"assistant","content":"hola mundo"}}]}`,
	}
	h := NewTranslateHandler(config.Handlers{
		TranslateURL:    "https://llm.example/v1/chat/completions",
		TranslateAPIKey: "secret",
	}).WithClient(doer)

	req := newRequest(t, "transcript.txt", map[string]string{"target_language": "es"})
	result, err := h.Execute(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if doer.gotAuth != "Bearer secret" {
		t.Fatalf("missing auth header: %q", doer.gotAuth)
	}
	if !strings.Contains(string(doer.gotBody), "into es") {
		t.Fatalf("prompt missing target language: %s", doer.gotBody)
	}
	data, err := os.ReadFile(result.OutputPath)
	if err != nil {
		t.Fatalf("read translation: %v", err)
	}
	if string(data) != "hola mundo" {
		t.Fatalf("unexpected translation: %q", data)
	}
}

func TestTranslateStatusClassification(t *testing.T) {
	run := func(status int) error {
		h := NewTranslateHandler(config.Handlers{TranslateURL: "https://llm.example"}).
			WithClient(&translateDoer{status: status, payload: `{}`})
		req := newRequest(t, "t.txt", map[string]string{"target_language": "fr"})
		_, err := h.Execute(context.Background(), req, nil)
		return err
	}

	if err := run(http.StatusServiceUnavailable); !errors.Is(err, services.ErrTransient) {
		t.Fatalf("5xx should be transient, got %v", err)
	}
	if err := run(http.StatusTooManyRequests); !errors.Is(err, services.ErrTransient) {
		t.Fatalf("429 should be transient, got %v", err)
	}
	if err := run(http.StatusUnauthorized); !errors.Is(err, services.ErrPermanent) {
		t.Fatalf("401 should be permanent, got %v", err)
	}
}

func TestTranslateRequiresTargetLanguage(t *testing.T) {
	h := NewTranslateHandler(config.Handlers{TranslateURL: "https://llm.example"})
	err := h.Descriptor().ValidateParams(map[string]string{})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	err = h.Descriptor().ValidateParams(map[string]string{"target_language": "not a tag!!"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for bad tag, got %v", err)
	}
}

func TestSpeakInvertsSpeed(t *testing.T) {
	var gotArgs []string
	h := NewSpeakHandler(config.Handlers{TTSBin: "piper"}).WithRunner(
		func(ctx context.Context, onLine func(string), name string, args ...string) error {
			gotArgs = args
			for i, arg := range args {
				if arg == "--output_file" && i+1 < len(args) {
					return os.WriteFile(args[i+1], []byte("wav"), 0o644)
				}
			}
			return nil
		})

	req := newRequest(t, "script.txt", map[string]string{"speed": "2.0"})
	result, err := h.Execute(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "--length_scale 0.50") {
		t.Fatalf("speed 2.0 should become length_scale 0.50: %s", joined)
	}
	if result.OutputKind != artifact.KindAudio {
		t.Fatalf("wrong output kind: %s", result.OutputKind)
	}
}

func TestRegisterBuiltin(t *testing.T) {
	reg := stage.NewRegistry()
	if err := RegisterBuiltin(reg, config.Handlers{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	names := reg.Names()
	want := []string{
		"add_subtitles", "change_speed", "convert", "denoise", "extract_audio",
		"extract_segments", "normalize", "resize", "speak", "transcribe", "trim",
	}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected stages without translate endpoint: %v", names)
	}

	reg = stage.NewRegistry()
	if err := RegisterBuiltin(reg, config.Handlers{TranslateURL: "https://llm.example"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Lookup("translate"); err != nil {
		t.Fatalf("translate should register when configured: %v", err)
	}
}

func TestDurationBannerParsing(t *testing.T) {
	d, ok := parseDurationBanner("Duration: 01:02:03.50, start: 0.0, bitrate: 1 kb/s")
	if !ok {
		t.Fatal("banner not recognized")
	}
	want := time.Hour + 2*time.Minute + 3*time.Second + 500*time.Millisecond
	if d != want {
		t.Fatalf("expected %v, got %v", want, d)
	}
	if _, ok := parseDurationBanner("frame=10"); ok {
		t.Fatal("non-banner line accepted")
	}
}
