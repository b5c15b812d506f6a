package handlers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"mediamill/internal/stage"
)

const defaultFFmpegBin = "ffmpeg"

// ffmpegRunner wraps invocation of ffmpeg with progress parsing shared by
// the convert, extract_audio, and denoise handlers.
type ffmpegRunner struct {
	bin string
	run RunFunc
}

func newFFmpegRunner(bin string, run RunFunc) ffmpegRunner {
	if bin == "" {
		bin = defaultFFmpegBin
	}
	if run == nil {
		run = runCommand
	}
	return ffmpegRunner{bin: bin, run: run}
}

// transcode runs ffmpeg with -progress output and relays percent updates.
// args must not include the leading -progress/-nostats flags; they are added
// here so every handler reports progress the same way.
func (f ffmpegRunner) transcode(ctx context.Context, stageName string, report stage.ProgressFunc, args ...string) error {
	full := append([]string{"-hide_banner", "-nostdin", "-y", "-progress", "pipe:1", "-nostats"}, args...)
	parser := &ffmpegProgress{report: report}
	err := f.run(ctx, parser.observe, f.bin, full...)
	return classifyRunError(stageName, "ffmpeg", err)
}

// ffmpegProgress tracks transcode progress from ffmpeg's merged output: the
// stream duration comes from the input banner, position from the key=value
// lines emitted by -progress.
type ffmpegProgress struct {
	report   stage.ProgressFunc
	duration time.Duration
	last     float64
}

func (p *ffmpegProgress) observe(line string) {
	if p.report == nil {
		return
	}
	trimmed := strings.TrimSpace(line)
	if p.duration == 0 {
		if d, ok := parseDurationBanner(trimmed); ok {
			p.duration = d
			return
		}
	}
	position, ok := parseOutTime(trimmed)
	if !ok || p.duration <= 0 {
		return
	}
	percent := float64(position) / float64(p.duration) * 100
	if percent > 99 {
		percent = 99
	}
	if percent > p.last {
		p.last = percent
		p.report(percent, "")
	}
}

// parseDurationBanner extracts the total duration from ffmpeg's
// "Duration: 00:01:23.45, start: ..." input banner line.
func parseDurationBanner(line string) (time.Duration, bool) {
	if !strings.HasPrefix(line, "Duration:") {
		return 0, false
	}
	value := strings.TrimSpace(strings.TrimPrefix(line, "Duration:"))
	if idx := strings.IndexByte(value, ','); idx >= 0 {
		value = value[:idx]
	}
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err1 := strconv.Atoi(parts[0])
	minutes, err2 := strconv.Atoi(parts[1])
	seconds, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	d := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	return d, d > 0
}

// parseOutTime reads the out_time_us/out_time_ms keys from ffmpeg -progress
// output. Older builds emit microseconds under out_time_ms.
func parseOutTime(line string) (time.Duration, bool) {
	var raw string
	switch {
	case strings.HasPrefix(line, "out_time_us="):
		raw = strings.TrimPrefix(line, "out_time_us=")
	case strings.HasPrefix(line, "out_time_ms="):
		raw = strings.TrimPrefix(line, "out_time_ms=")
	default:
		return 0, false
	}
	micros, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || micros < 0 {
		return 0, false
	}
	return time.Duration(micros) * time.Microsecond, true
}
