package handlers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"mediamill/internal/services"
)

// RunFunc executes an external command, feeding each output line to onLine.
// Handlers take it as an injection point so tests can run without the real
// tools installed.
type RunFunc func(ctx context.Context, onLine func(string), name string, args ...string) error

// runCommand is the default RunFunc. It merges stdout and stderr line by
// line and keeps a tail of recent output for error reporting.
func runCommand(ctx context.Context, onLine func(string), name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%s: stdout pipe: %w", name, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s: start: %w", name, err)
	}

	var tail []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if onLine != nil {
			onLine(line)
		}
		tail = append(tail, line)
		if len(tail) > 20 {
			tail = tail[1:]
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(strings.Join(tail, "\n")))
	}
	return nil
}

// classifyRunError maps command execution failures onto the retry
// categories. A missing binary or bad invocation never heals on retry; a
// context timeout is worth another attempt; anything else stays unclassified
// so the retry policy applies its single-retry rule for unknown failures.
func classifyRunError(stageName, operation string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return services.Wrap(services.ErrPermanent, stageName, operation, "tool not installed", err)
	case errors.Is(err, context.DeadlineExceeded):
		return services.Wrap(services.ErrTimeout, stageName, operation, "tool timed out", err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%s %s: %w", stageName, operation, err)
	}
}
