package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mediamill/internal/config"
)

const userAgent = "Mediamill/0.1.0"

// Service defines the notification surface exposed to the pipeline engine.
type Service interface {
	NotifyJobCompleted(ctx context.Context, jobID, finalArtifact string) error
	NotifyJobFailed(ctx context.Context, jobID, stageName, reason string) error
	NotifyBatchCompleted(ctx context.Context, batchID string, succeeded, failed, cancelled int) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.Topic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		events:   cfg.Notifications,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	events   config.Notifications
	client   *http.Client
}

func (n *ntfyService) NotifyJobCompleted(ctx context.Context, jobID, finalArtifact string) error {
	if !n.events.JobCompleted {
		return nil
	}
	message := fmt.Sprintf("Job complete: %s", jobID)
	if finalArtifact = strings.TrimSpace(finalArtifact); finalArtifact != "" {
		message = fmt.Sprintf("%s\nArtifact: %s", message, finalArtifact)
	}
	return n.send(ctx, payload{
		title:   "Mediamill - Job Complete",
		message: message,
		tags:    []string{"mediamill", "job", "completed"},
	})
}

func (n *ntfyService) NotifyJobFailed(ctx context.Context, jobID, stageName, reason string) error {
	if !n.events.JobFailed {
		return nil
	}
	var builder strings.Builder
	fmt.Fprintf(&builder, "Job failed: %s", jobID)
	if stageName = strings.TrimSpace(stageName); stageName != "" {
		fmt.Fprintf(&builder, "\nStage: %s", stageName)
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		fmt.Fprintf(&builder, "\nReason: %s", reason)
	}
	return n.send(ctx, payload{
		title:    "Mediamill - Job Failed",
		message:  builder.String(),
		tags:     []string{"mediamill", "job", "failed"},
		priority: "high",
	})
}

func (n *ntfyService) NotifyBatchCompleted(ctx context.Context, batchID string, succeeded, failed, cancelled int) error {
	if !n.events.BatchCompleted {
		return nil
	}
	title := "Mediamill - Batch Complete"
	message := fmt.Sprintf("Batch %s complete: %d succeeded", batchID, succeeded)
	if failed > 0 || cancelled > 0 {
		title = "Mediamill - Batch Complete (with errors)"
		message = fmt.Sprintf("%s, %d failed, %d cancelled", message, failed, cancelled)
	}
	return n.send(ctx, payload{
		title:   title,
		message: message,
		tags:    []string{"mediamill", "batch", "completed"},
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "Mediamill - Test",
		message:  "Notification system test",
		tags:     []string{"mediamill", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}
	return nil
}

type noopService struct{}

func (noopService) NotifyJobCompleted(context.Context, string, string) error { return nil }

func (noopService) NotifyJobFailed(context.Context, string, string, string) error { return nil }

func (noopService) NotifyBatchCompleted(context.Context, string, int, int, int) error { return nil }

func (noopService) TestNotification(context.Context) error { return nil }
