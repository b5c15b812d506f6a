package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"mediamill/internal/artifact"
	"mediamill/internal/config"
	"mediamill/internal/fileutil"
	"mediamill/internal/services"
	"mediamill/internal/stage"
)

const (
	defaultTranslateModel   = "gpt-4o-mini"
	defaultTranslateTimeout = 120 * time.Second
	maxTranslateInputBytes  = 512 * 1024
)

// HTTPDoer describes the HTTP client used by the translate handler.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TranslateHandler rewrites a text artifact into a target language through
// an OpenAI-compatible chat completion endpoint.
type TranslateHandler struct {
	url    string
	apiKey string
	model  string
	client HTTPDoer
}

// NewTranslateHandler builds the translate stage from handler configuration.
// Returns nil when no endpoint is configured so the daemon can skip
// registration.
func NewTranslateHandler(cfg config.Handlers) *TranslateHandler {
	if cfg.TranslateURL == "" {
		return nil
	}
	model := cfg.TranslateModel
	if model == "" {
		model = defaultTranslateModel
	}
	timeout := defaultTranslateTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	return &TranslateHandler{
		url:    cfg.TranslateURL,
		apiKey: cfg.TranslateAPIKey,
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

// WithClient replaces the HTTP client for tests.
func (h *TranslateHandler) WithClient(client HTTPDoer) *TranslateHandler {
	h.client = client
	return h
}

func (h *TranslateHandler) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:       "translate",
		InputKind:  artifact.KindText,
		OutputKind: artifact.KindText,
		Params: []stage.ParamSpec{
			{Name: "target_language", Required: true, Validate: validateLanguage},
			{Name: "source_language", Validate: validateLanguage},
		},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (h *TranslateHandler) Execute(ctx context.Context, req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
	text, err := os.ReadFile(req.InputPath)
	if err != nil {
		return nil, fmt.Errorf("translate: read input: %w", err)
	}
	if len(text) > maxTranslateInputBytes {
		return nil, services.Wrap(services.ErrPermanent, "translate", "validate input",
			fmt.Sprintf("input of %d bytes exceeds the %d byte translation limit", len(text), maxTranslateInputBytes), nil)
	}

	target := canonicalLanguage(req.Params["target_language"])
	prompt := fmt.Sprintf("Translate the following text into %s. Reply with the translation only.", target)
	if source := req.Param("source_language", ""); source != "" {
		prompt = fmt.Sprintf("Translate the following %s text into %s. Reply with the translation only.",
			canonicalLanguage(source), target)
	}

	if report != nil {
		report(10, "translating")
	}
	translated, err := h.complete(ctx, prompt, string(text))
	if err != nil {
		return nil, err
	}

	output := filepath.Join(req.WorkDir, fmt.Sprintf("translated_%s.txt", target))
	if err := fileutil.WriteAtomic(output, []byte(translated), 0o644); err != nil {
		return nil, fmt.Errorf("translate: write output: %w", err)
	}
	if report != nil {
		report(99, "translation ready")
	}
	return &stage.Result{
		OutputPath: output,
		OutputKind: artifact.KindText,
		Message:    fmt.Sprintf("translated to %s", target),
	}, nil
}

func (h *TranslateHandler) complete(ctx context.Context, prompt, text string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: h.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("translate: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("translate: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "translate", "call endpoint", "translation request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "translate", "read response", "translation response truncated", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", services.Wrap(services.ErrTransient, "translate", "call endpoint",
			fmt.Sprintf("endpoint returned status %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return "", services.Wrap(services.ErrPermanent, "translate", "call endpoint",
			fmt.Sprintf("endpoint returned status %d", resp.StatusCode), nil)
	}

	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", services.Wrap(services.ErrTransient, "translate", "decode response", "malformed completion payload", err)
	}
	if parsed.Error != nil {
		return "", services.Wrap(services.ErrPermanent, "translate", "call endpoint", parsed.Error.Message, nil)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", services.Wrap(services.ErrPermanent, "translate", "decode response", "completion returned no text", nil)
	}
	return parsed.Choices[0].Message.Content, nil
}
