package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// apiClient is a thin HTTP client for the daemon API. Every method decodes
// the daemon's JSON error envelope into a plain error.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type stageView struct {
	Index   int     `json:"index"`
	Name    string  `json:"name"`
	Status  string  `json:"status"`
	Percent float64 `json:"percent"`
	Attempt int     `json:"attempt"`
	Message string  `json:"message"`
	Output  string  `json:"output"`
}

type jobView struct {
	JobID     string      `json:"job_id"`
	BatchID   string      `json:"batch_id"`
	Status    string      `json:"status"`
	Input     string      `json:"input"`
	Final     string      `json:"final_artifact"`
	CreatedAt time.Time   `json:"created_at"`
	Stages    []stageView `json:"stages"`
}

type batchView struct {
	BatchID   string   `json:"batch_id"`
	Total     int      `json:"total"`
	Pending   int      `json:"pending"`
	Running   int      `json:"running"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Cancelled int      `json:"cancelled"`
	Terminal  bool     `json:"terminal"`
	JobIDs    []string `json:"job_ids"`
}

type artifactView struct {
	Artifact string `json:"artifact"`
	Backend  string `json:"backend"`
	Key      string `json:"key"`
	Kind     string `json:"kind"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

type stageDescView struct {
	Name       string   `json:"name"`
	InputKind  string   `json:"input_kind"`
	OutputKind string   `json:"output_kind"`
	Params     []string `json:"params"`
}

type submitStage struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

type submitBody struct {
	Input     string        `json:"input"`
	InputKind string        `json:"input_kind"`
	Stages    []submitStage `json:"stages"`
}

func (c *apiClient) SubmitJob(ctx context.Context, body submitBody) (*jobView, error) {
	var job jobView
	if err := c.do(ctx, http.MethodPost, "/api/jobs", body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *apiClient) SubmitBatch(ctx context.Context, inputs []submitBody) (string, []string, error) {
	var resp struct {
		BatchID string   `json:"batch_id"`
		JobIDs  []string `json:"job_ids"`
	}
	payload := map[string]any{"inputs": inputs}
	if err := c.do(ctx, http.MethodPost, "/api/batches", payload, &resp); err != nil {
		return "", nil, err
	}
	return resp.BatchID, resp.JobIDs, nil
}

func (c *apiClient) Job(ctx context.Context, jobID string) (*jobView, error) {
	var job jobView
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *apiClient) Jobs(ctx context.Context) ([]jobView, error) {
	var resp struct {
		Jobs []jobView `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/jobs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *apiClient) Cancel(ctx context.Context, jobID string) (*jobView, error) {
	var job jobView
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *apiClient) CancelBatch(ctx context.Context, batchID string) (int, error) {
	var resp struct {
		JobsCancelled int `json:"jobs_cancelled"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/batches/"+url.PathEscape(batchID)+"/cancel", nil, &resp); err != nil {
		return 0, err
	}
	return resp.JobsCancelled, nil
}

func (c *apiClient) Retry(ctx context.Context, jobID string) (*jobView, error) {
	var job jobView
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/retry", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *apiClient) FinalArtifactURL(ctx context.Context, jobID string) (string, string, error) {
	var resp struct {
		Artifact string `json:"artifact"`
		URL      string `json:"url"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID)+"/artifact", nil, &resp); err != nil {
		return "", "", err
	}
	return resp.Artifact, resp.URL, nil
}

func (c *apiClient) Batch(ctx context.Context, batchID string) (*batchView, error) {
	var batch batchView
	if err := c.do(ctx, http.MethodGet, "/api/batches/"+url.PathEscape(batchID), nil, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

func (c *apiClient) QueueStats(ctx context.Context) (map[string]int, error) {
	stats := map[string]int{}
	if err := c.do(ctx, http.MethodGet, "/api/queue/stats", nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (c *apiClient) ClearQueue(ctx context.Context) (int64, error) {
	var resp struct {
		Removed int64 `json:"removed"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/queue/clear", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

func (c *apiClient) Stages(ctx context.Context) ([]stageDescView, error) {
	var resp struct {
		Stages []stageDescView `json:"stages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/stages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Stages, nil
}

func (c *apiClient) UploadArtifact(ctx context.Context, kind string, data []byte) (*artifactView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/api/artifacts?kind="+url.QueryEscape(kind), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	var view artifactView
	if err := c.roundTrip(req, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *apiClient) TestNotification(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/test", nil, nil)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.roundTrip(req, out)
}

func (c *apiClient) roundTrip(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&envelope); decodeErr == nil && envelope.Error != "" {
			return fmt.Errorf("%s", envelope.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
