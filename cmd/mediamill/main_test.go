package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	content := fmt.Sprintf(`[paths]
data_dir = %q
staging_dir = %q
log_dir = %q

[storage]
local_dir = %q
`, filepath.Join(dir, "data"), filepath.Join(dir, "staging"),
		filepath.Join(dir, "logs"), filepath.Join(dir, "artifacts"))
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath
}

func runCLI(t *testing.T, args []string, apiURL, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--api", apiURL, "--config", configPath}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// fakeDaemon serves canned API responses and records request paths.
func fakeDaemon(t *testing.T, responses map[string]any) (*httptest.Server, *[]string) {
	t.Helper()
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		body, ok := responses[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
			return
		}
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &paths
}

func TestParseStageFlag(t *testing.T) {
	stage, err := parseStageFlag("convert:format=mp4,crf=20")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if stage.Name != "convert" {
		t.Fatalf("name = %q", stage.Name)
	}
	if stage.Params["format"] != "mp4" || stage.Params["crf"] != "20" {
		t.Fatalf("params = %v", stage.Params)
	}

	bare, err := parseStageFlag("extract_audio")
	if err != nil {
		t.Fatalf("parse bare: %v", err)
	}
	if bare.Name != "extract_audio" || bare.Params != nil {
		t.Fatalf("bare stage = %+v", bare)
	}

	if _, err := parseStageFlag("convert:format"); err == nil {
		t.Fatal("expected error for parameter without value")
	}
	if _, err := parseStageFlag(":format=mp4"); err == nil {
		t.Fatal("expected error for missing stage name")
	}
}

func TestResolveStagesFromPipelineFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "podcast.yaml")
	definition := `name: podcast
input_kind: video
stages:
  - name: extract_audio
    params:
      format: wav
  - name: transcribe
`
	if err := os.WriteFile(path, []byte(definition), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}

	stages, kind, err := resolveStages(nil, path, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if kind != "video" {
		t.Fatalf("kind = %q", kind)
	}
	if len(stages) != 2 || stages[0].Name != "extract_audio" || stages[0].Params["format"] != "wav" {
		t.Fatalf("stages = %+v", stages)
	}

	if _, _, err := resolveStages([]string{"convert"}, path, ""); err == nil {
		t.Fatal("expected --stage/--pipeline conflict error")
	}
	if _, _, err := resolveStages(nil, "", "video"); err == nil {
		t.Fatal("expected error when no stages are given")
	}
}

func TestStatusCommandRendersStages(t *testing.T) {
	job := map[string]any{
		"job_id": "job-1",
		"status": "running",
		"input":  "local://inputs/a.mp4",
		"stages": []map[string]any{
			{"index": 0, "name": "convert", "status": "succeeded", "percent": 100, "attempt": 1},
			{"index": 1, "name": "extract_audio", "status": "running", "percent": 40, "attempt": 1},
		},
	}
	srv, _ := fakeDaemon(t, map[string]any{"/api/jobs/job-1": job})

	out, _, err := runCLI(t, []string{"status", "job-1"}, srv.URL, writeTestConfig(t))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "convert") || !strings.Contains(out, "extract_audio") {
		t.Fatalf("missing stage rows: %q", out)
	}
	if !strings.Contains(out, "running") {
		t.Fatalf("missing job status: %q", out)
	}
}

func TestCancelBatchHitsBatchRoute(t *testing.T) {
	srv, paths := fakeDaemon(t, map[string]any{
		"/api/batches/batch-1/cancel": map[string]any{"batch_id": "batch-1", "jobs_cancelled": 3, "terminal": true},
	})

	out, _, err := runCLI(t, []string{"cancel", "--batch", "batch-1"}, srv.URL, writeTestConfig(t))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(out, "3 jobs cancelled") {
		t.Fatalf("missing cancel summary: %q", out)
	}
	if (*paths)[0] != "POST /api/batches/batch-1/cancel" {
		t.Fatalf("wrong route: %v", *paths)
	}

	if _, _, err := runCLI(t, []string{"cancel", "job-1", "--batch", "batch-1"}, srv.URL, writeTestConfig(t)); err == nil {
		t.Fatal("job ID and --batch together must be rejected")
	}
}

func TestQueueCommandRendersStats(t *testing.T) {
	srv, _ := fakeDaemon(t, map[string]any{
		"/api/queue/stats": map[string]int{"pending": 3, "leased": 1, "acked": 7, "failed": 0, "cancelled": 2, "total": 13},
	})

	out, _, err := runCLI(t, []string{"queue", "stats"}, srv.URL, writeTestConfig(t))
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if !strings.Contains(out, "pending") || !strings.Contains(out, "3") {
		t.Fatalf("missing stats: %q", out)
	}
}

func TestSubmitUploadsLocalFile(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(inputPath, []byte("video-bytes"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	srv, paths := fakeDaemon(t, map[string]any{
		"/api/artifacts": map[string]any{"artifact": "local://inputs/abc.mp4", "size": 11},
		"/api/jobs": map[string]any{
			"job_id": "job-9",
			"status": "pending",
			"stages": []map[string]any{{"index": 0, "name": "convert", "status": "pending"}},
		},
	})

	out, _, err := runCLI(t, []string{"submit", inputPath, "--stage", "convert:format=mp4"}, srv.URL, writeTestConfig(t))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out, "job-9") {
		t.Fatalf("missing job id: %q", out)
	}

	got := strings.Join(*paths, " ")
	if !strings.Contains(got, "POST /api/artifacts") {
		t.Fatalf("expected upload before submission, got %q", got)
	}
	if !strings.Contains(got, "POST /api/jobs") {
		t.Fatalf("expected job submission, got %q", got)
	}
}

func TestSubmitPassesRefsThroughWithoutUpload(t *testing.T) {
	srv, paths := fakeDaemon(t, map[string]any{
		"/api/jobs": map[string]any{"job_id": "job-2", "status": "pending"},
	})

	_, _, err := runCLI(t,
		[]string{"submit", "local://inputs/abc.mp4", "--stage", "convert"},
		srv.URL, writeTestConfig(t))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for _, p := range *paths {
		if strings.Contains(p, "/api/artifacts") {
			t.Fatalf("reference input must not be re-uploaded: %v", *paths)
		}
	}
}

func TestDaemonErrorSurfacesToUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "stage convert: unknown parameter \"bitrate\""})
	}))
	t.Cleanup(srv.Close)

	_, _, err := runCLI(t,
		[]string{"submit", "local://inputs/a.mp4", "--stage", "convert:bitrate=1"},
		srv.URL, writeTestConfig(t))
	if err == nil || !strings.Contains(err.Error(), "unknown parameter") {
		t.Fatalf("expected daemon error to surface, got %v", err)
	}
}

func TestConfigInitWritesSample(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, "http://unused", "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, target) {
		t.Fatalf("missing target path in output: %q", out)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("sample config not written: %v", err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, "http://unused", ""); err == nil {
		t.Fatal("expected refusal to overwrite existing config")
	}
}

func TestStageSummary(t *testing.T) {
	job := jobView{Stages: []stageView{
		{Name: "convert", Status: "succeeded"},
		{Name: "extract_audio", Status: "running"},
		{Name: "transcribe", Status: "pending"},
	}}
	if got := stageSummary(job); got != "1/3 extract_audio" {
		t.Fatalf("summary = %q", got)
	}
}
