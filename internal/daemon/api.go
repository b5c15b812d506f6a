package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mediamill/internal/artifact"
	"mediamill/internal/config"
	"mediamill/internal/logging"
	"mediamill/internal/notifications"
	"mediamill/internal/pipeline"
	"mediamill/internal/progress"
	"mediamill/internal/queue"
	"mediamill/internal/stage"
	"mediamill/internal/storage"
)

const (
	maxUploadBytes     = 2 << 30
	artifactPresignTTL = time.Hour
)

// Server exposes the daemon's HTTP API: job and batch submission, status,
// cancellation, queue diagnostics, artifact upload, and presigned artifact
// download for the local backend.
type Server struct {
	cfg         *config.Config
	logger      *slog.Logger
	submitter   *pipeline.Submitter
	coordinator *pipeline.Coordinator
	state       *progress.Store
	queue       *queue.Store
	gateway     *storage.Gateway
	registry    *stage.Registry
	notifier    notifications.Service
}

// NewServer wires the API surface.
func NewServer(
	cfg *config.Config,
	logger *slog.Logger,
	submitter *pipeline.Submitter,
	coordinator *pipeline.Coordinator,
	stateStore *progress.Store,
	queueStore *queue.Store,
	gateway *storage.Gateway,
	registry *stage.Registry,
	notifier notifications.Service,
) *Server {
	return &Server{
		cfg:         cfg,
		logger:      logging.NewComponentLogger(logger, "api"),
		submitter:   submitter,
		coordinator: coordinator,
		state:       stateStore,
		queue:       queueStore,
		gateway:     gateway,
		registry:    registry,
		notifier:    notifier,
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealth)
	r.Get("/artifacts/*", s.handleArtifactDownload)

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleJobStatus)
		r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)
		r.Post("/jobs/{jobID}/retry", s.handleRetryJob)
		r.Get("/jobs/{jobID}/artifact", s.handleJobArtifact)
		r.Post("/batches", s.handleSubmitBatch)
		r.Get("/batches/{batchID}", s.handleBatchStatus)
		r.Post("/batches/{batchID}/cancel", s.handleCancelBatch)
		r.Get("/queue/stats", s.handleQueueStats)
		r.Post("/queue/clear", s.handleQueueClear)
		r.Get("/stages", s.handleStages)
		r.Post("/artifacts", s.handleArtifactUpload)
		r.Post("/notifications/test", s.handleNotificationTest)
	})
	return r
}

type submitJobRequest struct {
	Input     string                  `json:"input"`
	InputKind string                  `json:"input_kind"`
	Stages    []pipeline.StageRequest `json:"stages"`
}

type submitBatchRequest struct {
	Inputs []submitJobRequest `json:"inputs"`
}

type jobStatusResponse struct {
	JobID     string             `json:"job_id"`
	BatchID   string             `json:"batch_id,omitempty"`
	Status    progress.JobStatus `json:"status"`
	Input     string             `json:"input"`
	Final     string             `json:"final_artifact,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	Stages    []stageStatusBody  `json:"stages"`
}

type stageStatusBody struct {
	Index   int                  `json:"index"`
	Name    string               `json:"name"`
	Status  progress.StageStatus `json:"status"`
	Percent float64              `json:"percent"`
	Attempt int                  `json:"attempt"`
	Message string               `json:"message,omitempty"`
	Output  string               `json:"output,omitempty"`
}

func jobStatusBody(snapshot *progress.JobSnapshot) jobStatusResponse {
	resp := jobStatusResponse{
		JobID:     snapshot.Job.ID,
		BatchID:   snapshot.Job.BatchID,
		Status:    snapshot.Status,
		Input:     snapshot.Job.InputRef.String(),
		Final:     snapshot.Job.FinalRef.String(),
		CreatedAt: snapshot.Job.CreatedAt,
	}
	for i, rec := range snapshot.Stages {
		name := ""
		if i < len(snapshot.Job.Stages) {
			name = snapshot.Job.Stages[i].Name
		}
		resp.Stages = append(resp.Stages, stageStatusBody{
			Index:   rec.StageIndex,
			Name:    name,
			Status:  rec.Status,
			Percent: rec.Percent,
			Attempt: rec.Attempt,
			Message: rec.Message,
			Output:  rec.OutputRef.String(),
		})
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, badRequest("malformed job submission", err))
		return
	}
	submit, err := toSubmitRequest(req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	job, err := s.submitter.Submit(r.Context(), submit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	snapshot, err := s.state.Snapshot(r.Context(), job.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, jobStatusBody(snapshot))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.state.ListJobs(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]jobStatusResponse, 0, len(jobs))
	for _, job := range jobs {
		snapshot, err := s.state.Snapshot(r.Context(), job.ID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		out = append(out, jobStatusBody(snapshot))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.state.Snapshot(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, jobStatusBody(snapshot))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.submitter.Cancel(r.Context(), jobID); err != nil {
		s.respondError(w, r, err)
		return
	}
	snapshot, err := s.state.Snapshot(r.Context(), jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, jobStatusBody(snapshot))
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.submitter.Retry(r.Context(), jobID); err != nil {
		s.respondError(w, r, err)
		return
	}
	snapshot, err := s.state.Snapshot(r.Context(), jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, jobStatusBody(snapshot))
}

func (s *Server) handleJobArtifact(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.state.Snapshot(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if snapshot.Job.FinalRef.IsZero() {
		s.respondError(w, r, badRequest("job has no final artifact yet", nil))
		return
	}
	url, err := s.gateway.Presign(r.Context(), snapshot.Job.FinalRef, artifactPresignTTL)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"artifact": snapshot.Job.FinalRef.String(),
		"url":      url,
	})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, badRequest("malformed batch submission", err))
		return
	}
	inputs := make([]pipeline.SubmitRequest, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		submit, err := toSubmitRequest(in)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		inputs = append(inputs, submit)
	}
	batchID, jobIDs, err := s.coordinator.SubmitBatch(r.Context(), pipeline.BatchRequest{Inputs: inputs})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{
		"batch_id": batchID,
		"job_ids":  jobIDs,
	})
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.coordinator.Status(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"batch_id":  snapshot.ID,
		"total":     snapshot.Total,
		"pending":   snapshot.Pending,
		"running":   snapshot.Running,
		"succeeded": snapshot.Succeeded,
		"failed":    snapshot.Failed,
		"cancelled": snapshot.Cancelled,
		"terminal":  snapshot.Terminal(),
		"job_ids":   snapshot.JobIDs,
	})
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	cancelled, err := s.coordinator.Cancel(r.Context(), batchID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	snapshot, err := s.coordinator.Status(r.Context(), batchID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"batch_id":       batchID,
		"jobs_cancelled": cancelled,
		"terminal":       snapshot.Terminal(),
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{
		"pending":   stats.Pending,
		"leased":    stats.Leased,
		"acked":     stats.Acked,
		"failed":    stats.Failed,
		"cancelled": stats.Cancelled,
		"total":     stats.Total(),
	})
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	removed, err := s.queue.ClearFinished(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	names := s.registry.Names()
	stages := make([]map[string]any, 0, len(names))
	for _, name := range names {
		handler, err := s.registry.Lookup(name)
		if err != nil {
			continue
		}
		desc := handler.Descriptor()
		params := make([]string, 0, len(desc.Params))
		for _, p := range desc.Params {
			params = append(params, p.Name)
		}
		stages = append(stages, map[string]any{
			"name":        desc.Name,
			"input_kind":  desc.InputKind,
			"output_kind": desc.OutputKind,
			"params":      params,
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"stages": stages})
}

// handleArtifactUpload ingests raw bytes as a new artifact and returns the
// reference that job submissions name as their input.
func (s *Server) handleArtifactUpload(w http.ResponseWriter, r *http.Request) {
	kind, ok := artifact.ParseKind(r.URL.Query().Get("kind"))
	if !ok || kind == artifact.KindAny {
		s.respondError(w, r, badRequest("kind query parameter must be video, audio, or text", nil))
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		s.respondError(w, r, badRequest("read upload", err))
		return
	}
	if len(data) == 0 {
		s.respondError(w, r, badRequest("empty upload", nil))
		return
	}
	ref, err := s.gateway.Put(r.Context(), data, kind, "inputs")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{
		"artifact": ref.String(),
		"backend":  ref.Backend,
		"key":      ref.Key,
		"kind":     ref.Kind,
		"size":     ref.Size,
		"checksum": ref.Checksum,
	})
}

// handleArtifactDownload serves local-backend artifacts to holders of a
// valid presigned token.
func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	expires, err := strconv.ParseInt(r.URL.Query().Get("exp"), 10, 64)
	if err != nil {
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}
	sig := r.URL.Query().Get("sig")
	local := s.gateway.Local()
	if !local.VerifyToken(key, expires, sig) {
		http.Error(w, "invalid or expired token", http.StatusForbidden)
		return
	}
	data, err := local.Get(r.Context(), key)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (s *Server) handleNotificationTest(w http.ResponseWriter, r *http.Request) {
	if err := s.notifier.TestNotification(r.Context()); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func toSubmitRequest(req submitJobRequest) (pipeline.SubmitRequest, error) {
	kind, ok := artifact.ParseKind(req.InputKind)
	if !ok || kind == artifact.KindAny {
		return pipeline.SubmitRequest{}, badRequest(
			fmt.Sprintf("input_kind %q must be video, audio, or text", req.InputKind), nil)
	}
	ref, err := artifact.ParseRef(req.Input, kind)
	if err != nil {
		return pipeline.SubmitRequest{}, badRequest("input artifact reference", err)
	}
	return pipeline.SubmitRequest{Input: ref, Stages: req.Stages}, nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("encode response", logging.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.ErrorContext(r.Context(), "request failed",
			logging.String("path", r.URL.Path),
			logging.Error(err))
	}
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}
