package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mediamill/internal/artifact"
	"mediamill/internal/logging"
	"mediamill/internal/progress"
	"mediamill/internal/queue"
	"mediamill/internal/services"
)

// SubmitRequest describes one job submission.
type SubmitRequest struct {
	Input  artifact.Ref
	Stages []StageRequest
}

// Submitter compiles submissions into job records and queued task chains.
type Submitter struct {
	compiler *Compiler
	queue    *queue.Store
	state    *progress.Store
	logger   *slog.Logger
}

// NewSubmitter wires the submission path.
func NewSubmitter(compiler *Compiler, queueStore *queue.Store, stateStore *progress.Store, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Submitter{compiler: compiler, queue: queueStore, state: stateStore, logger: logger}
}

// Submit validates and persists a job, then enqueues its full task chain.
// Later stages are created up front; the queue's dependency gating keeps
// them invisible until their predecessor is acknowledged.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*progress.Job, error) {
	return s.submit(ctx, req, "", true)
}

func (s *Submitter) submit(ctx context.Context, req SubmitRequest, batchID string, enqueue bool) (*progress.Job, error) {
	if req.Input.IsZero() {
		return nil, services.Wrap(services.ErrValidation, "", "submit job", "input artifact required", nil)
	}
	specs, err := s.compiler.Compile(req.Input.Kind, req.Stages)
	if err != nil {
		return nil, err
	}

	job := &progress.Job{
		ID:       uuid.NewString(),
		BatchID:  batchID,
		Stages:   specs,
		InputRef: req.Input,
	}
	if err := s.state.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if enqueue {
		if err := s.enqueueChain(ctx, job); err != nil {
			return nil, err
		}
	}
	s.logger.InfoContext(ctx, "job submitted",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldBatchID, batchID),
		logging.Int("stages", len(specs)))
	return job, nil
}

func (s *Submitter) enqueueChain(ctx context.Context, job *progress.Job) error {
	for i := range job.Stages {
		if _, err := s.queue.Enqueue(ctx, job.ID, i, time.Time{}); err != nil {
			return err
		}
	}
	return nil
}

// Status returns the job's snapshot: derived status plus stage records.
func (s *Submitter) Status(ctx context.Context, jobID string) (*progress.JobSnapshot, error) {
	return s.state.Snapshot(ctx, jobID)
}

// Cancel flags the job and withdraws its pending tasks. The stage a worker
// is currently executing finishes or is abandoned when the worker observes
// the flag; nothing new starts.
func (s *Submitter) Cancel(ctx context.Context, jobID string) error {
	if err := s.state.SetCancelled(ctx, jobID); err != nil {
		return err
	}
	skipped, err := s.queue.CancelJob(ctx, jobID)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "job cancelled",
		logging.String(logging.FieldJobID, jobID),
		logging.Int("tasks_withdrawn", int(skipped)))
	return nil
}

// Retry returns a failed or cancelled job to the queue with a fresh attempt
// budget and pending progress records.
func (s *Submitter) Retry(ctx context.Context, jobID string) error {
	snapshot, err := s.state.Snapshot(ctx, jobID)
	if err != nil {
		return err
	}
	if !snapshot.Status.Terminal() || snapshot.Status == progress.JobSucceeded {
		return services.Wrap(services.ErrValidation, "", "retry job",
			"only failed or cancelled jobs can be retried", nil)
	}
	if err := s.state.ResetForRetry(ctx, jobID); err != nil {
		return err
	}
	if _, err := s.queue.RetryJob(ctx, jobID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "job retried", logging.String(logging.FieldJobID, jobID))
	return nil
}
