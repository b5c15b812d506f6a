package pipeline

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"mediamill/internal/logging"
	"mediamill/internal/progress"
	"mediamill/internal/queue"
	"mediamill/internal/services"
)

// BatchRequest describes a batch submission: one pipeline applied to many
// inputs. Each input becomes an independent job; one failing never touches
// its siblings.
type BatchRequest struct {
	Inputs []SubmitRequest
}

// Coordinator admits batch members into the queue, holding the number of
// in-flight jobs per batch at or under the configured ceiling. Members past
// the ceiling sit in the state database unadmitted until earlier ones reach
// a terminal status.
type Coordinator struct {
	submitter   *Submitter
	queue       *queue.Store
	state       *progress.Store
	maxInFlight int
	logger      *slog.Logger
}

// NewCoordinator wires batch admission.
func NewCoordinator(submitter *Submitter, queueStore *queue.Store, stateStore *progress.Store, maxInFlight int, logger *slog.Logger) *Coordinator {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{
		submitter:   submitter,
		queue:       queueStore,
		state:       stateStore,
		maxInFlight: maxInFlight,
		logger:      logger,
	}
}

// SubmitBatch records every member job, then admits up to the in-flight
// ceiling immediately.
func (c *Coordinator) SubmitBatch(ctx context.Context, req BatchRequest) (string, []string, error) {
	if len(req.Inputs) == 0 {
		return "", nil, services.Wrap(services.ErrValidation, "", "submit batch",
			"a batch needs at least one input", nil)
	}
	batchID := uuid.NewString()
	if err := c.state.CreateBatch(ctx, batchID); err != nil {
		return "", nil, err
	}

	jobIDs := make([]string, 0, len(req.Inputs))
	for _, input := range req.Inputs {
		job, err := c.submitter.submit(ctx, input, batchID, false)
		if err != nil {
			return "", nil, err
		}
		jobIDs = append(jobIDs, job.ID)
	}
	if err := c.Advance(ctx, batchID); err != nil {
		return "", nil, err
	}
	c.logger.InfoContext(ctx, "batch submitted",
		logging.String(logging.FieldBatchID, batchID),
		logging.Int("jobs", len(jobIDs)))
	return batchID, jobIDs, nil
}

// Advance admits unadmitted batch members while the in-flight count is
// under the ceiling. A member counts as in flight once its tasks exist in
// the queue and its derived status is not terminal.
func (c *Coordinator) Advance(ctx context.Context, batchID string) error {
	jobIDs, err := c.state.JobsForBatch(ctx, batchID)
	if err != nil {
		return err
	}

	inFlight := 0
	var waiting []string
	for _, jobID := range jobIDs {
		tasks, err := c.queue.TasksForJob(ctx, jobID)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			waiting = append(waiting, jobID)
			continue
		}
		snapshot, err := c.state.Snapshot(ctx, jobID)
		if err != nil {
			return err
		}
		if !snapshot.Status.Terminal() {
			inFlight++
		}
	}

	for _, jobID := range waiting {
		if inFlight >= c.maxInFlight {
			break
		}
		job, err := c.state.Job(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Cancelled {
			continue
		}
		if err := c.submitter.enqueueChain(ctx, job); err != nil {
			return err
		}
		inFlight++
		c.logger.InfoContext(ctx, "batch member admitted",
			logging.String(logging.FieldBatchID, batchID),
			logging.String(logging.FieldJobID, jobID))
	}
	return nil
}

// Cancel flags every non-terminal member of the batch and withdraws their
// pending tasks. Unadmitted members never reach the queue; the cancelled
// flag keeps Advance from admitting them later. Returns the number of
// members cancelled.
func (c *Coordinator) Cancel(ctx context.Context, batchID string) (int, error) {
	if _, err := c.state.BatchSnapshot(ctx, batchID); err != nil {
		return 0, err
	}
	jobIDs, err := c.state.JobsForBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, jobID := range jobIDs {
		snapshot, err := c.state.Snapshot(ctx, jobID)
		if err != nil {
			return cancelled, err
		}
		if snapshot.Status.Terminal() {
			continue
		}
		if err := c.submitter.Cancel(ctx, jobID); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	c.logger.InfoContext(ctx, "batch cancelled",
		logging.String(logging.FieldBatchID, batchID),
		logging.Int("jobs_cancelled", cancelled))
	return cancelled, nil
}

// AdvanceAll runs admission across every known batch. The daemon calls this
// whenever a job reaches a terminal status and periodically as a sweep.
func (c *Coordinator) AdvanceAll(ctx context.Context) error {
	batchIDs, err := c.state.ListBatchIDs(ctx)
	if err != nil {
		return err
	}
	for _, batchID := range batchIDs {
		if err := c.Advance(ctx, batchID); err != nil {
			return err
		}
	}
	return nil
}

// Status aggregates the batch members' derived statuses.
func (c *Coordinator) Status(ctx context.Context, batchID string) (*progress.BatchSnapshot, error) {
	return c.state.BatchSnapshot(ctx, batchID)
}
