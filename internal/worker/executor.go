package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"mediamill/internal/artifact"
	"mediamill/internal/fileutil"
	"mediamill/internal/logging"
	"mediamill/internal/progress"
	"mediamill/internal/queue"
	"mediamill/internal/services"
	"mediamill/internal/stage"
)

// execute runs one leased task end to end. Every exit path resolves the
// lease: ack on success, nack with backoff on a retryable failure, fail on a
// permanent one.
func (p *Pool) execute(ctx context.Context, workerID string, task *queue.Task) {
	if !p.tryAcquire(task.DedupKey) {
		// Redelivered while the earlier delivery still runs here. Push it
		// back; the running execution will settle the job state.
		if err := p.queue.Nack(ctx, task.ID, workerID, p.visibility, "duplicate delivery"); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
			p.logger.ErrorContext(ctx, "nack duplicate delivery", logging.Error(err))
		}
		return
	}
	defer p.release(task.DedupKey)

	attempt := task.Attempt + 1
	ctx = services.WithJobID(ctx, task.JobID)
	log := p.logger.With(
		logging.String(logging.FieldJobID, task.JobID),
		logging.Int(logging.FieldStageIndex, task.StageIndex),
		logging.Int(logging.FieldAttempt, attempt),
		logging.String(logging.FieldWorkerID, workerID),
	)

	job, err := p.state.Job(ctx, task.JobID)
	if err != nil {
		log.ErrorContext(ctx, "job record missing for leased task", logging.Error(err))
		p.settleFailure(ctx, log, workerID, task, nil, attempt, err)
		return
	}
	if job.Cancelled {
		log.InfoContext(ctx, "skipping task of cancelled job")
		p.settleCancelled(ctx, log, workerID, task, job, artifact.Ref{})
		return
	}
	if task.StageIndex >= len(job.Stages) {
		p.settleFailure(ctx, log, workerID, task, job, attempt,
			services.Wrap(services.ErrPermanent, "", "execute stage", "task references a stage past the pipeline end", nil))
		return
	}
	spec := job.Stages[task.StageIndex]
	ctx = services.WithStage(ctx, spec.Name)
	log = log.With(logging.String(logging.FieldStage, spec.Name))

	handler, err := p.registry.Lookup(spec.Name)
	if err != nil {
		p.settleFailure(ctx, log, workerID, task, job, attempt, err)
		return
	}

	// Keep the lease alive for stages that outlive the visibility window.
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	lost := make(chan struct{})
	go p.heartbeat(heartbeatCtx, task.ID, workerID, lost)

	if err := p.state.Update(ctx, progress.Record{
		JobID: task.JobID, StageIndex: task.StageIndex,
		Status: progress.StageRunning, Attempt: attempt, Message: "starting",
	}); err != nil {
		log.ErrorContext(ctx, "record stage start", logging.Error(err))
	}

	result, err := p.runStage(ctx, lost, job, spec, task, attempt, handler)
	if err != nil {
		p.settleFailure(ctx, log, workerID, task, job, attempt, err)
		return
	}
	p.settleSuccess(ctx, log, workerID, task, job, attempt, result)
}

// runStage fetches the input, executes the handler under the stage timeout,
// and stores the output through the gateway.
func (p *Pool) runStage(
	ctx context.Context,
	lost <-chan struct{},
	job *progress.Job,
	spec progress.StageSpec,
	task *queue.Task,
	attempt int,
	handler stage.Handler,
) (artifact.Ref, error) {
	inputRef, err := p.resolveInput(ctx, job, task.StageIndex)
	if err != nil {
		return artifact.Ref{}, err
	}

	workDir := filepath.Join(p.cfg.Paths.StagingDir, job.ID, fmt.Sprintf("stage-%d-attempt-%d", task.StageIndex, attempt))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return artifact.Ref{}, fmt.Errorf("create stage workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	data, err := p.gateway.Get(ctx, inputRef)
	if err != nil {
		return artifact.Ref{}, err
	}
	inputPath := filepath.Join(workDir, "input"+filepath.Ext(inputRef.Key))
	if err := fileutil.WriteAtomic(inputPath, data, 0o644); err != nil {
		return artifact.Ref{}, fmt.Errorf("stage input to scratch: %w", err)
	}

	stageCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	go func() {
		select {
		case <-lost:
			cancel()
		case <-stageCtx.Done():
		}
	}()

	report := func(percent float64, message string) {
		if percent < 0 {
			percent = 0
		}
		if percent > 99 {
			percent = 99
		}
		err := p.state.Update(ctx, progress.Record{
			JobID: task.JobID, StageIndex: task.StageIndex,
			Status: progress.StageRunning, Percent: percent, Message: message, Attempt: attempt,
		})
		if err != nil {
			p.logger.WarnContext(ctx, "progress update dropped", logging.Error(err))
		}
	}

	result, err := handler.Execute(stageCtx, &stage.Request{
		JobID:      job.ID,
		StageIndex: task.StageIndex,
		Attempt:    attempt,
		Input:      inputRef,
		InputPath:  inputPath,
		WorkDir:    workDir,
		Params:     spec.Params,
	}, report)
	if err != nil {
		if stageCtx.Err() != nil && ctx.Err() == nil {
			return artifact.Ref{}, services.Wrap(services.ErrTimeout, spec.Name, "execute stage",
				fmt.Sprintf("stage exceeded its %s timeout", p.timeout), err)
		}
		return artifact.Ref{}, err
	}

	output, err := os.ReadFile(result.OutputPath)
	if err != nil {
		return artifact.Ref{}, fmt.Errorf("read stage output: %w", err)
	}
	keyHint := fmt.Sprintf("jobs/%s/stage-%d", job.ID, task.StageIndex)
	return p.gateway.Put(ctx, output, result.OutputKind, keyHint)
}

// resolveInput names the artifact a stage consumes: the job input for stage
// zero, the previous stage's recorded output otherwise.
func (p *Pool) resolveInput(ctx context.Context, job *progress.Job, stageIndex int) (artifact.Ref, error) {
	if stageIndex == 0 {
		return job.InputRef, nil
	}
	records, err := p.state.Stages(ctx, job.ID)
	if err != nil {
		return artifact.Ref{}, err
	}
	prev := records[stageIndex-1]
	if prev.OutputRef.IsZero() {
		// The predecessor acked but its output record has not landed yet;
		// treat as transient and let the retry policy reschedule.
		return artifact.Ref{}, services.Wrap(services.ErrTransient, "", "resolve input",
			fmt.Sprintf("stage %d output not recorded yet", stageIndex-1), nil)
	}
	return prev.OutputRef, nil
}

func (p *Pool) heartbeat(ctx context.Context, taskID int64, workerID string, lost chan<- struct{}) {
	interval := p.visibility / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, taskID, workerID, p.visibility); err != nil {
				if errors.Is(err, queue.ErrLeaseLost) {
					close(lost)
					return
				}
				p.logger.WarnContext(ctx, "lease heartbeat failed", logging.Error(err))
			}
		}
	}
}

func (p *Pool) settleSuccess(
	ctx context.Context,
	log *slog.Logger,
	workerID string,
	task *queue.Task,
	job *progress.Job,
	attempt int,
	outputRef artifact.Ref,
) {
	// A cancel can land while the handler runs. Re-read the flag before
	// publishing anything; a cancelled job must not gain output or a
	// completion notification.
	if fresh, err := p.state.Job(ctx, task.JobID); err != nil {
		log.ErrorContext(ctx, "reload job before settling", logging.Error(err))
	} else if fresh.Cancelled {
		log.InfoContext(ctx, "job cancelled during stage execution")
		p.settleCancelled(ctx, log, workerID, task, fresh, outputRef)
		return
	}

	if err := p.state.SetStageOutput(ctx, task.JobID, task.StageIndex, outputRef); err != nil {
		log.ErrorContext(ctx, "record stage output", logging.Error(err))
	}
	if err := p.state.Update(ctx, progress.Record{
		JobID: task.JobID, StageIndex: task.StageIndex,
		Status: progress.StageSucceeded, Percent: 100, Attempt: attempt,
	}); err != nil {
		log.ErrorContext(ctx, "record stage success", logging.Error(err))
	}
	if err := p.queue.Ack(ctx, task.ID, workerID); err != nil {
		// The lease expired and another worker may rerun the stage. The
		// progress store already reflects success; the rerun is wasted work
		// but not a correctness problem.
		log.WarnContext(ctx, "ack after lease loss", logging.Error(err))
		return
	}
	log.InfoContext(ctx, "stage complete", logging.String("output", outputRef.String()))

	if task.StageIndex == len(job.Stages)-1 {
		p.finishJob(ctx, log, job, outputRef)
	}
}

// settleCancelled resolves the lease of a task whose job carries the
// cancelled flag and discards any output the stage already produced.
func (p *Pool) settleCancelled(
	ctx context.Context,
	log *slog.Logger,
	workerID string,
	task *queue.Task,
	job *progress.Job,
	outputRef artifact.Ref,
) {
	if !outputRef.IsZero() {
		if err := p.gateway.Delete(ctx, outputRef); err != nil {
			log.WarnContext(ctx, "discard output of cancelled stage", logging.Error(err))
		}
	}
	if err := p.queue.Fail(ctx, task.ID, workerID, "job cancelled"); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		log.ErrorContext(ctx, "settle cancelled task", logging.Error(err))
	}
	p.afterTerminal(ctx, log, job)
}

func (p *Pool) finishJob(ctx context.Context, log *slog.Logger, job *progress.Job, finalRef artifact.Ref) {
	if err := p.state.SetFinalArtifact(ctx, job.ID, finalRef); err != nil {
		log.ErrorContext(ctx, "record final artifact", logging.Error(err))
	}
	log.InfoContext(ctx, "job complete", logging.String("final", finalRef.String()))
	if err := p.notifier.NotifyJobCompleted(ctx, job.ID, finalRef.String()); err != nil {
		log.WarnContext(ctx, "job completion notification failed", logging.Error(err))
	}
	p.afterTerminal(ctx, log, job)
}

func (p *Pool) settleFailure(
	ctx context.Context,
	log *slog.Logger,
	workerID string,
	task *queue.Task,
	job *progress.Job,
	attempt int,
	cause error,
) {
	if ctx.Err() != nil {
		// Shutdown, not a stage failure. Leave the lease to expire and be
		// reclaimed; the attempt counter will account for it.
		return
	}
	decision := p.policy.Decide(cause, attempt)
	if decision.Retry {
		log.WarnContext(ctx, "stage failed, will retry",
			logging.String("category", string(decision.Category)),
			logging.String("delay", decision.Delay.String()),
			logging.Error(cause))
		if err := p.state.Update(ctx, progress.Record{
			JobID: task.JobID, StageIndex: task.StageIndex,
			Status: progress.StageRetrying, Message: cause.Error(), Attempt: attempt,
		}); err != nil {
			log.ErrorContext(ctx, "record stage retry", logging.Error(err))
		}
		if err := p.queue.Nack(ctx, task.ID, workerID, decision.Delay, cause.Error()); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
			log.ErrorContext(ctx, "nack failed stage", logging.Error(err))
		}
		return
	}

	log.ErrorContext(ctx, "stage failed permanently",
		logging.String("category", string(decision.Category)),
		logging.Error(cause))
	if err := p.state.Update(ctx, progress.Record{
		JobID: task.JobID, StageIndex: task.StageIndex,
		Status: progress.StageFailed, Message: cause.Error(), Attempt: attempt,
	}); err != nil {
		log.ErrorContext(ctx, "record stage failure", logging.Error(err))
	}
	if err := p.queue.Fail(ctx, task.ID, workerID, cause.Error()); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		log.ErrorContext(ctx, "fail task", logging.Error(err))
	}
	// Withdraw the successors; they can never run.
	if _, err := p.queue.CancelJob(ctx, task.JobID); err != nil {
		log.ErrorContext(ctx, "withdraw successor tasks", logging.Error(err))
	}

	if job == nil {
		return
	}
	stageName := ""
	if task.StageIndex < len(job.Stages) {
		stageName = job.Stages[task.StageIndex].Name
	}
	if err := p.notifier.NotifyJobFailed(ctx, job.ID, stageName, cause.Error()); err != nil {
		log.WarnContext(ctx, "job failure notification failed", logging.Error(err))
	}
	p.afterTerminal(ctx, log, job)
}

// afterTerminal runs batch admission and batch-completion notification once
// a job reaches a terminal status.
func (p *Pool) afterTerminal(ctx context.Context, log *slog.Logger, job *progress.Job) {
	if p.coordinator == nil || job.BatchID == "" {
		return
	}
	if err := p.coordinator.Advance(ctx, job.BatchID); err != nil {
		log.ErrorContext(ctx, "batch admission", logging.Error(err))
	}
	snapshot, err := p.coordinator.Status(ctx, job.BatchID)
	if err != nil {
		log.ErrorContext(ctx, "batch status", logging.Error(err))
		return
	}
	if snapshot.Terminal() {
		if err := p.notifier.NotifyBatchCompleted(ctx, job.BatchID, snapshot.Succeeded, snapshot.Failed, snapshot.Cancelled); err != nil {
			log.WarnContext(ctx, "batch completion notification failed", logging.Error(err))
		}
	}
}
