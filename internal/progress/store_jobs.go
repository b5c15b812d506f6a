package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mediamill/internal/artifact"
)

// CreateJob inserts the job record and a pending progress row for every
// stage. The stage rows are created up front so a snapshot always reflects
// the full pipeline shape.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	stages, err := json.Marshal(job.Stages)
	if err != nil {
		return fmt.Errorf("encode job stages: %w", err)
	}
	inputRef, err := job.InputRef.Encode()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO jobs (id, batch_id, stages, input_ref, final_ref, cancelled, created_at, updated_at)
        VALUES (?, ?, ?, ?, '', 0, ?, ?)`,
		job.ID, job.BatchID, string(stages), inputRef, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	for i := range job.Stages {
		_, err = tx.ExecContext(ctx, `
            INSERT INTO stage_progress (job_id, stage_index, status, percent, message, attempt, updated_at)
            VALUES (?, ?, ?, 0, '', 0, ?)`,
			job.ID, i, string(StagePending), formatTime(now))
		if err != nil {
			return fmt.Errorf("insert stage progress %s/%d: %w", job.ID, i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

// Job returns the stored job record by ID.
func (s *Store) Job(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, batch_id, stages, input_ref, final_ref, cancelled, created_at, updated_at
        FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("job", jobID)
	}
	return job, err
}

// SetCancelled marks the job's cancellation flag. Stage records are left
// untouched; workers observe the flag between stages.
func (s *Store) SetCancelled(ctx context.Context, jobID string) error {
	res, err := s.execWithRetry(ctx, `UPDATE jobs SET cancelled = 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("job", jobID)
	}
	return nil
}

// SetFinalArtifact records the reference produced by the job's last stage.
func (s *Store) SetFinalArtifact(ctx context.Context, jobID string, ref artifact.Ref) error {
	encoded, err := ref.Encode()
	if err != nil {
		return err
	}
	res, err := s.execWithRetry(ctx, `UPDATE jobs SET final_ref = ?, updated_at = ? WHERE id = ?`,
		encoded, formatTime(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("set final artifact for %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("job", jobID)
	}
	return nil
}

// Update records stage progress. Within a single attempt the stored percent
// never moves backwards; a higher attempt number resets it.
func (s *Store) Update(ctx context.Context, rec Record) error {
	res, err := s.execWithRetry(ctx, `
        UPDATE stage_progress SET
            status = ?,
            percent = CASE WHEN attempt = ? AND percent > ? THEN percent ELSE ? END,
            message = ?,
            attempt = ?,
            updated_at = ?
        WHERE job_id = ? AND stage_index = ?`,
		string(rec.Status), rec.Attempt, rec.Percent, rec.Percent, rec.Message,
		rec.Attempt, formatTime(time.Now()), rec.JobID, rec.StageIndex)
	if err != nil {
		return fmt.Errorf("update progress %s/%d: %w", rec.JobID, rec.StageIndex, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("job stage", fmt.Sprintf("%s/%d", rec.JobID, rec.StageIndex))
	}
	return nil
}

// SetStageOutput records the artifact reference a stage produced. The next
// stage's worker resolves its input from here.
func (s *Store) SetStageOutput(ctx context.Context, jobID string, stageIndex int, ref artifact.Ref) error {
	encoded, err := ref.Encode()
	if err != nil {
		return err
	}
	res, err := s.execWithRetry(ctx, `
        UPDATE stage_progress SET output_ref = ?, updated_at = ?
        WHERE job_id = ? AND stage_index = ?`,
		encoded, formatTime(time.Now()), jobID, stageIndex)
	if err != nil {
		return fmt.Errorf("set stage output %s/%d: %w", jobID, stageIndex, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("job stage", fmt.Sprintf("%s/%d", jobID, stageIndex))
	}
	return nil
}

// Stages returns the ordered progress records for a job.
func (s *Store) Stages(ctx context.Context, jobID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT job_id, stage_index, status, percent, message, attempt, output_ref, updated_at
        FROM stage_progress WHERE job_id = ? ORDER BY stage_index`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load progress for %s: %w", jobID, err)
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var rec Record
		var status, outputRef, updated string
		if err := rows.Scan(&rec.JobID, &rec.StageIndex, &status, &rec.Percent, &rec.Message, &rec.Attempt, &outputRef, &updated); err != nil {
			return nil, fmt.Errorf("scan progress row: %w", err)
		}
		ref, err := artifact.Decode(outputRef)
		if err != nil {
			return nil, fmt.Errorf("decode stage output ref: %w", err)
		}
		rec.Status = StageStatus(status)
		rec.OutputRef = ref
		rec.UpdatedAt = parseTime(updated)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Snapshot returns the job with its derived status and stage records.
func (s *Store) Snapshot(ctx context.Context, jobID string) (*JobSnapshot, error) {
	job, err := s.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	stages, err := s.Stages(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobSnapshot{
		Job:    *job,
		Status: deriveStatus(job.Cancelled, stages),
		Stages: stages,
	}, nil
}

// CreateBatch records a batch ID. Member jobs reference it via their
// batch_id column.
func (s *Store) CreateBatch(ctx context.Context, batchID string) error {
	_, err := s.execWithRetry(ctx, `INSERT INTO batches (id, created_at) VALUES (?, ?)`,
		batchID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", batchID, err)
	}
	return nil
}

// JobsForBatch returns the IDs of the batch's member jobs in submission order.
func (s *Store) JobsForBatch(ctx context.Context, batchID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE batch_id = ? ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("load batch jobs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BatchSnapshot aggregates the derived statuses of a batch's member jobs.
func (s *Store) BatchSnapshot(ctx context.Context, batchID string) (*BatchSnapshot, error) {
	var created string
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM batches WHERE id = ?`, batchID).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("batch", batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", batchID, err)
	}
	ids, err := s.JobsForBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	snap := &BatchSnapshot{ID: batchID, CreatedAt: parseTime(created), Total: len(ids), JobIDs: ids}
	for _, id := range ids {
		job, err := s.Snapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		switch job.Status {
		case JobPending:
			snap.Pending++
		case JobRunning:
			snap.Running++
		case JobSucceeded:
			snap.Succeeded++
		case JobFailed:
			snap.Failed++
		case JobCancelled:
			snap.Cancelled++
		}
	}
	return snap, nil
}

// ListBatchIDs returns every batch ID, oldest first, so admission control
// can walk batches in submission order.
func (s *Store) ListBatchIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM batches ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetForRetry clears the cancellation flag and returns failed stage
// records to pending so a retried job reports fresh progress.
func (s *Store) ResetForRetry(ctx context.Context, jobID string) error {
	now := formatTime(time.Now())
	if _, err := s.execWithRetry(ctx, `UPDATE jobs SET cancelled = 0, updated_at = ? WHERE id = ?`, now, jobID); err != nil {
		return fmt.Errorf("reset job %s: %w", jobID, err)
	}
	_, err := s.execWithRetry(ctx, `
        UPDATE stage_progress SET status = ?, percent = 0, message = '', attempt = 0, updated_at = ?
        WHERE job_id = ? AND status IN (?, ?)`,
		string(StagePending), now, jobID, string(StageFailed), string(StageRetrying))
	if err != nil {
		return fmt.Errorf("reset progress for %s: %w", jobID, err)
	}
	return nil
}

// ListJobs returns every stored job, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, batch_id, stages, input_ref, final_ref, cancelled, created_at, updated_at
        FROM jobs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var stages, inputRef, finalRef, created, updated string
	var cancelled int
	if err := row.Scan(&job.ID, &job.BatchID, &stages, &inputRef, &finalRef, &cancelled, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stages), &job.Stages); err != nil {
		return nil, fmt.Errorf("decode job stages: %w", err)
	}
	ref, err := artifact.Decode(inputRef)
	if err != nil {
		return nil, fmt.Errorf("decode job input ref: %w", err)
	}
	job.InputRef = ref
	final, err := artifact.Decode(finalRef)
	if err != nil {
		return nil, fmt.Errorf("decode job final ref: %w", err)
	}
	job.FinalRef = final
	job.Cancelled = cancelled != 0
	job.CreatedAt = parseTime(created)
	job.UpdatedAt = parseTime(updated)
	return &job, nil
}
