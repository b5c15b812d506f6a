package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseLost indicates a worker tried to ack or nack a task it no longer
// holds, typically because the lease's visibility timeout expired and the
// task was reclaimed.
var ErrLeaseLost = errors.New("task lease lost")

const taskColumns = "id, job_id, stage_index, dedup_key, attempt, status, not_before, lease_expires, worker_id, error_message, created_at, updated_at"

// Enqueue inserts a task for (jobID, stageIndex), eligible for lease at
// notBefore. Enqueueing an already-queued logical task is a no-op returning
// the existing row; the dedup key makes duplicate submission idempotent.
func (s *Store) Enqueue(ctx context.Context, jobID string, stageIndex int, notBefore time.Time) (*Task, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	if notBefore.IsZero() {
		notBefore = now
	}
	dedup := DedupKey(jobID, stageIndex)

	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO tasks (job_id, stage_index, dedup_key, attempt, status, not_before, created_at, updated_at)
         VALUES (?, ?, ?, 0, ?, ?, ?, ?)
         ON CONFLICT(dedup_key) DO NOTHING`,
		jobID,
		stageIndex,
		dedup,
		TaskPending,
		formatTime(notBefore),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	return s.TaskByDedupKey(ctx, dedup)
}

// Lease atomically claims the oldest eligible task for workerID. A task is
// eligible when it is pending, its not-before time has passed, and its
// predecessor stage (if any) has been acknowledged. Returns nil when nothing
// is leasable.
func (s *Store) Lease(ctx context.Context, workerID string, visibility time.Duration) (*Task, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()

	for {
		row := s.db.QueryRowContext(
			ctx,
			`SELECT `+taskColumns+` FROM tasks t
             WHERE t.status = ?
               AND t.not_before <= ?
               AND (t.stage_index = 0 OR EXISTS (
                   SELECT 1 FROM tasks p
                   WHERE p.job_id = t.job_id AND p.stage_index = t.stage_index - 1 AND p.status = ?
               ))
             ORDER BY t.created_at, t.id
             LIMIT 1`,
			TaskPending,
			formatTime(now),
			TaskAcked,
		)
		task, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select leasable task: %w", err)
		}

		expires := now.Add(visibility)
		res, err := s.execWithRetry(
			ctx,
			`UPDATE tasks
             SET status = ?, worker_id = ?, lease_expires = ?, updated_at = ?
             WHERE id = ? AND status = ?`,
			TaskLeased,
			workerID,
			formatTime(expires),
			formatTime(now),
			task.ID,
			TaskPending,
		)
		if err != nil {
			return nil, fmt.Errorf("claim task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim rows affected: %w", err)
		}
		if affected == 0 {
			// Another worker won the race; try the next candidate.
			continue
		}

		task.Status = TaskLeased
		task.WorkerID = workerID
		task.LeaseExpires = &expires
		task.UpdatedAt = now
		return task, nil
	}
}

// Ack marks a leased task done. Fails with ErrLeaseLost if the caller no
// longer holds the lease.
func (s *Store) Ack(ctx context.Context, taskID int64, workerID string) error {
	return s.finishLease(ctx, taskID, workerID, TaskAcked, "")
}

// Nack returns a leased task to the queue after a failed attempt. The attempt
// counter increments and the task becomes leasable again after delay.
func (s *Store) Nack(ctx context.Context, taskID int64, workerID string, delay time.Duration, reason string) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks
         SET status = ?, attempt = attempt + 1, not_before = ?, lease_expires = NULL,
             worker_id = NULL, error_message = ?, updated_at = ?
         WHERE id = ? AND status = ? AND worker_id = ?`,
		TaskPending,
		formatTime(now.Add(delay)),
		nullableString(reason),
		formatTime(now),
		taskID,
		TaskLeased,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("nack task: %w", err)
	}
	return requireLease(res)
}

// Fail marks a leased task permanently failed.
func (s *Store) Fail(ctx context.Context, taskID int64, workerID, reason string) error {
	return s.finishLease(ctx, taskID, workerID, TaskFailed, reason)
}

func (s *Store) finishLease(ctx context.Context, taskID int64, workerID string, status TaskStatus, reason string) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks
         SET status = ?, attempt = attempt + 1, lease_expires = NULL, error_message = ?, updated_at = ?
         WHERE id = ? AND status = ? AND worker_id = ?`,
		status,
		nullableString(reason),
		formatTime(now),
		taskID,
		TaskLeased,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("finish task lease: %w", err)
	}
	return requireLease(res)
}

func requireLease(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ExtendLease pushes a held lease's expiry out by visibility from now.
// Workers heartbeat with this while a stage runs longer than the visibility
// window. Fails with ErrLeaseLost if the lease was already reclaimed.
func (s *Store) ExtendLease(ctx context.Context, taskID int64, workerID string, visibility time.Duration) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks SET lease_expires = ?, updated_at = ?
         WHERE id = ? AND status = ? AND worker_id = ?`,
		formatTime(now.Add(visibility)),
		formatTime(now),
		taskID,
		TaskLeased,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("extend task lease: %w", err)
	}
	return requireLease(res)
}

// ReclaimExpired returns leased tasks whose visibility timeout passed back to
// pending so another worker can pick them up after a crash.
func (s *Store) ReclaimExpired(ctx context.Context) (int64, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks
         SET status = ?, attempt = attempt + 1, lease_expires = NULL, worker_id = NULL,
             error_message = 'lease expired', updated_at = ?
         WHERE status = ? AND lease_expires IS NOT NULL AND lease_expires < ?`,
		TaskPending,
		formatTime(now),
		TaskLeased,
		formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return res.RowsAffected()
}

// CancelJob marks all still-pending tasks of a job cancelled so they are
// never leased. In-flight leases are left alone; their outcome is discarded
// by the worker once it observes cancellation.
func (s *Store) CancelJob(ctx context.Context, jobID string) (int64, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks
         SET status = ?, error_message = 'job cancelled', updated_at = ?
         WHERE job_id = ? AND status = ?`,
		TaskCancelled,
		formatTime(now),
		jobID,
		TaskPending,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel job tasks: %w", err)
	}
	return res.RowsAffected()
}

// RetryJob returns a job's failed or cancelled tasks to pending with a fresh
// attempt budget.
func (s *Store) RetryJob(ctx context.Context, jobID string) (int64, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks
         SET status = ?, attempt = 0, not_before = ?, error_message = NULL, updated_at = ?
         WHERE job_id = ? AND status IN (?, ?)`,
		TaskPending,
		formatTime(now),
		formatTime(now),
		jobID,
		TaskFailed,
		TaskCancelled,
	)
	if err != nil {
		return 0, fmt.Errorf("retry job tasks: %w", err)
	}
	return res.RowsAffected()
}

// TaskByDedupKey fetches a task by its dedup key.
func (s *Store) TaskByDedupKey(ctx context.Context, dedupKey string) (*Task, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+taskColumns+` FROM tasks WHERE dedup_key = ?`, dedupKey)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// TasksForJob returns a job's tasks ordered by stage.
func (s *Store) TasksForJob(ctx context.Context, jobID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(
		ensureContext(ctx),
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = ? ORDER BY stage_index`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query job tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Stats returns task counts grouped by status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		switch status {
		case TaskPending:
			stats.Pending = count
		case TaskLeased:
			stats.Leased = count
		case TaskAcked:
			stats.Acked = count
		case TaskFailed:
			stats.Failed = count
		case TaskCancelled:
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}

// ClearFinished removes tasks that reached a terminal status. Pending and
// leased tasks are never touched.
func (s *Store) ClearFinished(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(
		ensureContext(ctx),
		`DELETE FROM tasks WHERE status IN (?, ?, ?)`,
		string(TaskAcked), string(TaskFailed), string(TaskCancelled),
	)
	if err != nil {
		return 0, fmt.Errorf("clear finished tasks: %w", err)
	}
	return res.RowsAffected()
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var (
		id           int64
		jobID        string
		stageIndex   int
		dedupKey     string
		attempt      int
		statusStr    string
		notBeforeRaw string
		leaseRaw     sql.NullString
		workerID     sql.NullString
		errorMessage sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&id,
		&jobID,
		&stageIndex,
		&dedupKey,
		&attempt,
		&statusStr,
		&notBeforeRaw,
		&leaseRaw,
		&workerID,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	task := &Task{
		ID:           id,
		JobID:        jobID,
		StageIndex:   stageIndex,
		DedupKey:     dedupKey,
		Attempt:      attempt,
		Status:       TaskStatus(statusStr),
		WorkerID:     workerID.String,
		ErrorMessage: errorMessage.String,
	}
	if t, err := parseTimeString(notBeforeRaw); err == nil {
		task.NotBefore = t
	}
	if leaseRaw.Valid {
		if t, err := parseTimeString(leaseRaw.String); err == nil {
			task.LeaseExpires = &t
		}
	}
	if t, err := parseTimeString(createdRaw); err == nil {
		task.CreatedAt = t
	}
	if t, err := parseTimeString(updatedRaw); err == nil {
		task.UpdatedAt = t
	}
	return task, nil
}
