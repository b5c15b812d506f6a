package queue

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle of a queued task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskLeased    TaskStatus = "leased"
	TaskAcked     TaskStatus = "acked"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one queued unit of work: executing one stage of one job.
// A task row is reused across attempts; Attempt counts completed attempts.
type Task struct {
	ID           int64
	JobID        string
	StageIndex   int
	DedupKey     string
	Attempt      int
	Status       TaskStatus
	NotBefore    time.Time
	LeaseExpires *time.Time
	WorkerID     string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DedupKey derives the deterministic identifier that prevents duplicate
// concurrent execution of the same logical task.
func DedupKey(jobID string, stageIndex int) string {
	return fmt.Sprintf("%s:%d", jobID, stageIndex)
}

// Stats aggregates task counts per status for diagnostics.
type Stats struct {
	Pending   int
	Leased    int
	Acked     int
	Failed    int
	Cancelled int
}

// Total returns the number of tasks across all statuses.
func (s Stats) Total() int {
	return s.Pending + s.Leased + s.Acked + s.Failed + s.Cancelled
}
