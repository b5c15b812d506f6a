package progress

import (
	"time"

	"mediamill/internal/artifact"
)

// JobStatus is the derived overall status of a job. It is never stored;
// Snapshot computes it from the per-stage records and the cancellation flag.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// StageStatus is the recorded status of one stage of one job.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageRetrying  StageStatus = "retrying"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
)

// StageSpec is one stage of a job's compiled sequence.
type StageSpec struct {
	Name       string            `json:"name"`
	Params     map[string]string `json:"params,omitempty"`
	InputKind  artifact.Kind     `json:"input_kind"`
	OutputKind artifact.Kind     `json:"output_kind"`
}

// Job is the immutable submission record plus its cancellation flag and
// final artifact reference.
type Job struct {
	ID        string
	BatchID   string
	Stages    []StageSpec
	InputRef  artifact.Ref
	FinalRef  artifact.Ref
	Cancelled bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Record is the durable progress state of one (job, stage) pair. Percent is
// monotonically non-decreasing within an attempt and resets when a new
// attempt begins.
type Record struct {
	JobID      string
	StageIndex int
	Status     StageStatus
	Percent    float64
	Message    string
	Attempt    int
	OutputRef  artifact.Ref
	UpdatedAt  time.Time
}

// JobSnapshot is a job plus its derived status and ordered stage records.
type JobSnapshot struct {
	Job    Job
	Status JobStatus
	Stages []Record
}

// BatchSnapshot aggregates the member jobs of a batch. The batch is terminal
// only when every member is terminal.
type BatchSnapshot struct {
	ID        string
	CreatedAt time.Time
	Total     int
	Pending   int
	Running   int
	Succeeded int
	Failed    int
	Cancelled int
	JobIDs    []string
}

// Terminal reports whether every member job has reached a final status.
func (b BatchSnapshot) Terminal() bool {
	return b.Total > 0 && b.Succeeded+b.Failed+b.Cancelled == b.Total
}

func deriveStatus(cancelled bool, stages []Record) JobStatus {
	if len(stages) == 0 {
		if cancelled {
			return JobCancelled
		}
		return JobPending
	}
	allPending := true
	allSucceeded := true
	for _, rec := range stages {
		switch rec.Status {
		case StageFailed:
			return JobFailed
		case StagePending:
			allSucceeded = false
		case StageSucceeded:
			allPending = false
		default:
			allPending = false
			allSucceeded = false
		}
	}
	switch {
	case allSucceeded:
		return JobSucceeded
	case cancelled:
		return JobCancelled
	case allPending:
		return JobPending
	default:
		return JobRunning
	}
}
