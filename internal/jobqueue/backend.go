package jobqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

// NewJob is a job to insert. Parent indexes another job of the same batch, or is -1.
type NewJob struct {
	Type                domain.JobType
	Payload             json.RawMessage
	State               domain.JobState
	Priority            int
	MaxAttempts         int
	RunAt               time.Time
	Parent              int
	FailParentOnFailure bool
}

// FailResult lists the dependants affected by a terminal failure
type FailResult struct {
	// Dependants failed without running because they required the job to succeed
	Cascaded []*domain.Job
	// Dependants that do not care about the failure and became ready
	Released []*domain.Job
}

// RetryRequest describes how a failed attempt is rescheduled
type RetryRequest struct {
	Error string
	RunAt time.Time
	Now   time.Time
	// RefundAttempt gives back the attempt consumed by Dequeue
	RefundAttempt bool
}

// ListFilter selects jobs for listing. Empty slices mean no filter.
type ListFilter struct {
	States []domain.JobState
	Types  []domain.JobType
	Offset int
	Limit  int
	Asc    bool
}

// StateCount is the number of jobs of one type in one state
type StateCount struct {
	Type  domain.JobType  `db:"type"`
	State domain.JobState `db:"state"`
	Count int             `db:"count"`
}

// Backend persists jobs. Every method that moves an active job is conditional on the job still
// being active and owned by workerID, so a worker that lost its job cannot overwrite it.
type Backend interface {
	// Insert stores the batch atomically and returns the jobs in input order
	Insert(ctx context.Context, jobs []NewJob) ([]*domain.Job, error)
	// Dequeue claims the next ready job of a type, or returns domain.ErrNoJobAvailable
	Dequeue(ctx context.Context, jobType domain.JobType, workerID string, now time.Time) (*domain.Job, error)
	Heartbeat(ctx context.Context, id int64, workerID string, now time.Time) error
	UpdateProgress(ctx context.Context, id int64, workerID string, progress int) error
	// Complete marks the job completed and releases its dependants
	Complete(ctx context.Context, id int64, workerID string, result json.RawMessage, now time.Time) ([]*domain.Job, error)
	// Retry schedules another attempt
	Retry(ctx context.Context, id int64, workerID string, req RetryRequest) error
	// Fail marks the job failed and propagates the failure to its dependants
	Fail(ctx context.Context, id int64, workerID string, errMsg string, now time.Time) (*FailResult, error)
	ListStalled(ctx context.Context, heartbeatBefore time.Time) ([]*domain.Job, error)
	// PromoteDelayed moves delayed jobs whose run time has passed to their ready state
	PromoteDelayed(ctx context.Context, now time.Time) ([]*domain.Job, error)
	Get(ctx context.Context, id int64) (*domain.Job, error)
	List(ctx context.Context, filter ListFilter) ([]*domain.Job, error)
	Count(ctx context.Context, states []domain.JobState, types []domain.JobType) (int, error)
	CountByState(ctx context.Context) ([]StateCount, error)
	// RemoveFinished deletes jobs in a finished state older than finishedBefore or beyond the newest
	// keep. A zero finishedBefore or keep disables that rule.
	RemoveFinished(ctx context.Context, jobType domain.JobType, state domain.JobState, finishedBefore time.Time, keep int) (int64, error)
}
