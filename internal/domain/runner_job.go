package domain

import (
	"encoding/json"
	"time"
)

// RunnerJobType identifies a unit of remote transcoding work
type RunnerJobType string

const (
	RunnerJobTypeVODWebVideo   RunnerJobType = "vod-web-video-transcoding"
	RunnerJobTypeVODHLS        RunnerJobType = "vod-hls-transcoding"
	RunnerJobTypeVODAudioMerge RunnerJobType = "vod-audio-merge-transcoding"
	RunnerJobTypeVideoStudio   RunnerJobType = "video-studio-transcoding"
	RunnerJobTypeLiveRTMPHLS   RunnerJobType = "live-rtmp-hls-transcoding"
)

// RunnerJobTypes lists every runner job type
var RunnerJobTypes = []RunnerJobType{
	RunnerJobTypeVODWebVideo,
	RunnerJobTypeVODHLS,
	RunnerJobTypeVODAudioMerge,
	RunnerJobTypeVideoStudio,
	RunnerJobTypeLiveRTMPHLS,
}

// ParseRunnerJobType validates a raw runner job type
func ParseRunnerJobType(s string) (RunnerJobType, error) {
	for _, t := range RunnerJobTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", ErrInvalidRunnerJobType.WithMessage("unknown runner job type %q", s)
}

// RunnerJobState is the lifecycle state of a runner job
type RunnerJobState string

const (
	RunnerJobStatePending             RunnerJobState = "pending"
	RunnerJobStateProcessing          RunnerJobState = "processing"
	RunnerJobStateCompleting          RunnerJobState = "completing"
	RunnerJobStateCompleted           RunnerJobState = "completed"
	RunnerJobStateErrored             RunnerJobState = "errored"
	RunnerJobStateParentErrored       RunnerJobState = "parent-errored"
	RunnerJobStateCancelled           RunnerJobState = "cancelled"
	RunnerJobStateParentCancelled     RunnerJobState = "parent-cancelled"
	RunnerJobStateWaitingForParentJob RunnerJobState = "waiting-for-parent-job"
)

var runnerJobStateLabels = map[RunnerJobState]string{
	RunnerJobStatePending:             "Pending",
	RunnerJobStateProcessing:          "Processing",
	RunnerJobStateCompleting:          "Completing",
	RunnerJobStateCompleted:           "Completed",
	RunnerJobStateErrored:             "Errored",
	RunnerJobStateParentErrored:       "Parent job failed",
	RunnerJobStateCancelled:           "Cancelled",
	RunnerJobStateParentCancelled:     "Parent job cancelled",
	RunnerJobStateWaitingForParentJob: "Waiting for parent job to finish",
}

// ParseRunnerJobState validates a raw runner job state
func ParseRunnerJobState(s string) (RunnerJobState, error) {
	st := RunnerJobState(s)
	if _, ok := runnerJobStateLabels[st]; !ok {
		return "", ErrInvalidJobState.WithMessage("unknown runner job state %q", s)
	}
	return st, nil
}

// Label returns the human readable form of the state
func (s RunnerJobState) Label() string {
	return runnerJobStateLabels[s]
}

// IsTerminal reports whether no further transition is possible
func (s RunnerJobState) IsTerminal() bool {
	switch s {
	case RunnerJobStateCompleted, RunnerJobStateErrored, RunnerJobStateParentErrored,
		RunnerJobStateCancelled, RunnerJobStateParentCancelled:
		return true
	}
	return false
}

// IsCancellable reports whether an administrator may cancel a job in this state
func (s RunnerJobState) IsCancellable() bool {
	switch s {
	case RunnerJobStatePending, RunnerJobStateProcessing, RunnerJobStateWaitingForParentJob:
		return true
	}
	return false
}

// RunnerJob is one schedulable unit of remote work
type RunnerJob struct {
	ID                   int64           `db:"id"`
	UUID                 string          `db:"uuid"`
	Type                 RunnerJobType   `db:"type"`
	Payload              json.RawMessage `db:"payload"`
	PrivatePayload       json.RawMessage `db:"private_payload"`
	State                RunnerJobState  `db:"state"`
	Priority             int             `db:"priority"`
	Failures             int             `db:"failures"`
	ErrorMessage         *string         `db:"error_message"`
	Progress             *int            `db:"progress"`
	ProcessingJobToken   *string         `db:"processing_job_token"`
	RunnerID             *int64          `db:"runner_id"`
	// LastRunnerID survives the deletion of the runner
	LastRunnerID         *int64          `db:"last_runner_id"`
	DependsOnRunnerJobID *int64          `db:"depends_on_runner_job_id"`
	StartedAt            *time.Time      `db:"started_at"`
	FinishedAt           *time.Time      `db:"finished_at"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
}

// RunnerJobDetails is a runner job joined with the names needed by admin listings
type RunnerJobDetails struct {
	RunnerJob
	RunnerName  *string         `db:"runner_name"`
	ParentUUID  *string         `db:"parent_uuid"`
	ParentType  *RunnerJobType  `db:"parent_type"`
	ParentState *RunnerJobState `db:"parent_state"`
}

// HoldsToken reports whether the runner currently owns the job with the given token
func (j *RunnerJob) HoldsToken(runnerID int64, jobToken string) bool {
	return j.ProcessingJobToken != nil && *j.ProcessingJobToken == jobToken &&
		j.RunnerID != nil && *j.RunnerID == runnerID
}

// RunnerJobFile is an uploaded file that a runner attached to an update or success call
type RunnerJobFile struct {
	Field       string
	Filename    string
	Key         string
	Size        int64
	ContentType string
}

// Runner job message limits
const (
	RunnerJobMessageMaxLength = 5000
)
