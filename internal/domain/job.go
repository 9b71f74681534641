package domain

import (
	"encoding/json"
	"time"
)

// JobType identifies a local job kind. The set is closed: every value below must be bound to a
// handler before the queue starts.
type JobType string

const (
	JobTypeActivityPubHTTPBroadcast         JobType = "activitypub-http-broadcast"
	JobTypeActivityPubHTTPBroadcastParallel JobType = "activitypub-http-broadcast-parallel"
	JobTypeActivityPubHTTPUnicast           JobType = "activitypub-http-unicast"
	JobTypeActivityPubHTTPFetcher           JobType = "activitypub-http-fetcher"
	JobTypeActivityPubFollow                JobType = "activitypub-follow"
	JobTypeActivityPubCleaner               JobType = "activitypub-cleaner"
	JobTypeVideoFileImport                  JobType = "video-file-import"
	JobTypeVideoTranscoding                 JobType = "video-transcoding"
	JobTypeVideoImport                      JobType = "video-import"
	JobTypeEmail                            JobType = "email"
	JobTypeActorKeys                        JobType = "actor-keys"
	JobTypeVideosViewsStats                 JobType = "videos-views-stats"
	JobTypeActivityPubRefresher             JobType = "activitypub-refresher"
	JobTypeVideoRedundancy                  JobType = "video-redundancy"
	JobTypeVideoLiveEnding                  JobType = "video-live-ending"
	JobTypeVideoStudioEdition               JobType = "video-studio-edition"
	JobTypeManageVideoTorrent               JobType = "manage-video-torrent"
	JobTypeVideoChannelImport               JobType = "video-channel-import"
	JobTypeAfterVideoChannelImport          JobType = "after-video-channel-import"
	JobTypeMoveToObjectStorage              JobType = "move-to-object-storage"
	JobTypeMoveToFileSystem                 JobType = "move-to-file-system"
	JobTypeTranscodingJobBuilder            JobType = "transcoding-job-builder"
	JobTypeGenerateVideoStoryboard          JobType = "generate-video-storyboard"
	JobTypeNotify                           JobType = "notify"
	JobTypeFederateVideo                    JobType = "federate-video"
	JobTypeCreateUserExport                 JobType = "create-user-export"
	JobTypeImportUserArchive                JobType = "import-user-archive"
	JobTypeVideoTranscription               JobType = "video-transcription"
)

// JobTypes lists every local job type in a stable order
var JobTypes = []JobType{
	JobTypeActivityPubHTTPBroadcast,
	JobTypeActivityPubHTTPBroadcastParallel,
	JobTypeActivityPubHTTPUnicast,
	JobTypeActivityPubHTTPFetcher,
	JobTypeActivityPubFollow,
	JobTypeActivityPubCleaner,
	JobTypeVideoFileImport,
	JobTypeVideoTranscoding,
	JobTypeVideoImport,
	JobTypeEmail,
	JobTypeActorKeys,
	JobTypeVideosViewsStats,
	JobTypeActivityPubRefresher,
	JobTypeVideoRedundancy,
	JobTypeVideoLiveEnding,
	JobTypeVideoStudioEdition,
	JobTypeManageVideoTorrent,
	JobTypeVideoChannelImport,
	JobTypeAfterVideoChannelImport,
	JobTypeMoveToObjectStorage,
	JobTypeMoveToFileSystem,
	JobTypeTranscodingJobBuilder,
	JobTypeGenerateVideoStoryboard,
	JobTypeNotify,
	JobTypeFederateVideo,
	JobTypeCreateUserExport,
	JobTypeImportUserArchive,
	JobTypeVideoTranscription,
}

// ParseJobType validates a raw job type string
func ParseJobType(s string) (JobType, error) {
	for _, t := range JobTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", ErrUnknownJobType.WithMessage("unknown job type %q", s)
}

// JobState is the lifecycle state of a local job
type JobState string

const (
	JobStateWaiting         JobState = "waiting"
	JobStatePrioritized     JobState = "prioritized"
	JobStateWaitingChildren JobState = "waiting-children"
	JobStateActive          JobState = "active"
	JobStateCompleted       JobState = "completed"
	JobStateFailed          JobState = "failed"
	JobStateDelayed         JobState = "delayed"
)

// JobStates lists every local job state
var JobStates = []JobState{
	JobStateWaiting,
	JobStatePrioritized,
	JobStateWaitingChildren,
	JobStateActive,
	JobStateCompleted,
	JobStateFailed,
	JobStateDelayed,
}

// ParseJobState validates a raw job state string
func ParseJobState(s string) (JobState, error) {
	for _, st := range JobStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrInvalidJobState.WithMessage("unknown job state %q", s)
}

// ExpandJobState returns the concrete states an operator means when filtering by state.
// "waiting" also covers jobs blocked on their parent and jobs waiting with a priority.
func ExpandJobState(state JobState) []JobState {
	if state == JobStateWaiting {
		return []JobState{JobStateWaiting, JobStateWaitingChildren, JobStatePrioritized}
	}
	return []JobState{state}
}

// Job is a unit of local asynchronous work
type Job struct {
	ID                  int64           `db:"id" json:"id"`
	Type                JobType         `db:"type" json:"type"`
	Payload             json.RawMessage `db:"payload" json:"data"`
	State               JobState        `db:"state" json:"state"`
	Priority            int             `db:"priority" json:"priority"`
	AttemptsMade        int             `db:"attempts_made" json:"attemptsMade"`
	MaxAttempts         int             `db:"max_attempts" json:"maxAttempts"`
	Progress            int             `db:"progress" json:"progress"`
	ParentID            *int64          `db:"parent_id" json:"parentId,omitempty"`
	FailParentOnFailure bool            `db:"fail_parent_on_failure" json:"-"`
	WorkerID            *string         `db:"worker_id" json:"-"`
	ErrorMessage        *string         `db:"error_message" json:"error,omitempty"`
	Result              json.RawMessage `db:"result" json:"result,omitempty"`
	RunAt               time.Time       `db:"run_at" json:"-"`
	LastHeartbeatAt     *time.Time      `db:"last_heartbeat_at" json:"-"`
	CreatedAt           time.Time       `db:"created_at" json:"createdAt"`
	ProcessedAt         *time.Time      `db:"processed_at" json:"processedOn,omitempty"`
	FinishedAt          *time.Time      `db:"finished_at" json:"finishedOn,omitempty"`
}

// Delay reports how long after creation the job was scheduled to run
func (j *Job) Delay() time.Duration {
	if j.RunAt.After(j.CreatedAt) {
		return j.RunAt.Sub(j.CreatedAt)
	}
	return 0
}

// ReadyState returns the state a job enters once nothing blocks it anymore
func ReadyState(priority int, runAt, now time.Time) JobState {
	if runAt.After(now) {
		return JobStateDelayed
	}
	if priority > 0 {
		return JobStatePrioritized
	}
	return JobStateWaiting
}

// JobMessage is the broker notification sent when a job becomes ready
type JobMessage struct {
	JobID   int64   `json:"job_id"`
	JobType JobType `json:"job_type"`
}
