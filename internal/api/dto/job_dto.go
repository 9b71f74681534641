package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

type ListJobsRequest struct {
	JobType string `form:"jobType"`
	Start   int    `form:"start"`
	Count   int    `form:"count"`
	Sort    string `form:"sort"`
}

type JobDTO struct {
	ID          int64           `json:"id"`
	Type        domain.JobType  `json:"type"`
	State       domain.JobState `json:"state"`
	Data        json.RawMessage `json:"data"`
	Priority    int             `json:"priority"`
	Progress    int             `json:"progress"`
	Attempts    int             `json:"attemptsMade"`
	MaxAttempts int             `json:"maxAttempts"`
	Error       *string         `json:"error"`
	ParentID    *int64          `json:"parentId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedOn *time.Time      `json:"processedOn"`
	FinishedOn  *time.Time      `json:"finishedOn"`
}

func NewJobDTO(j *domain.Job) JobDTO {
	return JobDTO{
		ID:          j.ID,
		Type:        j.Type,
		State:       j.State,
		Data:        j.Payload,
		Priority:    j.Priority,
		Progress:    j.Progress,
		Attempts:    j.AttemptsMade,
		MaxAttempts: j.MaxAttempts,
		Error:       j.ErrorMessage,
		ParentID:    j.ParentID,
		CreatedAt:   j.CreatedAt,
		ProcessedOn: j.ProcessedAt,
		FinishedOn:  j.FinishedAt,
	}
}

// CreateTranscodingRequest asks for the renditions of a video
type CreateTranscodingRequest struct {
	TranscodingType string `json:"transcodingType"`
	InputFileKey    string `json:"inputFileKey" binding:"required"`
	InputResolution int    `json:"inputResolution" binding:"required"`
	InputFPS        int    `json:"inputFps"`
	HasAudio        bool   `json:"hasAudio"`
	IsAudioOnly     bool   `json:"isAudioOnly"`
	PreviewFileKey  string `json:"previewFileKey"`
	IsNewVideo      bool   `json:"isNewVideo"`
	// Resolutions restricts transcoding to these renditions
	Resolutions []int `json:"resolutions"`
}

type CreateLiveSessionRequest struct {
	SessionID       string `json:"sessionId"`
	RTMPURL         string `json:"rtmpUrl" binding:"required"`
	InputResolution int    `json:"inputResolution" binding:"required"`
	InputFPS        int    `json:"inputFps"`
	HasAudio        bool   `json:"hasAudio"`
}

type CreatedJobResponse struct {
	JobID int64          `json:"jobId"`
	Type  domain.JobType `json:"type"`
}
