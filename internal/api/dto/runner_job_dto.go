package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

type RequestJobsRequest struct {
	RunnerToken string   `json:"runnerToken" binding:"required"`
	JobTypes    []string `json:"jobTypes"`
}

// JobTokenRequest authenticates a runner acting on a job it holds
type JobTokenRequest struct {
	RunnerToken string `json:"runnerToken" form:"runnerToken" binding:"required"`
	JobToken    string `json:"jobToken" form:"jobToken" binding:"required"`
}

type ErrorJobRequest struct {
	JobTokenRequest
	Message string `json:"message" binding:"required"`
}

type AbortJobRequest struct {
	JobTokenRequest
	Reason string `json:"reason" binding:"required"`
}

// UpdateJobRequest is the JSON form of an update; multipart updates carry the same fields
type UpdateJobRequest struct {
	JobTokenRequest
	Progress *int            `json:"progress"`
	Payload  json.RawMessage `json:"payload"`
}

type SuccessJobRequest struct {
	JobTokenRequest
	Payload json.RawMessage `json:"payload"`
}

type ListRunnerJobsRequest struct {
	ListRequest
	Search     string   `form:"search"`
	StateOneOf []string `form:"stateOneOf"`
}

type StateDTO struct {
	ID    domain.RunnerJobState `json:"id"`
	Label string                `json:"label"`
}

func NewStateDTO(s domain.RunnerJobState) StateDTO {
	return StateDTO{ID: s, Label: s.Label()}
}

// AvailableJobDTO is a pending job as offered to runners
type AvailableJobDTO struct {
	UUID    string               `json:"uuid"`
	Type    domain.RunnerJobType `json:"type"`
	Payload json.RawMessage      `json:"payload"`
}

type AvailableJobsResponse struct {
	AvailableJobs []AvailableJobDTO `json:"availableJobs"`
}

type ParentJobDTO struct {
	UUID  string               `json:"uuid"`
	Type  domain.RunnerJobType `json:"type"`
	State StateDTO             `json:"state"`
}

type JobRunnerDTO struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type RunnerJobDTO struct {
	UUID           string               `json:"uuid"`
	Type           domain.RunnerJobType `json:"type"`
	State          StateDTO             `json:"state"`
	Payload        json.RawMessage      `json:"payload"`
	PrivatePayload json.RawMessage      `json:"privatePayload,omitempty"`
	Failures       int                  `json:"failures"`
	Error          *string              `json:"error"`
	Progress       *int                 `json:"progress"`
	Priority       int                  `json:"priority"`
	JobToken       *string              `json:"jobToken,omitempty"`
	Parent         *ParentJobDTO        `json:"parent,omitempty"`
	Runner         *JobRunnerDTO        `json:"runner,omitempty"`
	LastRunnerID   *int64               `json:"lastRunnerId,omitempty"`
	StartedAt      *time.Time           `json:"startedAt"`
	FinishedAt     *time.Time           `json:"finishedAt"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

func NewRunnerJobDTO(j *domain.RunnerJob) RunnerJobDTO {
	return RunnerJobDTO{
		UUID:       j.UUID,
		Type:       j.Type,
		State:      NewStateDTO(j.State),
		Payload:    j.Payload,
		Failures:   j.Failures,
		Error:      j.ErrorMessage,
		Progress:   j.Progress,
		Priority:   j.Priority,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}

// NewAdminRunnerJobDTO exposes the private payload, parent and runner to administrators
func NewAdminRunnerJobDTO(j *domain.RunnerJobDetails) RunnerJobDTO {
	out := NewRunnerJobDTO(&j.RunnerJob)
	out.PrivatePayload = j.PrivatePayload
	out.LastRunnerID = j.LastRunnerID

	if j.ParentUUID != nil && j.ParentType != nil && j.ParentState != nil {
		out.Parent = &ParentJobDTO{UUID: *j.ParentUUID, Type: *j.ParentType, State: NewStateDTO(*j.ParentState)}
	}
	if j.RunnerID != nil && j.RunnerName != nil {
		out.Runner = &JobRunnerDTO{ID: *j.RunnerID, Name: *j.RunnerName}
	}
	return out
}

type AcceptJobResponse struct {
	Job RunnerJobDTO `json:"job"`
}
