package dto

import (
	"time"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

type RegisterRunnerRequest struct {
	RegistrationToken string  `json:"registrationToken" binding:"required"`
	Name              string  `json:"name" binding:"required"`
	Description       *string `json:"description"`
}

type RegisterRunnerResponse struct {
	ID          int64  `json:"id"`
	RunnerToken string `json:"runnerToken"`
}

type RunnerTokenRequest struct {
	RunnerToken string `json:"runnerToken" form:"runnerToken" binding:"required"`
}

// ListRequest carries the pagination query of admin listings
type ListRequest struct {
	Start int    `form:"start"`
	Count int    `form:"count"`
	Sort  string `form:"sort"`
}

// DefaultCount is the page size when none is requested
const DefaultCount = 15

func (r ListRequest) Pagination() domain.Pagination {
	count := r.Count
	if count == 0 {
		count = DefaultCount
	}
	return domain.Pagination{Start: r.Start, Count: count}
}

// ListResponse is the envelope of every paginated listing
type ListResponse[T any] struct {
	Total int `json:"total"`
	Data  []T `json:"data"`
}

type RunnerDTO struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description"`
	IP          string    `json:"ip"`
	LastContact time.Time `json:"lastContact"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func NewRunnerDTO(r *domain.Runner) RunnerDTO {
	return RunnerDTO{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		IP:          r.IP,
		LastContact: r.LastContact,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type RegistrationTokenDTO struct {
	ID                     int64     `json:"id"`
	RegistrationToken      string    `json:"registrationToken"`
	RegisteredRunnersCount int       `json:"registeredRunnersCount"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

func NewRegistrationTokenDTO(t *domain.RunnerRegistrationToken) RegistrationTokenDTO {
	return RegistrationTokenDTO{
		ID:                     t.ID,
		RegistrationToken:      t.RegistrationToken,
		RegisteredRunnersCount: t.RegisteredRunnersCount,
		CreatedAt:              t.CreatedAt,
		UpdatedAt:              t.UpdatedAt,
	}
}
