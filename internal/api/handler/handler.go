package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
	"github.com/cuongbtq/transcode-orchestrator/internal/jobqueue"
	"github.com/cuongbtq/transcode-orchestrator/internal/runner"
	"github.com/cuongbtq/transcode-orchestrator/internal/runnerjob"
	"github.com/cuongbtq/transcode-orchestrator/internal/transcoding"
	"github.com/cuongbtq/transcode-orchestrator/shared/objectstore"
)

// RunnerService manages runner identities
type RunnerService interface {
	Register(ctx context.Context, req runner.RegisterRequest) (*domain.Runner, error)
	Unregister(ctx context.Context, runnerToken string) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, opts runner.ListOptions) ([]*domain.Runner, int, error)
	Authenticate(ctx context.Context, runnerToken, ip string) (*domain.Runner, error)
	GenerateRegistrationToken(ctx context.Context) (*domain.RunnerRegistrationToken, error)
	ListRegistrationTokens(ctx context.Context, opts runner.ListOptions) ([]*domain.RunnerRegistrationToken, int, error)
	DeleteRegistrationToken(ctx context.Context, id int64) error
}

// RunnerJobService implements the runner job protocol
type RunnerJobService interface {
	Handler(t domain.RunnerJobType) (runnerjob.Handler, error)
	Request(ctx context.Context, runner *domain.Runner, types []domain.RunnerJobType) ([]*domain.RunnerJob, error)
	Accept(ctx context.Context, runner *domain.Runner, jobUUID string) (*domain.RunnerJob, error)
	JobOfRunner(ctx context.Context, runner *domain.Runner, jobUUID, jobToken string, states ...domain.RunnerJobState) (*domain.RunnerJob, error)
	Update(ctx context.Context, runner *domain.Runner, req runnerjob.UpdateRequest) error
	Error(ctx context.Context, runner *domain.Runner, jobUUID, jobToken, message string) error
	Abort(ctx context.Context, runner *domain.Runner, jobUUID, jobToken, reason string) error
	Success(ctx context.Context, runner *domain.Runner, req runnerjob.SuccessRequest) error
	Cancel(ctx context.Context, jobUUID string) error
	Delete(ctx context.Context, jobUUID string) error
	ListForAdmin(ctx context.Context, opts runnerjob.AdminListOptions) ([]*domain.RunnerJobDetails, int, error)
}

// JobQueue is the producer and inspection side of the local job queue
type JobQueue interface {
	CreateJob(ctx context.Context, req jobqueue.CreateJobRequest) (*domain.Job, error)
	GetJob(ctx context.Context, id int64) (*domain.Job, error)
	ListForAPI(ctx context.Context, opts jobqueue.ListOptions) ([]*domain.Job, error)
	Count(ctx context.Context, state domain.JobState, jobType domain.JobType) (int, error)
	JobStats(ctx context.Context) ([]jobqueue.TypeStats, error)
}

// LiveJobCreator schedules live transcoding
type LiveJobCreator interface {
	CreateLiveJob(ctx context.Context, req transcoding.LiveRequest) (*domain.RunnerJob, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Runners    RunnerService
	RunnerJobs RunnerJobService
	Jobs       JobQueue
	Live       LiveJobCreator
	Files      objectstore.Store
	// MaxUploadSize caps the body of runner uploads, in bytes
	MaxUploadSize int64
}

// RunnerHandler handles runner registration and admin runner management
type RunnerHandler struct {
	logger  *slog.Logger
	runners RunnerService
}

func NewRunnerHandler(deps *Dependencies) *RunnerHandler {
	return &RunnerHandler{logger: deps.Logger, runners: deps.Runners}
}

// RunnerJobHandler handles the runner job protocol and the file gateway
type RunnerJobHandler struct {
	logger        *slog.Logger
	runners       RunnerService
	jobs          RunnerJobService
	files         objectstore.Store
	maxUploadSize int64
}

func NewRunnerJobHandler(deps *Dependencies) *RunnerJobHandler {
	return &RunnerJobHandler{
		logger:        deps.Logger,
		runners:       deps.Runners,
		jobs:          deps.RunnerJobs,
		files:         deps.Files,
		maxUploadSize: deps.MaxUploadSize,
	}
}

// JobHandler handles local job queue inspection and video transcoding requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobQueue
	live   LiveJobCreator
}

func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{logger: deps.Logger, jobs: deps.Jobs, live: deps.Live}
}
