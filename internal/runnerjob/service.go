package runnerjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

// DefaultMaxFailures is how many runner errors a job tolerates before it errors terminally
const DefaultMaxFailures = 5

// Store persists runner jobs. Transition is a conditional update: it fails with
// domain.ErrRunnerJobStateChanged when the row no longer matches From and JobToken.
type Store interface {
	// Insert creates the batch in one transaction, in order
	Insert(ctx context.Context, batch []NewRunnerJob) ([]*domain.RunnerJob, error)
	GetByUUID(ctx context.Context, uuid string) (*domain.RunnerJob, error)
	ListPending(ctx context.Context, types []domain.RunnerJobType) ([]*domain.RunnerJob, error)
	ListForAdmin(ctx context.Context, opts AdminListOptions) ([]*domain.RunnerJobDetails, int, error)
	// Accept locks the row, re-checks it is pending and hands it to the runner
	Accept(ctx context.Context, id, runnerID int64, jobToken string, now time.Time) (*domain.RunnerJob, error)
	Transition(ctx context.Context, t Transition) (*domain.RunnerJob, error)
	// UpdateDependants moves jobs waiting on parentID to state, down the whole chain when recursive
	UpdateDependants(ctx context.Context, parentID int64, state domain.RunnerJobState, recursive bool, now time.Time) ([]*domain.RunnerJob, error)
	// SetDependantsInput points the private payload of the jobs waiting on parentID at inputFileKey
	SetDependantsInput(ctx context.Context, parentID int64, inputFileKey string, now time.Time) error
	Delete(ctx context.Context, id int64) error
}

// NewRunnerJob is a job to insert. Parent is the index of a job of the same batch it waits on,
// or -1; it overrides Job.DependsOnRunnerJobID.
type NewRunnerJob struct {
	Job    *domain.RunnerJob
	Parent int
}

// Transition describes one state change of a runner job
type Transition struct {
	ID       int64
	From     []domain.RunnerJobState
	JobToken string
	To       domain.RunnerJobState
	Progress *int
	Message  *string
	// AddFailure counts a runner error
	AddFailure bool
	// Release hands the job back: runner, token, progress and start time are cleared
	Release bool
	// ClearToken invalidates the job token while keeping the runner as last holder
	ClearToken bool
	// Finish stamps finished_at
	Finish bool
	Now    time.Time
}

// AdminListOptions is a validated admin listing request
type AdminListOptions struct {
	domain.Pagination
	Sort       domain.Sort
	Search     string
	StateOneOf []domain.RunnerJobState
}

// AdminSortFields are the sortable fields of the admin listing
var AdminSortFields = []string{"updatedAt", "createdAt", "priority", "state", "type", "progress"}

// CreateRequest describes a runner job to schedule
type CreateRequest struct {
	// UUID is generated when empty. Callers set it to embed file URLs in the payload.
	UUID           string
	Type           domain.RunnerJobType
	Payload        any
	PrivatePayload any
	Priority       int
	// DependsOn makes the job wait until that job completes
	DependsOn *domain.RunnerJob
}

// UpdateRequest is a progress report from the runner holding the job
type UpdateRequest struct {
	UUID     string
	JobToken string
	Progress *int
	Payload  json.RawMessage
	// Files maps multipart field names to the storage keys of uploaded files
	Files map[string]string
}

// SuccessRequest is the final result of a job
type SuccessRequest struct {
	UUID     string
	JobToken string
	Payload  json.RawMessage
	Files    map[string]string
}

// Options configures a Service
type Options struct {
	Store       Store
	Callbacks   Callbacks
	MaxFailures int
	Logger      *slog.Logger
}

// Service implements the runner job protocol
type Service struct {
	store       Store
	callbacks   Callbacks
	maxFailures int
	logger      *slog.Logger
	now         func() time.Time
	newToken    func() string
}

func NewService(opts Options) *Service {
	s := &Service{
		store:       opts.Store,
		callbacks:   opts.Callbacks,
		maxFailures: opts.MaxFailures,
		logger:      opts.Logger,
		now:         time.Now,
		newToken:    func() string { return domain.JobTokenPrefix + uuid.NewString() },
	}

	if s.maxFailures <= 0 {
		s.maxFailures = DefaultMaxFailures
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	return s
}

// Handler returns the handler of a job type
func (s *Service) Handler(t domain.RunnerJobType) (Handler, error) {
	return HandlerFor(t, s.callbacks)
}

func marshalPayload(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, domain.ErrInvalidPayload.WithCause(err)
	}
	return data, nil
}

func (s *Service) newJob(req CreateRequest) (*domain.RunnerJob, error) {
	if _, err := domain.ParseRunnerJobType(string(req.Type)); err != nil {
		return nil, err
	}

	payload, err := marshalPayload(req.Payload)
	if err != nil {
		return nil, err
	}
	private, err := marshalPayload(req.PrivatePayload)
	if err != nil {
		return nil, err
	}

	job := &domain.RunnerJob{
		UUID:           lo.CoalesceOrEmpty(req.UUID, uuid.NewString()),
		Type:           req.Type,
		Payload:        payload,
		PrivatePayload: private,
		State:          domain.RunnerJobStatePending,
		Priority:       req.Priority,
	}

	if req.DependsOn != nil {
		job.DependsOnRunnerJobID = lo.ToPtr(req.DependsOn.ID)
		if req.DependsOn.State != domain.RunnerJobStateCompleted {
			job.State = domain.RunnerJobStateWaitingForParentJob
		}
	}
	return job, nil
}

// Create schedules a runner job. It is pending unless it depends on a job that has not completed.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.RunnerJob, error) {
	job, err := s.newJob(req)
	if err != nil {
		return nil, err
	}

	created, err := s.insert(ctx, []NewRunnerJob{{Job: job, Parent: -1}})
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

// CreateWithChildren schedules parent and children together: either every job is created or
// none is. Children wait for parent; with a nil parent they only wait on their own DependsOn.
func (s *Service) CreateWithChildren(ctx context.Context, parent *CreateRequest, children []CreateRequest) ([]*domain.RunnerJob, error) {
	batch := make([]NewRunnerJob, 0, len(children)+1)
	parentIndex := -1

	if parent != nil {
		job, err := s.newJob(*parent)
		if err != nil {
			return nil, err
		}
		batch = append(batch, NewRunnerJob{Job: job, Parent: -1})
		parentIndex = 0
	}

	for _, req := range children {
		job, err := s.newJob(req)
		if err != nil {
			return nil, err
		}
		if parentIndex >= 0 {
			job.State = domain.RunnerJobStateWaitingForParentJob
		}
		batch = append(batch, NewRunnerJob{Job: job, Parent: parentIndex})
	}

	return s.insert(ctx, batch)
}

func (s *Service) insert(ctx context.Context, batch []NewRunnerJob) ([]*domain.RunnerJob, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	created, err := s.store.Insert(ctx, batch)
	if err != nil {
		return nil, err
	}

	for _, job := range created {
		s.logger.Debug("Runner job created",
			slog.String("job_uuid", job.UUID),
			slog.String("job_type", string(job.Type)),
			slog.String("state", string(job.State)),
		)
	}

	return created, nil
}

// Request lists the pending jobs a runner may accept, optionally restricted to some types
func (s *Service) Request(ctx context.Context, runner *domain.Runner, types []domain.RunnerJobType) ([]*domain.RunnerJob, error) {
	for _, t := range types {
		if _, err := domain.ParseRunnerJobType(string(t)); err != nil {
			return nil, err
		}
	}

	jobs, err := s.store.ListPending(ctx, types)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Runner requested jobs",
		slog.String("runner_name", runner.Name),
		slog.Int("available", len(jobs)),
	)

	return jobs, nil
}

// Accept hands a pending job to the runner with a fresh job token. When several runners race,
// exactly one wins; the others get domain.ErrRunnerJobNotPending.
func (s *Service) Accept(ctx context.Context, runner *domain.Runner, jobUUID string) (*domain.RunnerJob, error) {
	job, err := s.store.GetByUUID(ctx, jobUUID)
	if err != nil {
		return nil, err
	}

	h, err := s.Handler(job.Type)
	if err != nil {
		return nil, err
	}

	accepted, err := s.store.Accept(ctx, job.ID, runner.ID, s.newToken(), s.now())
	if err != nil {
		return nil, err
	}

	if err := h.Accept(ctx, accepted); err != nil {
		s.logger.Warn("Runner job accept hook failed", slog.String("job_uuid", accepted.UUID), slog.Any("error", err))
	}

	s.logger.Info("Remote runner accepted job",
		slog.String("runner_name", runner.Name),
		slog.String("job_uuid", accepted.UUID),
		slog.String("job_type", string(accepted.Type)),
	)

	return accepted, nil
}

// JobOfRunner returns the job the runner holds with jobToken. Jobs the runner does not hold are
// reported as not found so one runner cannot discover another's jobs.
func (s *Service) JobOfRunner(ctx context.Context, runner *domain.Runner, jobUUID, jobToken string, states ...domain.RunnerJobState) (*domain.RunnerJob, error) {
	if len(states) == 0 {
		states = []domain.RunnerJobState{domain.RunnerJobStateProcessing}
	}

	job, err := s.store.GetByUUID(ctx, jobUUID)
	if err != nil {
		return nil, err
	}

	if job.RunnerID == nil || *job.RunnerID != runner.ID {
		return nil, domain.ErrRunnerJobNotFound
	}
	// a cancelled job is gone as far as its runner is concerned
	if job.State == domain.RunnerJobStateCancelled || job.State == domain.RunnerJobStateParentCancelled {
		return nil, domain.ErrRunnerJobNotFound
	}
	if !slices.Contains(states, job.State) {
		return nil, domain.ErrRunnerJobNotProcessing
	}
	if job.State == domain.RunnerJobStateProcessing && !job.HoldsToken(runner.ID, jobToken) {
		return nil, domain.ErrInvalidJobToken
	}

	return job, nil
}

// Update records progress and forwards streamed files. Updates racing the completion of the job
// are ignored.
func (s *Service) Update(ctx context.Context, runner *domain.Runner, req UpdateRequest) error {
	job, err := s.JobOfRunner(ctx, runner, req.UUID, req.JobToken,
		domain.RunnerJobStateProcessing, domain.RunnerJobStateCompleting, domain.RunnerJobStateCompleted)
	if err != nil {
		return err
	}
	if job.State != domain.RunnerJobStateProcessing {
		return nil
	}

	if req.Progress != nil && (*req.Progress < 0 || *req.Progress > 100) {
		return domain.ErrInvalidProgress
	}

	h, err := s.Handler(job.Type)
	if err != nil {
		return err
	}
	if err := h.Update(ctx, job, req.Payload, req.Files); err != nil {
		return err
	}

	if req.Progress == nil {
		return nil
	}

	_, err = s.store.Transition(ctx, Transition{
		ID:       job.ID,
		From:     []domain.RunnerJobState{domain.RunnerJobStateProcessing},
		JobToken: req.JobToken,
		To:       domain.RunnerJobStateProcessing,
		Progress: req.Progress,
		Now:      s.now(),
	})
	return err
}

func validMessage(message string) bool {
	n := utf8.RuneCountInString(message)
	return n >= 1 && n <= domain.RunnerJobMessageMaxLength
}

// Error records a runner failure. The job goes back to pending until it reaches its failure
// ceiling, then errors terminally and takes its dependants down with it.
func (s *Service) Error(ctx context.Context, runner *domain.Runner, jobUUID, jobToken, message string) error {
	if !validMessage(message) {
		return domain.ErrInvalidMessage
	}

	job, err := s.JobOfRunner(ctx, runner, jobUUID, jobToken)
	if err != nil {
		return err
	}

	h, err := s.Handler(job.Type)
	if err != nil {
		return err
	}

	failures := job.Failures + 1
	now := s.now()

	s.logger.Error("Remote runner had an error with job",
		slog.String("runner_name", runner.Name),
		slog.String("job_uuid", job.UUID),
		slog.String("job_type", string(job.Type)),
		slog.String("error_message", message),
		slog.Int("total_failures", failures),
	)

	if failures < h.MaxFailures(s.maxFailures) {
		_, err := s.store.Transition(ctx, Transition{
			ID:         job.ID,
			From:       []domain.RunnerJobState{domain.RunnerJobStateProcessing},
			JobToken:   jobToken,
			To:         domain.RunnerJobStatePending,
			Message:    &message,
			AddFailure: true,
			Release:    true,
			Now:        now,
		})
		return err
	}

	errored, err := s.store.Transition(ctx, Transition{
		ID:         job.ID,
		From:       []domain.RunnerJobState{domain.RunnerJobStateProcessing},
		JobToken:   jobToken,
		To:         domain.RunnerJobStateErrored,
		Message:    &message,
		AddFailure: true,
		ClearToken: true,
		Finish:     true,
		Now:        now,
	})
	if err != nil {
		return err
	}

	s.failDependants(ctx, errored, domain.RunnerJobStateParentErrored)

	if err := h.Error(ctx, errored, message); err != nil {
		s.logger.Error("Cannot run runner job failure handler",
			slog.String("job_uuid", errored.UUID),
			slog.Any("error", err),
		)
	}

	return nil
}

// Abort gives the job back without counting a failure
func (s *Service) Abort(ctx context.Context, runner *domain.Runner, jobUUID, jobToken, reason string) error {
	if !validMessage(reason) {
		return domain.ErrInvalidMessage.WithMessage("reason must be between 1 and %d characters", domain.RunnerJobMessageMaxLength)
	}

	job, err := s.JobOfRunner(ctx, runner, jobUUID, jobToken)
	if err != nil {
		return err
	}

	h, err := s.Handler(job.Type)
	if err != nil {
		return err
	}

	s.logger.Info("Remote runner is aborting job",
		slog.String("runner_name", runner.Name),
		slog.String("job_uuid", job.UUID),
		slog.String("job_type", string(job.Type)),
		slog.String("reason", reason),
	)

	aborted, err := s.store.Transition(ctx, Transition{
		ID:       job.ID,
		From:     []domain.RunnerJobState{domain.RunnerJobStateProcessing},
		JobToken: jobToken,
		To:       domain.RunnerJobStatePending,
		Release:  true,
		Now:      s.now(),
	})
	if err != nil {
		return err
	}

	return h.Abort(ctx, aborted)
}

// Success completes the job: the result is handed to the completion callback while the job is
// completing, then dependants waiting on it become pending.
func (s *Service) Success(ctx context.Context, runner *domain.Runner, req SuccessRequest) error {
	job, err := s.JobOfRunner(ctx, runner, req.UUID, req.JobToken)
	if err != nil {
		return err
	}

	h, err := s.Handler(job.Type)
	if err != nil {
		return err
	}

	for _, f := range h.ResultFiles() {
		if f.Required && req.Files[f.Name] == "" {
			return domain.ErrMissingResultFile.WithMessage("missing result file %s", f.Name)
		}
	}

	s.logger.Info("Remote runner is sending success result for job",
		slog.String("runner_name", runner.Name),
		slog.String("job_uuid", job.UUID),
		slog.String("job_type", string(job.Type)),
	)

	completing, err := s.store.Transition(ctx, Transition{
		ID:         job.ID,
		From:       []domain.RunnerJobState{domain.RunnerJobStateProcessing},
		JobToken:   req.JobToken,
		To:         domain.RunnerJobStateCompleting,
		Progress:   lo.ToPtr(100),
		ClearToken: true,
		Now:        s.now(),
	})
	if err != nil {
		return err
	}

	err = s.forwardInput(ctx, h, completing, req.Files)
	if err == nil {
		err = h.Complete(ctx, completing, req.Payload, req.Files)
	}
	if err != nil {
		message := fmt.Sprintf("completion failed: %v", err)
		errored, tErr := s.store.Transition(ctx, Transition{
			ID:      completing.ID,
			From:    []domain.RunnerJobState{domain.RunnerJobStateCompleting},
			To:      domain.RunnerJobStateErrored,
			Message: &message,
			Finish:  true,
			Now:     s.now(),
		})
		if tErr != nil {
			return errors.Join(err, tErr)
		}
		s.failDependants(ctx, errored, domain.RunnerJobStateParentErrored)
		if hErr := h.Error(ctx, errored, message); hErr != nil {
			s.logger.Error("Cannot run runner job failure handler", slog.String("job_uuid", errored.UUID), slog.Any("error", hErr))
		}
		return fmt.Errorf("failed to complete runner job %s: %w", completing.UUID, err)
	}

	now := s.now()
	completed, err := s.store.Transition(ctx, Transition{
		ID:     completing.ID,
		From:   []domain.RunnerJobState{domain.RunnerJobStateCompleting},
		To:     domain.RunnerJobStateCompleted,
		Finish: true,
		Now:    now,
	})
	if err != nil {
		return err
	}

	unlocked, err := s.store.UpdateDependants(ctx, completed.ID, domain.RunnerJobStatePending, false, now)
	if err != nil {
		return fmt.Errorf("failed to unlock dependent runner jobs: %w", err)
	}

	s.logger.Info("Runner job completed",
		slog.String("job_uuid", completed.UUID),
		slog.String("job_type", string(completed.Type)),
		slog.Int("unlocked_jobs", len(unlocked)),
	)

	return nil
}

// forwardInput makes the jobs waiting on job transcode from its uploaded result
func (s *Service) forwardInput(ctx context.Context, h Handler, job *domain.RunnerJob, files map[string]string) error {
	key := h.DependantInput(files)
	if key == "" {
		return nil
	}
	if err := s.store.SetDependantsInput(ctx, job.ID, key, s.now()); err != nil {
		return fmt.Errorf("failed to forward result to dependent runner jobs: %w", err)
	}
	return nil
}

// Cancel stops a job on behalf of an administrator. Cancelling a cancelled job is a no-op;
// finished jobs cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, jobUUID string) error {
	job, err := s.store.GetByUUID(ctx, jobUUID)
	if err != nil {
		return err
	}
	return s.cancel(ctx, job)
}

func (s *Service) cancel(ctx context.Context, job *domain.RunnerJob) error {
	switch {
	case job.State == domain.RunnerJobStateCancelled || job.State == domain.RunnerJobStateParentCancelled:
		return nil
	case !job.State.IsCancellable():
		return domain.ErrRunnerJobNotCancellable.WithMessage("cannot cancel a job in %s state", job.State)
	}

	h, err := s.Handler(job.Type)
	if err != nil {
		return err
	}

	cancelled, err := s.store.Transition(ctx, Transition{
		ID:         job.ID,
		From:       []domain.RunnerJobState{domain.RunnerJobStatePending, domain.RunnerJobStateProcessing, domain.RunnerJobStateWaitingForParentJob},
		To:         domain.RunnerJobStateCancelled,
		ClearToken: true,
		Finish:     true,
		Now:        s.now(),
	})
	if err != nil {
		return err
	}

	s.logger.Info("Runner job cancelled", slog.String("job_uuid", cancelled.UUID), slog.String("job_type", string(cancelled.Type)))

	s.failDependants(ctx, cancelled, domain.RunnerJobStateParentCancelled)

	return h.Cancel(ctx, cancelled)
}

// Delete cancels the job if it is still live, then removes it with its dependants
func (s *Service) Delete(ctx context.Context, jobUUID string) error {
	job, err := s.store.GetByUUID(ctx, jobUUID)
	if err != nil {
		return err
	}

	if job.State.IsCancellable() {
		if err := s.cancel(ctx, job); err != nil {
			return err
		}
	}

	if err := s.store.Delete(ctx, job.ID); err != nil {
		return err
	}

	s.logger.Info("Runner job deleted", slog.String("job_uuid", job.UUID), slog.String("job_type", string(job.Type)))
	return nil
}

// ListForAdmin returns a page of jobs with the total count
func (s *Service) ListForAdmin(ctx context.Context, opts AdminListOptions) ([]*domain.RunnerJobDetails, int, error) {
	if err := opts.Pagination.Validate(); err != nil {
		return nil, 0, err
	}
	return s.store.ListForAdmin(ctx, opts)
}

// failDependants moves the whole chain waiting on job to state. The parent transition already
// happened, so failures here are logged rather than returned.
func (s *Service) failDependants(ctx context.Context, job *domain.RunnerJob, state domain.RunnerJobState) {
	deps, err := s.store.UpdateDependants(ctx, job.ID, state, true, s.now())
	if err != nil {
		s.logger.Error("Failed to update dependent runner jobs",
			slog.String("job_uuid", job.UUID),
			slog.String("state", string(state)),
			slog.Any("error", err),
		)
		return
	}

	for _, dep := range deps {
		s.logger.Warn("Dependent runner job will not run",
			slog.String("job_uuid", dep.UUID),
			slog.String("parent_uuid", job.UUID),
			slog.String("state", string(dep.State)),
		)
	}
}
