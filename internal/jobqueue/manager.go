// Package jobqueue is the durable local job queue: typed jobs with retries, priorities,
// per-type concurrency and parent/child flows, executed by worker pools owned by a Manager.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

// Options configures a Manager. A Manager without a Registry can only produce jobs.
type Options struct {
	Backend             Backend
	Registry            *Registry
	Notifier            Notifier
	Policies            map[domain.JobType]Policy
	WorkerID            string
	PollInterval        time.Duration
	BackoffBase         time.Duration
	HeartbeatInterval   time.Duration
	StalledAfter        time.Duration
	MaintenanceInterval time.Duration
	Logger              *slog.Logger
}

// CreateJobRequest describes a job to enqueue
type CreateJobRequest struct {
	Type     domain.JobType
	Payload  any
	Priority int
	Delay    time.Duration
	// IgnoreParentFailure releases the job when its parent fails instead of failing it too
	IgnoreParentFailure bool
}

// ListOptions selects jobs for the admin listing. Empty State or Type means all.
type ListOptions struct {
	State domain.JobState
	Type  domain.JobType
	Start int
	Count int
	Asc   bool
}

// TypeStats holds the number of jobs per state for one job type
type TypeStats struct {
	JobType domain.JobType          `json:"jobType"`
	Counts  map[domain.JobState]int `json:"counts"`
}

// Manager owns the worker pools and is the only entry point to the queue
type Manager struct {
	backend  Backend
	registry *Registry
	notifier Notifier
	policies map[domain.JobType]Policy
	workerID string

	pollInterval        time.Duration
	backoffBase         time.Duration
	heartbeatInterval   time.Duration
	stalledAfter        time.Duration
	maintenanceInterval time.Duration

	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pools   map[domain.JobType]*pool
	started bool
	closed  bool
	cancel  context.CancelFunc
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	policies := opts.Policies
	if policies == nil {
		policies = DefaultPolicies()
	}

	m := &Manager{
		backend:             opts.Backend,
		registry:            opts.Registry,
		notifier:            opts.Notifier,
		policies:            policies,
		workerID:            opts.WorkerID,
		pollInterval:        opts.PollInterval,
		backoffBase:         opts.BackoffBase,
		heartbeatInterval:   opts.HeartbeatInterval,
		stalledAfter:        opts.StalledAfter,
		maintenanceInterval: opts.MaintenanceInterval,
		logger:              opts.Logger,
		now:                 time.Now,
		pools:               make(map[domain.JobType]*pool),
		stop:                make(chan struct{}),
	}

	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	if m.workerID == "" {
		m.workerID = "worker"
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 5 * time.Second
	}
	if m.backoffBase <= 0 {
		m.backoffBase = time.Minute
	}
	if m.heartbeatInterval <= 0 {
		m.heartbeatInterval = 30 * time.Second
	}
	if m.stalledAfter <= 0 {
		m.stalledAfter = 5 * time.Minute
	}

	return m
}

func (m *Manager) policy(t domain.JobType) Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policies[t]
}

// CreateJob enqueues a single job
func (m *Manager) CreateJob(ctx context.Context, req CreateJobRequest) (*domain.Job, error) {
	nj, err := m.buildNewJob(req, -1)
	if err != nil {
		return nil, err
	}

	jobs, err := m.insert(ctx, []NewJob{nj})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

func (m *Manager) insert(ctx context.Context, batch []NewJob) ([]*domain.Job, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, domain.ErrQueueClosed
	}

	jobs, err := m.backend.Insert(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to insert jobs: %w", err)
	}

	for _, job := range jobs {
		m.logger.Debug("Job created",
			slog.Int64("job_id", job.ID),
			slog.String("job_type", string(job.Type)),
			slog.String("state", string(job.State)),
		)
	}

	m.notifyReady(ctx, jobs)
	return jobs, nil
}

func (m *Manager) buildNewJob(req CreateJobRequest, parent int) (NewJob, error) {
	if _, err := domain.ParseJobType(string(req.Type)); err != nil {
		return NewJob{}, err
	}
	if req.Priority < 0 {
		return NewJob{}, domain.ErrInvalidPayload.WithMessage("priority must be positive, got %d", req.Priority)
	}
	if req.Delay < 0 {
		return NewJob{}, domain.ErrInvalidPayload.WithMessage("delay must be positive, got %s", req.Delay)
	}

	payload, err := encodePayload(req.Payload)
	if err != nil {
		return NewJob{}, err
	}

	now := m.now()
	runAt := now.Add(req.Delay)

	state := domain.ReadyState(req.Priority, runAt, now)
	if parent >= 0 {
		state = domain.JobStateWaitingChildren
	}

	attempts := m.policy(req.Type).Attempts
	if attempts < 1 {
		attempts = 1
	}

	return NewJob{
		Type:                req.Type,
		Payload:             payload,
		State:               state,
		Priority:            req.Priority,
		MaxAttempts:         attempts,
		RunAt:               runAt,
		Parent:              parent,
		FailParentOnFailure: !req.IgnoreParentFailure,
	}, nil
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, domain.ErrInvalidPayload.WithMessage("payload is not valid JSON")
		}
		return p, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, domain.ErrInvalidPayload.WithCause(err)
	}
	return data, nil
}

// notifyReady wakes local pools and other worker processes for jobs that can run now
func (m *Manager) notifyReady(ctx context.Context, jobs []*domain.Job) {
	for _, job := range jobs {
		if job.State != domain.JobStateWaiting && job.State != domain.JobStatePrioritized {
			continue
		}

		m.Nudge(job.Type)

		if m.notifier == nil {
			continue
		}
		if err := m.notifier.NotifyJobReady(ctx, job); err != nil {
			m.logger.Warn("Failed to publish job ready notification",
				slog.Int64("job_id", job.ID),
				slog.String("job_type", string(job.Type)),
				slog.Any("error", err),
			)
		}
	}
}

// Nudge wakes an idle worker of the job type served by this process, if any
func (m *Manager) Nudge(jobType domain.JobType) {
	m.mu.Lock()
	p, ok := m.pools[jobType]
	m.mu.Unlock()

	if ok {
		p.signal()
	}
}

// ListForAPI lists jobs ordered by creation time. Filtering on waiting includes jobs waiting
// for their parent and prioritized jobs.
func (m *Manager) ListForAPI(ctx context.Context, opts ListOptions) ([]*domain.Job, error) {
	filter := ListFilter{
		Offset: opts.Start,
		Limit:  opts.Count,
		Asc:    opts.Asc,
	}
	if opts.State != "" {
		filter.States = domain.ExpandJobState(opts.State)
	}
	if opts.Type != "" {
		filter.Types = []domain.JobType{opts.Type}
	}

	jobs, err := m.backend.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// Count counts jobs in a state, optionally of a single type
func (m *Manager) Count(ctx context.Context, state domain.JobState, jobType domain.JobType) (int, error) {
	var states []domain.JobState
	if state != "" {
		states = domain.ExpandJobState(state)
	}
	var types []domain.JobType
	if jobType != "" {
		types = []domain.JobType{jobType}
	}

	n, err := m.backend.Count(ctx, states, types)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// GetJob returns a job by id
func (m *Manager) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	return m.backend.Get(ctx, id)
}

// JobStats returns the number of jobs per state for every job type
func (m *Manager) JobStats(ctx context.Context) ([]TypeStats, error) {
	counts, err := m.backend.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by state: %w", err)
	}

	byType := make(map[domain.JobType]map[domain.JobState]int, len(domain.JobTypes))
	for _, t := range domain.JobTypes {
		states := make(map[domain.JobState]int, len(domain.JobStates))
		for _, s := range domain.JobStates {
			states[s] = 0
		}
		byType[t] = states
	}
	for _, c := range counts {
		if states, ok := byType[c.Type]; ok {
			states[c.State] += c.Count
		}
	}

	stats := make([]TypeStats, 0, len(domain.JobTypes))
	for _, t := range domain.JobTypes {
		stats = append(stats, TypeStats{JobType: t, Counts: byType[t]})
	}
	return stats, nil
}

// Start validates the registry and starts one pool per job type plus the maintenance loop
func (m *Manager) Start(ctx context.Context) error {
	if m.registry == nil {
		return errors.New("job queue has no handler registry")
	}
	if err := m.registry.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New("job queue already started")
	}
	if m.closed {
		return domain.ErrQueueClosed
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true

	for _, t := range domain.JobTypes {
		h, _ := m.registry.Handler(t)
		p := newPool(runCtx, m, t, h)
		m.pools[t] = p
		p.resize(m.policies[t].Concurrency)
	}

	if m.maintenanceInterval > 0 {
		m.wg.Add(1)
		go m.maintenanceLoop(runCtx)
	}

	m.logger.Info("Job queue started",
		slog.String("worker_id", m.workerID),
		slog.Int("queues", len(m.pools)),
	)
	return nil
}

// Shutdown stops taking new jobs and waits for running ones. When ctx expires first the
// running handlers are cancelled and their jobs are put back for another attempt.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	pools := make([]*pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	if !started {
		return nil
	}

	m.logger.Info("Stopping job queue...")
	close(m.stop)
	for _, p := range pools {
		p.stopAll()
	}

	done := make(chan struct{})
	go func() {
		for _, p := range pools {
			p.wg.Wait()
		}
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		m.logger.Info("Job queue stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Job queue drain timed out, interrupting running jobs")
		m.cancel()
		<-done
		return ctx.Err()
	}
}

// SetConcurrency resizes the worker pool of a job type
func (m *Manager) SetConcurrency(jobType domain.JobType, n int) error {
	if _, err := domain.ParseJobType(string(jobType)); err != nil {
		return err
	}
	if n < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", n)
	}

	m.mu.Lock()
	p := m.policies[jobType]
	p.Concurrency = n
	m.policies[jobType] = p
	pl, running := m.pools[jobType]
	m.mu.Unlock()

	if running {
		pl.resize(n)
	}

	m.logger.Info("Job queue concurrency updated",
		slog.String("job_type", string(jobType)),
		slog.Int("concurrency", n),
	)
	return nil
}

// Pause stops dequeuing jobs of the given types, or of every type when none is given.
// Jobs already running are not interrupted.
func (m *Manager) Pause(types ...domain.JobType) {
	for _, p := range m.selectPools(types) {
		p.paused.Store(true)
	}
}

// Resume undoes Pause
func (m *Manager) Resume(types ...domain.JobType) {
	for _, p := range m.selectPools(types) {
		p.paused.Store(false)
		p.signal()
	}
}

// PauseOnSignal pauses every pool when pause is received and resumes them on resume,
// until ctx is done or signals is closed
func (m *Manager) PauseOnSignal(ctx context.Context, signals <-chan os.Signal, pause, resume os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			switch sig {
			case pause:
				m.Pause()
				m.logger.Info("Job queue paused", slog.String("signal", sig.String()))
			case resume:
				m.Resume()
				m.logger.Info("Job queue resumed", slog.String("signal", sig.String()))
			}
		}
	}
}

func (m *Manager) selectPools(types []domain.JobType) []*pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(types) == 0 {
		types = domain.JobTypes
	}

	pools := make([]*pool, 0, len(types))
	for _, t := range types {
		if p, ok := m.pools[t]; ok {
			pools = append(pools, p)
		}
	}
	return pools
}
