package runnerjob

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

// memoryStore mirrors the conditional updates of the PostgreSQL store
type memoryStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*domain.RunnerJob

	// insertErr fails every Insert
	insertErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: make(map[int64]*domain.RunnerJob)}
}

func clone(j *domain.RunnerJob) *domain.RunnerJob {
	cp := *j
	return &cp
}

func (m *memoryStore) sorted() []*domain.RunnerJob {
	out := lo.Values(m.jobs)
	slices.SortFunc(out, func(a, b *domain.RunnerJob) int { return int(a.ID - b.ID) })
	return out
}

func (m *memoryStore) Insert(_ context.Context, batch []NewRunnerJob) ([]*domain.RunnerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.insertErr != nil {
		return nil, m.insertErr
	}

	out := make([]*domain.RunnerJob, 0, len(batch))
	for _, nj := range batch {
		m.nextID++
		created := clone(nj.Job)
		created.ID = m.nextID
		if nj.Parent >= 0 {
			created.DependsOnRunnerJobID = lo.ToPtr(out[nj.Parent].ID)
		}
		m.jobs[created.ID] = created
		out = append(out, clone(created))
	}
	return out, nil
}

func (m *memoryStore) SetDependantsInput(_ context.Context, parentID int64, inputFileKey string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.DependsOnRunnerJobID == nil || *j.DependsOnRunnerJobID != parentID {
			continue
		}
		private := map[string]any{}
		if err := json.Unmarshal(j.PrivatePayload, &private); err != nil {
			return err
		}
		private["inputFileKey"] = inputFileKey
		data, err := json.Marshal(private)
		if err != nil {
			return err
		}
		j.PrivatePayload = data
		j.UpdatedAt = now
	}
	return nil
}

func (m *memoryStore) GetByUUID(_ context.Context, uuid string) (*domain.RunnerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.UUID == uuid {
			return clone(j), nil
		}
	}
	return nil, domain.ErrRunnerJobNotFound
}

func (m *memoryStore) ListPending(_ context.Context, types []domain.RunnerJobType) ([]*domain.RunnerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.RunnerJob
	for _, j := range m.sorted() {
		if j.State == domain.RunnerJobStatePending && (len(types) == 0 || slices.Contains(types, j.Type)) {
			out = append(out, clone(j))
		}
	}
	return out, nil
}

func (m *memoryStore) ListForAdmin(_ context.Context, opts AdminListOptions) ([]*domain.RunnerJobDetails, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.sorted()
	page := lo.Slice(all, opts.Start, opts.Start+opts.Count)
	return lo.Map(page, func(j *domain.RunnerJob, _ int) *domain.RunnerJobDetails {
		return &domain.RunnerJobDetails{RunnerJob: *clone(j)}
	}), len(all), nil
}

func (m *memoryStore) Accept(_ context.Context, id, runnerID int64, jobToken string, now time.Time) (*domain.RunnerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrRunnerJobNotFound
	}
	if j.State != domain.RunnerJobStatePending {
		return nil, domain.ErrRunnerJobNotPending
	}

	j.State = domain.RunnerJobStateProcessing
	j.RunnerID = lo.ToPtr(runnerID)
	j.LastRunnerID = lo.ToPtr(runnerID)
	j.ProcessingJobToken = lo.ToPtr(jobToken)
	j.StartedAt = lo.ToPtr(now)
	j.Progress = nil
	return clone(j), nil
}

func (m *memoryStore) Transition(_ context.Context, t Transition) (*domain.RunnerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[t.ID]
	if !ok || !slices.Contains(t.From, j.State) {
		return nil, domain.ErrRunnerJobStateChanged
	}
	if t.JobToken != "" && lo.FromPtr(j.ProcessingJobToken) != t.JobToken {
		return nil, domain.ErrRunnerJobStateChanged
	}

	j.State = t.To
	j.UpdatedAt = t.Now
	if t.Message != nil {
		j.ErrorMessage = lo.ToPtr(*t.Message)
	}
	if t.AddFailure {
		j.Failures++
	}
	switch {
	case t.Release:
		j.RunnerID = nil
		j.ProcessingJobToken = nil
		j.Progress = nil
		j.StartedAt = nil
	case t.ClearToken:
		j.ProcessingJobToken = nil
	}
	if t.Progress != nil && !t.Release {
		j.Progress = lo.ToPtr(*t.Progress)
	}
	if t.Finish {
		j.FinishedAt = lo.ToPtr(t.Now)
	}
	return clone(j), nil
}

func (m *memoryStore) UpdateDependants(_ context.Context, parentID int64, state domain.RunnerJobState, recursive bool, now time.Time) ([]*domain.RunnerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.RunnerJob
	frontier := []int64{parentID}
	for len(frontier) > 0 {
		var next []int64
		for _, j := range m.sorted() {
			if j.DependsOnRunnerJobID == nil || !slices.Contains(frontier, *j.DependsOnRunnerJobID) ||
				j.State != domain.RunnerJobStateWaitingForParentJob {
				continue
			}
			j.State = state
			j.UpdatedAt = now
			if recursive {
				j.FinishedAt = lo.ToPtr(now)
			}
			out = append(out, clone(j))
			next = append(next, j.ID)
		}
		if !recursive {
			break
		}
		frontier = next
	}
	return out, nil
}

func (m *memoryStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return domain.ErrRunnerJobNotFound
	}

	doomed := []int64{id}
	for len(doomed) > 0 {
		var next []int64
		for _, j := range m.jobs {
			if j.DependsOnRunnerJobID != nil && slices.Contains(doomed, *j.DependsOnRunnerJobID) {
				next = append(next, j.ID)
			}
		}
		for _, d := range doomed {
			delete(m.jobs, d)
		}
		doomed = next
	}
	return nil
}

func (m *memoryStore) get(uuid string) *domain.RunnerJob {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.UUID == uuid {
			return clone(j)
		}
	}
	return nil
}

// recordingCallbacks captures every callback invocation
type recordingCallbacks struct {
	mu          sync.Mutex
	completed   []domain.RunnerJobResult
	studio      []domain.RunnerJobResult
	chunks      []domain.RunnerJobLiveUpdate
	liveEnded   int
	failed      []string
	completeErr error
}

func (c *recordingCallbacks) VODCompleted(_ context.Context, _ *domain.RunnerJob, result domain.RunnerJobResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, result)
	return c.completeErr
}

func (c *recordingCallbacks) StudioCompleted(_ context.Context, _ *domain.RunnerJob, result domain.RunnerJobResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.studio = append(c.studio, result)
	return c.completeErr
}

func (c *recordingCallbacks) LiveChunk(_ context.Context, _ *domain.RunnerJob, update domain.RunnerJobLiveUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, update)
	return nil
}

func (c *recordingCallbacks) LiveEnded(context.Context, *domain.RunnerJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveEnded++
	return nil
}

func (c *recordingCallbacks) Failed(_ context.Context, job *domain.RunnerJob, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, job.UUID)
	return nil
}

func newTestService(maxFailures int) (*Service, *memoryStore, *recordingCallbacks) {
	store := newMemoryStore()
	cb := &recordingCallbacks{}
	svc := NewService(Options{Store: store, Callbacks: cb, MaxFailures: maxFailures})

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	return svc, store, cb
}

func vodPayload(resolution int) domain.RunnerJobVODWebVideoPayload {
	return domain.RunnerJobVODWebVideoPayload{
		Input:  domain.RunnerJobVODInput{VideoFileURL: "https://example.test/file"},
		Output: domain.RunnerJobOutputSpec{Resolution: resolution, FPS: 30},
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
