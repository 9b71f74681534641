package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

// MemoryBackend keeps jobs in process memory. It serves single-process deployments and tests.
type MemoryBackend struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*domain.Job
	now    func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs: make(map[int64]*domain.Job),
		now:  time.Now,
	}
}

func cloneJob(j *domain.Job) *domain.Job {
	cp := *j
	return &cp
}

func (b *MemoryBackend) Insert(_ context.Context, batch []NewJob) ([]*domain.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, nj := range batch {
		if nj.Parent >= i {
			return nil, fmt.Errorf("job %d references parent %d that is not inserted before it", i, nj.Parent)
		}
	}

	created := b.now()
	out := make([]*domain.Job, 0, len(batch))
	ids := make([]int64, 0, len(batch))

	for _, nj := range batch {
		b.nextID++
		job := &domain.Job{
			ID:                  b.nextID,
			Type:                nj.Type,
			Payload:             nj.Payload,
			State:               nj.State,
			Priority:            nj.Priority,
			MaxAttempts:         nj.MaxAttempts,
			FailParentOnFailure: nj.FailParentOnFailure,
			RunAt:               nj.RunAt,
			CreatedAt:           created,
		}
		if nj.Parent >= 0 {
			parentID := ids[nj.Parent]
			job.ParentID = &parentID
		}

		b.jobs[job.ID] = job
		ids = append(ids, job.ID)
		out = append(out, cloneJob(job))
	}

	return out, nil
}

func dequeueOrder(a, b *domain.Job) bool {
	if (a.Priority == 0) != (b.Priority == 0) {
		return a.Priority == 0
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}

func (b *MemoryBackend) Dequeue(_ context.Context, jobType domain.JobType, workerID string, now time.Time) (*domain.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var next *domain.Job
	for _, j := range b.jobs {
		if j.Type != jobType {
			continue
		}
		ready := j.State == domain.JobStateWaiting || j.State == domain.JobStatePrioritized ||
			(j.State == domain.JobStateDelayed && !j.RunAt.After(now))
		if !ready {
			continue
		}
		if next == nil || dequeueOrder(j, next) {
			next = j
		}
	}

	if next == nil {
		return nil, domain.ErrNoJobAvailable
	}

	next.State = domain.JobStateActive
	next.WorkerID = lo.ToPtr(workerID)
	next.AttemptsMade++
	next.ProcessedAt = lo.ToPtr(now)
	next.LastHeartbeatAt = lo.ToPtr(now)
	next.ErrorMessage = nil

	return cloneJob(next), nil
}

// owned returns the job when it is active and held by workerID
func (b *MemoryBackend) owned(id int64, workerID string) (*domain.Job, error) {
	j, ok := b.jobs[id]
	if !ok || j.State != domain.JobStateActive || j.WorkerID == nil || *j.WorkerID != workerID {
		return nil, domain.ErrJobNotFound
	}
	return j, nil
}

func (b *MemoryBackend) Heartbeat(_ context.Context, id int64, workerID string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.owned(id, workerID)
	if err != nil {
		return err
	}
	j.LastHeartbeatAt = lo.ToPtr(now)
	return nil
}

func (b *MemoryBackend) UpdateProgress(_ context.Context, id int64, workerID string, progress int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.owned(id, workerID)
	if err != nil {
		return err
	}
	j.Progress = progress
	return nil
}

// release moves the waiting dependants of the given jobs to their ready state
func (b *MemoryBackend) release(parentIDs []int64, now time.Time) []*domain.Job {
	var released []*domain.Job
	for _, j := range b.sorted() {
		if j.State != domain.JobStateWaitingChildren || j.ParentID == nil || !slices.Contains(parentIDs, *j.ParentID) {
			continue
		}
		j.State = domain.ReadyState(j.Priority, j.RunAt, now)
		released = append(released, cloneJob(j))
	}
	return released
}

func (b *MemoryBackend) Complete(_ context.Context, id int64, workerID string, result json.RawMessage, now time.Time) ([]*domain.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.owned(id, workerID)
	if err != nil {
		return nil, err
	}

	j.State = domain.JobStateCompleted
	j.Result = result
	j.FinishedAt = lo.ToPtr(now)
	j.LastHeartbeatAt = nil

	return b.release([]int64{id}, now), nil
}

func (b *MemoryBackend) Retry(_ context.Context, id int64, workerID string, req RetryRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.owned(id, workerID)
	if err != nil {
		return err
	}

	if req.RefundAttempt && j.AttemptsMade > 0 {
		j.AttemptsMade--
	}
	j.State = domain.ReadyState(j.Priority, req.RunAt, req.Now)
	j.RunAt = req.RunAt
	j.ErrorMessage = lo.ToPtr(req.Error)
	j.WorkerID = nil
	j.LastHeartbeatAt = nil
	return nil
}

func (b *MemoryBackend) Fail(_ context.Context, id int64, workerID string, errMsg string, now time.Time) (*FailResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.owned(id, workerID)
	if err != nil {
		return nil, err
	}

	j.State = domain.JobStateFailed
	j.ErrorMessage = lo.ToPtr(errMsg)
	j.FinishedAt = lo.ToPtr(now)
	j.LastHeartbeatAt = nil

	res := &FailResult{}
	failed := []int64{id}
	frontier := []int64{id}

	for len(frontier) > 0 {
		var next []int64
		for _, dep := range b.sorted() {
			if dep.State != domain.JobStateWaitingChildren || !dep.FailParentOnFailure ||
				dep.ParentID == nil || !slices.Contains(frontier, *dep.ParentID) {
				continue
			}
			dep.State = domain.JobStateFailed
			dep.ErrorMessage = lo.ToPtr("parent job failed: " + errMsg)
			dep.FinishedAt = lo.ToPtr(now)
			res.Cascaded = append(res.Cascaded, cloneJob(dep))
			next = append(next, dep.ID)
		}
		failed = append(failed, next...)
		frontier = next
	}

	res.Released = b.release(failed, now)
	return res, nil
}

func (b *MemoryBackend) ListStalled(_ context.Context, heartbeatBefore time.Time) ([]*domain.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*domain.Job
	for _, j := range b.sorted() {
		if j.State == domain.JobStateActive && j.LastHeartbeatAt != nil && j.LastHeartbeatAt.Before(heartbeatBefore) {
			out = append(out, cloneJob(j))
		}
	}
	return out, nil
}

func (b *MemoryBackend) PromoteDelayed(_ context.Context, now time.Time) ([]*domain.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*domain.Job
	for _, j := range b.sorted() {
		if j.State == domain.JobStateDelayed && !j.RunAt.After(now) {
			j.State = domain.ReadyState(j.Priority, j.RunAt, now)
			out = append(out, cloneJob(j))
		}
	}
	return out, nil
}

func (b *MemoryBackend) Get(_ context.Context, id int64) (*domain.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(j), nil
}

// sorted returns live pointers ordered by id. Callers hold the lock.
func (b *MemoryBackend) sorted() []*domain.Job {
	out := lo.Values(b.jobs)
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (b *MemoryBackend) matching(states []domain.JobState, types []domain.JobType) []*domain.Job {
	return lo.Filter(b.sorted(), func(j *domain.Job, _ int) bool {
		return (len(states) == 0 || slices.Contains(states, j.State)) &&
			(len(types) == 0 || slices.Contains(types, j.Type))
	})
}

func (b *MemoryBackend) List(_ context.Context, filter ListFilter) ([]*domain.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	jobs := b.matching(filter.States, filter.Types)
	sort.SliceStable(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
	if !filter.Asc {
		slices.Reverse(jobs)
	}

	if filter.Offset >= len(jobs) {
		return []*domain.Job{}, nil
	}
	jobs = jobs[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(jobs) {
		jobs = jobs[:filter.Limit]
	}

	return lo.Map(jobs, func(j *domain.Job, _ int) *domain.Job { return cloneJob(j) }), nil
}

func (b *MemoryBackend) Count(_ context.Context, states []domain.JobState, types []domain.JobType) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.matching(states, types)), nil
}

func (b *MemoryBackend) CountByState(_ context.Context) ([]StateCount, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := make(map[StateCount]int)
	for _, j := range b.jobs {
		counts[StateCount{Type: j.Type, State: j.State}]++
	}

	out := make([]StateCount, 0, len(counts))
	for k, n := range counts {
		k.Count = n
		out = append(out, k)
	}
	return out, nil
}

func (b *MemoryBackend) RemoveFinished(_ context.Context, jobType domain.JobType, state domain.JobState, finishedBefore time.Time, keep int) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	jobs := b.matching([]domain.JobState{state}, []domain.JobType{jobType})
	// newest first
	sort.SliceStable(jobs, func(i, k int) bool {
		fi, fk := lo.FromPtr(jobs[i].FinishedAt), lo.FromPtr(jobs[k].FinishedAt)
		if !fi.Equal(fk) {
			return fi.After(fk)
		}
		return jobs[i].ID > jobs[k].ID
	})

	var removed int64
	for rank, j := range jobs {
		tooOld := !finishedBefore.IsZero() && j.FinishedAt != nil && j.FinishedAt.Before(finishedBefore)
		tooMany := keep > 0 && rank >= keep
		if tooOld || tooMany {
			delete(b.jobs, j.ID)
			removed++
		}
	}

	for _, j := range b.jobs {
		if j.ParentID != nil {
			if _, ok := b.jobs[*j.ParentID]; !ok {
				j.ParentID = nil
			}
		}
	}

	return removed, nil
}
