package jobqueue

import (
	"context"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

// CreateJobWithChildren enqueues a parent and its children in one batch. Children wait until the
// parent resolves. A child fails without running when the parent fails, unless it sets
// IgnoreParentFailure.
// The returned slice holds the parent first, then the children in order.
func (m *Manager) CreateJobWithChildren(ctx context.Context, parent CreateJobRequest, children []CreateJobRequest) ([]*domain.Job, error) {
	batch := make([]NewJob, 0, len(children)+1)

	nj, err := m.buildNewJob(parent, -1)
	if err != nil {
		return nil, err
	}
	batch = append(batch, nj)

	for _, child := range children {
		nj, err := m.buildNewJob(child, 0)
		if err != nil {
			return nil, err
		}
		batch = append(batch, nj)
	}

	return m.insert(ctx, batch)
}

// CreateSequentialJobFlow enqueues a chain where each job waits for the previous one.
// The first job runs first; a terminal failure fails the rest of the chain.
func (m *Manager) CreateSequentialJobFlow(ctx context.Context, jobs ...CreateJobRequest) ([]*domain.Job, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	batch := make([]NewJob, 0, len(jobs))
	for i, job := range jobs {
		nj, err := m.buildNewJob(job, i-1)
		if err != nil {
			return nil, err
		}
		batch = append(batch, nj)
	}

	return m.insert(ctx, batch)
}
