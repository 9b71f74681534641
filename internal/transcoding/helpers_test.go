package transcoding

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/transcode-orchestrator/internal/config"
	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
	"github.com/cuongbtq/transcode-orchestrator/internal/jobqueue"
	"github.com/cuongbtq/transcode-orchestrator/internal/runnerjob"
)

var errBoom = errors.New("boom")

var defaultResolutions = []int{0, 144, 240, 360, 480, 720, 1080, 1440, 2160}

// fakeCreator records the runner jobs it persisted. A batch containing the failAt-th request
// fails as a whole and persists nothing.
type fakeCreator struct {
	mu       sync.Mutex
	requests []runnerjob.CreateRequest
	// parents maps the uuid of a child job to its parent's
	parents map[string]string
	seen    int
	failAt  int
}

func (f *fakeCreator) Create(ctx context.Context, req runnerjob.CreateRequest) (*domain.RunnerJob, error) {
	jobs, err := f.CreateWithChildren(ctx, nil, []runnerjob.CreateRequest{req})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

func (f *fakeCreator) CreateWithChildren(_ context.Context, parent *runnerjob.CreateRequest, children []runnerjob.CreateRequest) ([]*domain.RunnerJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	batch := children
	if parent != nil {
		batch = append([]runnerjob.CreateRequest{*parent}, children...)
	}

	first := f.seen + 1
	f.seen += len(batch)
	if f.failAt >= first && f.failAt <= f.seen {
		return nil, errBoom
	}

	if f.parents == nil {
		f.parents = make(map[string]string)
	}

	jobs := make([]*domain.RunnerJob, len(batch))
	for i, req := range batch {
		if req.UUID == "" {
			req.UUID = uuid.NewString()
		}
		f.requests = append(f.requests, req)

		state := domain.RunnerJobStatePending
		if parent != nil && i > 0 {
			state = domain.RunnerJobStateWaitingForParentJob
			f.parents[req.UUID] = jobs[0].UUID
		}
		jobs[i] = &domain.RunnerJob{
			ID:       int64(len(f.requests)),
			UUID:     req.UUID,
			Type:     req.Type,
			Priority: req.Priority,
			State:    state,
		}
	}
	return jobs, nil
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	jobs  []jobqueue.CreateJobRequest
	flows [][]jobqueue.CreateJobRequest
	err   error
}

func (f *fakeEnqueuer) CreateJob(_ context.Context, req jobqueue.CreateJobRequest) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	f.jobs = append(f.jobs, req)
	return &domain.Job{ID: int64(len(f.jobs)), Type: req.Type}, nil
}

func (f *fakeEnqueuer) CreateSequentialJobFlow(_ context.Context, jobs ...jobqueue.CreateJobRequest) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	f.flows = append(f.flows, jobs)
	out := make([]*domain.Job, len(jobs))
	for i, j := range jobs {
		out[i] = &domain.Job{ID: int64(i + 1), Type: j.Type}
	}
	return out, nil
}

func flowTypes(flow []jobqueue.CreateJobRequest) []domain.JobType {
	out := make([]domain.JobType, len(flow))
	for i, j := range flow {
		out[i] = j.Type
	}
	return out
}

type recordingEvents struct {
	mu         sync.Mutex
	added      []FileAddedEvent
	failed     []FailureEvent
	chunks     []LiveChunkEvent
	ended      []string
	moveFailed []FailureEvent
	fileAddErr error
}

func (r *recordingEvents) FileAdded(_ context.Context, e FileAddedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fileAddErr != nil {
		return r.fileAddErr
	}
	r.added = append(r.added, e)
	return nil
}

func (r *recordingEvents) TranscodingFailed(_ context.Context, e FailureEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, e)
	return nil
}

func (r *recordingEvents) LiveChunk(_ context.Context, e LiveChunkEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, e)
	return nil
}

func (r *recordingEvents) LiveEnded(_ context.Context, videoUUID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, videoUUID+"/"+sessionID)
	return nil
}

func (r *recordingEvents) StorageMoveFailed(_ context.Context, e FailureEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moveFailed = append(r.moveFailed, e)
	return nil
}

type published struct {
	exchange   string
	routingKey string
	msg        any
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) PublishJSON(_ context.Context, exchange, routingKey string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{exchange: exchange, routingKey: routingKey, msg: v})
	return nil
}

func testTranscodingConfig() config.TranscodingConfig {
	return config.TranscodingConfig{
		Resolutions:      defaultResolutions,
		WebVideosEnabled: true,
		HLSEnabled:       true,
		Live: config.LiveConfig{
			Resolutions:     []int{720, 480, 360},
			SegmentDuration: 2,
			SegmentListSize: 15,
		},
	}
}

func newTestBuilder(cfg config.TranscodingConfig) (*Builder, *fakeCreator) {
	creator := &fakeCreator{}
	return NewBuilder(creator, "https://tube.example.com/", cfg, nil), creator
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
