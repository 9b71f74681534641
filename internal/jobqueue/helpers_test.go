package jobqueue

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	m       *Manager
	backend *MemoryBackend
	logs    *syncBuffer
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestEnv(t *testing.T, registry *Registry, policies map[domain.JobType]Policy) *testEnv {
	t.Helper()

	logs := &syncBuffer{}
	backend := NewMemoryBackend()
	backend.now = func() time.Time { return t0 }

	m := NewManager(Options{
		Backend:           backend,
		Registry:          registry,
		Policies:          policies,
		WorkerID:          "test",
		PollInterval:      10 * time.Millisecond,
		BackoffBase:       time.Minute,
		HeartbeatInterval: time.Hour,
		StalledAfter:      5 * time.Minute,
		Logger:            slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	m.now = func() time.Time { return t0 }

	return &testEnv{m: m, backend: backend, logs: logs}
}

// runOnce claims the next job of a type and processes it synchronously
func (e *testEnv) runOnce(t *testing.T, jobType domain.JobType, handler Handler) *domain.Job {
	t.Helper()
	ctx := context.Background()

	job, err := e.backend.Dequeue(ctx, jobType, "w1", e.m.now())
	require.NoError(t, err)

	p := newPool(ctx, e.m, jobType, handler)
	p.processJob(ctx, job, "w1")

	got, err := e.backend.Get(ctx, job.ID)
	require.NoError(t, err)
	return got
}

func (e *testEnv) get(t *testing.T, id int64) *domain.Job {
	t.Helper()
	job, err := e.backend.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

// recordingHandler counts executions and terminal failures
type recordingHandler struct {
	err      error
	result   any
	runs     atomic.Int32
	onErrors atomic.Int32
	mu       sync.Mutex
	executed []int64
}

func (h *recordingHandler) Execute(_ context.Context, job *domain.Job) (any, error) {
	h.runs.Add(1)
	h.mu.Lock()
	h.executed = append(h.executed, job.ID)
	h.mu.Unlock()
	return h.result, h.err
}

func (h *recordingHandler) OnError(_ context.Context, _ *domain.Job, _ error) error {
	h.onErrors.Add(1)
	return nil
}

func (h *recordingHandler) executedIDs() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.executed...)
}

var errBoom = errors.New("boom")
