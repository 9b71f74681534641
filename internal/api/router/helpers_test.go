package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/transcode-orchestrator/internal/api/handler"
	"github.com/cuongbtq/transcode-orchestrator/internal/auth"
	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
	"github.com/cuongbtq/transcode-orchestrator/internal/jobqueue"
	"github.com/cuongbtq/transcode-orchestrator/internal/runner"
	"github.com/cuongbtq/transcode-orchestrator/internal/runnerjob"
	"github.com/cuongbtq/transcode-orchestrator/internal/transcoding"
	"github.com/cuongbtq/transcode-orchestrator/shared/objectstore"
	"github.com/cuongbtq/transcode-orchestrator/shared/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testRunnerToken = "ptrt-runner-1"
	testJobToken    = "ptrjt-job-1"
	testSecret      = "test-secret"
)

type fakeRunners struct {
	mu        sync.Mutex
	runners   map[string]*domain.Runner
	deleted   []int64
	listOpts  runner.ListOptions
	tokensDel []int64
}

func newFakeRunners() *fakeRunners {
	return &fakeRunners{runners: map[string]*domain.Runner{
		testRunnerToken: {ID: 1, Name: "runner-1", RunnerToken: testRunnerToken},
	}}
}

func (f *fakeRunners) Register(_ context.Context, req runner.RegisterRequest) (*domain.Runner, error) {
	if req.RegistrationToken != "ptrrt-ok" {
		return nil, domain.ErrInvalidRegistrationToken
	}
	return &domain.Runner{ID: 2, Name: req.Name, RunnerToken: "ptrt-new", IP: req.IP}, nil
}

func (f *fakeRunners) Unregister(_ context.Context, runnerToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runners[runnerToken]; !ok {
		return domain.ErrInvalidRunnerToken
	}
	delete(f.runners, runnerToken)
	return nil
}

func (f *fakeRunners) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRunners) List(_ context.Context, opts runner.ListOptions) ([]*domain.Runner, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listOpts = opts
	if err := opts.Pagination.Validate(); err != nil {
		return nil, 0, err
	}
	return []*domain.Runner{f.runners[testRunnerToken]}, 1, nil
}

func (f *fakeRunners) Authenticate(_ context.Context, runnerToken, _ string) (*domain.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runners[runnerToken]
	if !ok {
		return nil, domain.ErrInvalidRunnerToken
	}
	return r, nil
}

func (f *fakeRunners) GenerateRegistrationToken(context.Context) (*domain.RunnerRegistrationToken, error) {
	return &domain.RunnerRegistrationToken{ID: 3, RegistrationToken: "ptrrt-generated"}, nil
}

func (f *fakeRunners) ListRegistrationTokens(_ context.Context, _ runner.ListOptions) ([]*domain.RunnerRegistrationToken, int, error) {
	return []*domain.RunnerRegistrationToken{{ID: 3, RegistrationToken: "ptrrt-generated", RegisteredRunnersCount: 1}}, 1, nil
}

func (f *fakeRunners) DeleteRegistrationToken(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokensDel = append(f.tokensDel, id)
	return nil
}

// fakeRunnerJobs keeps just enough of the protocol state to drive the handlers
type fakeRunnerJobs struct {
	mu        sync.Mutex
	jobs      map[string]*domain.RunnerJob
	updates   []runnerjob.UpdateRequest
	successes []runnerjob.SuccessRequest
	errors    []string
	cancelled []string
	adminOpts runnerjob.AdminListOptions
}

func newFakeRunnerJobs(jobs ...*domain.RunnerJob) *fakeRunnerJobs {
	f := &fakeRunnerJobs{jobs: make(map[string]*domain.RunnerJob)}
	for _, j := range jobs {
		f.jobs[j.UUID] = j
	}
	return f
}

func (f *fakeRunnerJobs) Handler(t domain.RunnerJobType) (runnerjob.Handler, error) {
	return runnerjob.HandlerFor(t, nil)
}

func (f *fakeRunnerJobs) Request(_ context.Context, _ *domain.Runner, types []domain.RunnerJobType) ([]*domain.RunnerJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.RunnerJob
	for _, j := range f.jobs {
		if j.State == domain.RunnerJobStatePending && (len(types) == 0 || slices.Contains(types, j.Type)) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeRunnerJobs) Accept(_ context.Context, r *domain.Runner, jobUUID string) (*domain.RunnerJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobUUID]
	if !ok {
		return nil, domain.ErrRunnerJobNotFound
	}
	if j.State != domain.RunnerJobStatePending {
		return nil, domain.ErrRunnerJobNotPending
	}
	token := testJobToken
	j.State = domain.RunnerJobStateProcessing
	j.RunnerID = &r.ID
	j.ProcessingJobToken = &token
	return j, nil
}

func (f *fakeRunnerJobs) JobOfRunner(_ context.Context, r *domain.Runner, jobUUID, jobToken string, states ...domain.RunnerJobState) (*domain.RunnerJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(states) == 0 {
		states = []domain.RunnerJobState{domain.RunnerJobStateProcessing}
	}
	j, ok := f.jobs[jobUUID]
	if !ok || j.RunnerID == nil || *j.RunnerID != r.ID {
		return nil, domain.ErrRunnerJobNotFound
	}
	if j.State == domain.RunnerJobStateCancelled || j.State == domain.RunnerJobStateParentCancelled {
		return nil, domain.ErrRunnerJobNotFound
	}
	if !slices.Contains(states, j.State) {
		return nil, domain.ErrRunnerJobNotProcessing
	}
	if j.State == domain.RunnerJobStateProcessing && !j.HoldsToken(r.ID, jobToken) {
		return nil, domain.ErrInvalidJobToken
	}
	return j, nil
}

func (f *fakeRunnerJobs) Update(_ context.Context, _ *domain.Runner, req runnerjob.UpdateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, req)
	return nil
}

func (f *fakeRunnerJobs) Error(ctx context.Context, r *domain.Runner, jobUUID, jobToken, message string) error {
	if _, err := f.JobOfRunner(ctx, r, jobUUID, jobToken); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, message)
	return nil
}

func (f *fakeRunnerJobs) Abort(ctx context.Context, r *domain.Runner, jobUUID, jobToken, _ string) error {
	_, err := f.JobOfRunner(ctx, r, jobUUID, jobToken)
	return err
}

func (f *fakeRunnerJobs) Success(_ context.Context, _ *domain.Runner, req runnerjob.SuccessRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, req)
	return nil
}

func (f *fakeRunnerJobs) Cancel(_ context.Context, jobUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobUUID]
	if !ok {
		return domain.ErrRunnerJobNotFound
	}
	if j.State == domain.RunnerJobStateCompleted {
		return domain.ErrRunnerJobNotCancellable
	}
	j.State = domain.RunnerJobStateCancelled
	j.ProcessingJobToken = nil
	f.cancelled = append(f.cancelled, jobUUID)
	return nil
}

func (f *fakeRunnerJobs) Delete(_ context.Context, jobUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[jobUUID]; !ok {
		return domain.ErrRunnerJobNotFound
	}
	delete(f.jobs, jobUUID)
	return nil
}

func (f *fakeRunnerJobs) ListForAdmin(_ context.Context, opts runnerjob.AdminListOptions) ([]*domain.RunnerJobDetails, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adminOpts = opts
	var out []*domain.RunnerJobDetails
	for _, j := range f.jobs {
		out = append(out, &domain.RunnerJobDetails{RunnerJob: *j})
	}
	return out, len(out), nil
}

type fakeQueue struct {
	mu       sync.Mutex
	created  []jobqueue.CreateJobRequest
	listOpts jobqueue.ListOptions
	jobs     []*domain.Job
}

func (f *fakeQueue) CreateJob(_ context.Context, req jobqueue.CreateJobRequest) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return &domain.Job{ID: int64(len(f.created)), Type: req.Type}, nil
}

func (f *fakeQueue) GetJob(_ context.Context, id int64) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, domain.ErrJobNotFound
}

func (f *fakeQueue) ListForAPI(_ context.Context, opts jobqueue.ListOptions) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listOpts = opts
	return f.jobs, nil
}

func (f *fakeQueue) Count(context.Context, domain.JobState, domain.JobType) (int, error) {
	return len(f.jobs), nil
}

func (f *fakeQueue) JobStats(context.Context) ([]jobqueue.TypeStats, error) {
	return []jobqueue.TypeStats{{JobType: domain.JobTypeEmail, Counts: map[domain.JobState]int{domain.JobStateFailed: 2}}}, nil
}

type fakeLive struct {
	requests []transcoding.LiveRequest
}

func (f *fakeLive) CreateLiveJob(_ context.Context, req transcoding.LiveRequest) (*domain.RunnerJob, error) {
	f.requests = append(f.requests, req)
	return &domain.RunnerJob{
		UUID:           "live-job",
		Type:           domain.RunnerJobTypeLiveRTMPHLS,
		State:          domain.RunnerJobStatePending,
		PrivatePayload: json.RawMessage(`{"sessionId":"s1"}`),
	}, nil
}

type testEnv struct {
	router  *gin.Engine
	runners *fakeRunners
	jobs    *fakeRunnerJobs
	queue   *fakeQueue
	live    *fakeLive
	files   objectstore.Store
	tokens  *auth.TokenService
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter, jobs ...*domain.RunnerJob) *testEnv {
	t.Helper()

	files, err := objectstore.NewLocal(t.TempDir())
	require.NoError(t, err)

	env := &testEnv{
		runners: newFakeRunners(),
		jobs:    newFakeRunnerJobs(jobs...),
		queue:   &fakeQueue{},
		live:    &fakeLive{},
		files:   files,
		tokens:  auth.NewTokenService(testSecret, "orchestrator", time.Hour),
	}

	deps := &handler.Dependencies{
		Logger:        slog.New(slog.DiscardHandler),
		Runners:       env.runners,
		RunnerJobs:    env.jobs,
		Jobs:          env.queue,
		Live:          env.live,
		Files:         files,
		MaxUploadSize: 1 << 20,
	}
	env.router = SetupRouter(deps, Options{Tokens: env.tokens, Limiter: limiter})
	return env
}

func (e *testEnv) adminToken(t *testing.T, rights ...string) string {
	t.Helper()
	token, err := e.tokens.Issue("admin", rights, 0)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	req.RemoteAddr = "192.0.2.10:4000"
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func (e *testEnv) admin(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return e.do(req)
}

type upload struct {
	field    string
	filename string
	content  string
}

func (e *testEnv) postMultipart(t *testing.T, path string, values map[string]string, files ...upload) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range values {
		require.NoError(t, w.WriteField(k, v))
	}
	for _, f := range files {
		part, err := w.CreateFormFile(f.field, f.filename)
		require.NoError(t, err)
		_, err = io.WriteString(part, f.content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return e.do(req)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func pendingJob(uuid string, t domain.RunnerJobType) *domain.RunnerJob {
	return &domain.RunnerJob{
		ID:      1,
		UUID:    uuid,
		Type:    t,
		State:   domain.RunnerJobStatePending,
		Payload: json.RawMessage(`{"output":{"resolution":720}}`),
	}
}

func processingJob(uuid string, t domain.RunnerJobType, private string) *domain.RunnerJob {
	runnerID := int64(1)
	token := testJobToken
	j := pendingJob(uuid, t)
	j.State = domain.RunnerJobStateProcessing
	j.RunnerID = &runnerID
	j.ProcessingJobToken = &token
	j.PrivatePayload = json.RawMessage(private)
	return j
}
