package transcoding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
	"github.com/cuongbtq/transcode-orchestrator/internal/jobqueue"
	"github.com/cuongbtq/transcode-orchestrator/shared/objectstore"
)

// Objects moved per progress report
const moveBatchSize = 20

// LocalHandlers executes the local job types handled inside the orchestrator and forwards the
// others to the services owning them
type LocalHandlers struct {
	builder   *Builder
	events    VideoEvents
	local     objectstore.Store
	remote    objectstore.Store
	forwarder *Forwarder
	logger    *slog.Logger
}

// NewLocalHandlers builds the handlers. local and remote may be nil when that storage is not configured.
func NewLocalHandlers(builder *Builder, events VideoEvents, local, remote objectstore.Store,
	publisher Publisher, exchange string, logger *slog.Logger) *LocalHandlers {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LocalHandlers{
		builder:   builder,
		events:    events,
		local:     local,
		remote:    remote,
		forwarder: NewForwarder(publisher, exchange),
		logger:    logger,
	}
}

// Register binds a handler to every local job type
func (h *LocalHandlers) Register(r *jobqueue.Registry) *jobqueue.Registry {
	own := []domain.JobType{
		domain.JobTypeTranscodingJobBuilder,
		domain.JobTypeVideoTranscoding,
		domain.JobTypeVideoStudioEdition,
		domain.JobTypeMoveToObjectStorage,
		domain.JobTypeMoveToFileSystem,
	}

	r.RegisterAll(lo.Without(domain.JobTypes, own...), h.forwarder)

	return r.
		Register(domain.JobTypeTranscodingJobBuilder, &buildHandler{h: h, build: h.buildTranscodingJobs}).
		Register(domain.JobTypeVideoTranscoding, &buildHandler{h: h, build: h.transcodeResolutions}).
		Register(domain.JobTypeVideoStudioEdition, &buildHandler{h: h, build: h.studioEdition}).
		Register(domain.JobTypeMoveToObjectStorage, &moveHandler{h: h, toObjectStorage: true}).
		Register(domain.JobTypeMoveToFileSystem, &moveHandler{h: h})
}

// decodePayload fails unrecoverably since retrying cannot fix a malformed payload
func decodePayload[T any](job *domain.Job) (T, error) {
	var v T
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return v, domain.NewUnrecoverableError(domain.ErrInvalidPayload.WithCause(err))
	}
	return v, nil
}

func unrecoverableIfInvalid(err error) error {
	if domain.KindOf(err) == domain.KindValidation {
		return domain.NewUnrecoverableError(err)
	}
	return err
}

type runnerJobsResult struct {
	RunnerJobs []string `json:"runnerJobs"`
}

func jobUUIDs(jobs []*domain.RunnerJob) runnerJobsResult {
	return runnerJobsResult{RunnerJobs: lo.Map(jobs, func(j *domain.RunnerJob, _ int) string { return j.UUID })}
}

// videoOf decodes the video a local job works on
func videoOf(job *domain.Job) (string, error) {
	var p struct {
		VideoUUID string `json:"videoUUID"`
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return "", fmt.Errorf("failed to decode payload of job %d: %w", job.ID, err)
	}
	if p.VideoUUID == "" {
		return "", fmt.Errorf("job %d has no video", job.ID)
	}
	return p.VideoUUID, nil
}

// buildHandler creates the runner jobs of a video. When that fails for good the video is
// reported as failed since no runner job exists to do it.
type buildHandler struct {
	h     *LocalHandlers
	build func(ctx context.Context, job *domain.Job) (any, error)
}

func (b *buildHandler) Execute(ctx context.Context, job *domain.Job) (any, error) {
	return b.build(ctx, job)
}

func (b *buildHandler) OnError(ctx context.Context, job *domain.Job, err error) error {
	videoUUID, decodeErr := videoOf(job)
	if decodeErr != nil {
		return decodeErr
	}

	return b.h.events.TranscodingFailed(ctx, FailureEvent{
		VideoUUID: videoUUID,
		JobType:   string(job.Type),
		Message:   err.Error(),
	})
}

func (h *LocalHandlers) buildTranscodingJobs(ctx context.Context, job *domain.Job) (any, error) {
	p, err := decodePayload[domain.TranscodingJobBuilderPayload](job)
	if err != nil {
		return nil, err
	}
	jobs, err := h.builder.CreateVODJobs(ctx, p)
	if err != nil {
		return nil, unrecoverableIfInvalid(err)
	}
	return jobUUIDs(jobs), nil
}

func (h *LocalHandlers) transcodeResolutions(ctx context.Context, job *domain.Job) (any, error) {
	p, err := decodePayload[domain.TranscodingJobBuilderPayload](job)
	if err != nil {
		return nil, err
	}
	if len(p.Resolutions) == 0 {
		return nil, domain.NewUnrecoverableError(domain.ErrInvalidPayload.WithMessage("resolutions are required"))
	}
	jobs, err := h.builder.CreateVODJobs(ctx, p)
	if err != nil {
		return nil, unrecoverableIfInvalid(err)
	}
	return jobUUIDs(jobs), nil
}

func (h *LocalHandlers) studioEdition(ctx context.Context, job *domain.Job) (any, error) {
	p, err := decodePayload[domain.VideoStudioEditionPayload](job)
	if err != nil {
		return nil, err
	}
	rj, err := h.builder.CreateStudioJob(ctx, p)
	if err != nil {
		return nil, unrecoverableIfInvalid(err)
	}
	return jobUUIDs([]*domain.RunnerJob{rj}), nil
}

// moveHandler copies video files between the local file system and object storage, then
// removes the source copies
type moveHandler struct {
	h               *LocalHandlers
	toObjectStorage bool
}

func (m *moveHandler) Execute(ctx context.Context, job *domain.Job) (any, error) {
	if m.h.remote == nil || m.h.local == nil {
		return nil, domain.NewUnrecoverableError(errors.New("moving files needs both local and object storage"))
	}

	p, err := decodePayload[domain.MoveStoragePayload](job)
	if err != nil {
		return nil, err
	}

	src, dst := m.h.remote, m.h.local
	if m.toObjectStorage {
		src, dst = m.h.local, m.h.remote
	}

	keys := lo.Uniq(lo.Compact(p.Keys))
	for i, batch := range lo.Chunk(keys, moveBatchSize) {
		if err := objectstore.Transfer(ctx, src, dst, batch, 0, true); err != nil {
			return nil, fmt.Errorf("failed to move files of video %s: %w", p.VideoUUID, err)
		}
		done := min(len(keys), (i+1)*moveBatchSize)
		if err := jobqueue.ReportProgress(ctx, done*100/len(keys)); err != nil {
			m.h.logger.Warn("Failed to report move progress", slog.Int64("job_id", job.ID), slog.Any("error", err))
		}
	}

	m.h.logger.Info("Video files moved",
		slog.String("video_uuid", p.VideoUUID),
		slog.Bool("to_object_storage", m.toObjectStorage),
		slog.Int("files", len(keys)),
	)
	return map[string]int{"moved": len(keys)}, nil
}

func (m *moveHandler) OnError(ctx context.Context, job *domain.Job, err error) error {
	videoUUID, decodeErr := videoOf(job)
	if decodeErr != nil {
		return decodeErr
	}

	return m.h.events.StorageMoveFailed(ctx, FailureEvent{
		VideoUUID: videoUUID,
		JobType:   string(job.Type),
		Message:   err.Error(),
	})
}

// ForwardRoutingKey is the routing key jobs of a type are forwarded with
func ForwardRoutingKey(jobType domain.JobType) string {
	return "jobs." + string(jobType)
}

// Forwarder hands a local job over to the service subscribed to its routing key
type Forwarder struct {
	publisher Publisher
	exchange  string
}

func NewForwarder(publisher Publisher, exchange string) *Forwarder {
	return &Forwarder{publisher: publisher, exchange: exchange}
}

func (f *Forwarder) Execute(ctx context.Context, job *domain.Job) (any, error) {
	msg := domain.ForwardedJob{
		JobID:    job.ID,
		JobType:  job.Type,
		Payload:  job.Payload,
		Attempt:  job.AttemptsMade,
		Priority: job.Priority,
	}
	routingKey := ForwardRoutingKey(job.Type)
	if err := f.publisher.PublishJSON(ctx, f.exchange, routingKey, msg); err != nil {
		return nil, fmt.Errorf("failed to forward job %d: %w", job.ID, err)
	}
	return map[string]string{"forwardedTo": routingKey}, nil
}
