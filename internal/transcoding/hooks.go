package transcoding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
	"github.com/cuongbtq/transcode-orchestrator/internal/jobqueue"
	"github.com/cuongbtq/transcode-orchestrator/internal/runnerjob"
)

// Enqueuer creates local jobs
type Enqueuer interface {
	CreateJob(ctx context.Context, req jobqueue.CreateJobRequest) (*domain.Job, error)
	CreateSequentialJobFlow(ctx context.Context, jobs ...jobqueue.CreateJobRequest) ([]*domain.Job, error)
}

// Hooks folds runner job outcomes back into the local job queue
type Hooks struct {
	queue               Enqueuer
	events              VideoEvents
	moveToObjectStorage bool
	logger              *slog.Logger
}

var _ runnerjob.Callbacks = (*Hooks)(nil)

func NewHooks(queue Enqueuer, events VideoEvents, moveToObjectStorage bool, logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hooks{
		queue:               queue,
		events:              events,
		moveToObjectStorage: moveToObjectStorage,
		logger:              logger,
	}
}

func decodePrivate[T any](job *domain.RunnerJob) (T, error) {
	var v T
	if err := json.Unmarshal(job.PrivatePayload, &v); err != nil {
		return v, fmt.Errorf("failed to decode private payload of runner job %s: %w", job.UUID, err)
	}
	return v, nil
}

func outputResolution(job *domain.RunnerJob) (int, error) {
	var p struct {
		Output domain.RunnerJobOutputSpec `json:"output"`
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return 0, fmt.Errorf("failed to decode payload of runner job %s: %w", job.UUID, err)
	}
	return p.Output.Resolution, nil
}

// publishFlow runs the follow-up jobs of a new file in order: optional move to object storage,
// federation, then the notification
func (h *Hooks) publishFlow(ctx context.Context, videoUUID string, isNew bool, keys []string, notify string) error {
	var flow []jobqueue.CreateJobRequest

	if h.moveToObjectStorage && len(keys) > 0 {
		flow = append(flow, jobqueue.CreateJobRequest{
			Type:    domain.JobTypeMoveToObjectStorage,
			Payload: domain.MoveStoragePayload{VideoUUID: videoUUID, Keys: keys, IsNewVideo: isNew},
		})
	}

	flow = append(flow, jobqueue.CreateJobRequest{
		Type:    domain.JobTypeFederateVideo,
		Payload: domain.FederateVideoPayload{VideoUUID: videoUUID, IsNewVideo: isNew},
	})

	if notify != "" {
		flow = append(flow, jobqueue.CreateJobRequest{
			Type:    domain.JobTypeNotify,
			Payload: domain.NotifyPayload{Action: notify, VideoUUID: videoUUID},
		})
	}

	if _, err := h.queue.CreateSequentialJobFlow(ctx, flow...); err != nil {
		return fmt.Errorf("failed to create follow-up jobs: %w", err)
	}
	return nil
}

func (h *Hooks) VODCompleted(ctx context.Context, job *domain.RunnerJob, result domain.RunnerJobResult) error {
	private, err := decodePrivate[domain.RunnerJobVODPrivatePayload](job)
	if err != nil {
		return err
	}
	if private.VideoUUID == "" {
		return fmt.Errorf("runner job %s has no video", job.UUID)
	}

	resolution, err := outputResolution(job)
	if err != nil {
		return err
	}
	err = h.events.FileAdded(ctx, FileAddedEvent{
		VideoUUID:             private.VideoUUID,
		JobUUID:               job.UUID,
		JobType:               string(job.Type),
		Resolution:            resolution,
		VideoFileKey:          result.VideoFile,
		ResolutionPlaylistKey: result.ResolutionPlaylistFile,
	})
	if err != nil {
		return err
	}

	notify := ""
	if private.IsNewVideo {
		notify = domain.NotifyActionNewVideo
	}

	h.logger.Info("Video rendition transcoded by remote runner",
		slog.String("video_uuid", private.VideoUUID),
		slog.String("job_uuid", job.UUID),
		slog.Int("resolution", resolution),
	)

	keys := lo.Compact([]string{result.VideoFile, result.ResolutionPlaylistFile})
	return h.publishFlow(ctx, private.VideoUUID, private.IsNewVideo, keys, notify)
}

func (h *Hooks) StudioCompleted(ctx context.Context, job *domain.RunnerJob, result domain.RunnerJobResult) error {
	private, err := decodePrivate[domain.RunnerJobVideoStudioPrivatePayload](job)
	if err != nil {
		return err
	}

	err = h.events.FileAdded(ctx, FileAddedEvent{
		VideoUUID:              private.VideoUUID,
		JobUUID:                job.UUID,
		JobType:                string(job.Type),
		VideoFileKey:           result.VideoFile,
		ReplacesOriginalSource: true,
	})
	if err != nil {
		return err
	}

	h.logger.Info("Studio edition finished by remote runner",
		slog.String("video_uuid", private.VideoUUID),
		slog.String("job_uuid", job.UUID),
		slog.Int("tasks", len(private.OriginalTasks)),
	)

	return h.publishFlow(ctx, private.VideoUUID, false, lo.Compact([]string{result.VideoFile}), domain.NotifyActionStudioEditionDone)
}

func (h *Hooks) LiveChunk(ctx context.Context, job *domain.RunnerJob, update domain.RunnerJobLiveUpdate) error {
	private, err := decodePrivate[domain.RunnerJobLivePrivatePayload](job)
	if err != nil {
		return err
	}

	return h.events.LiveChunk(ctx, LiveChunkEvent{
		VideoUUID: private.VideoUUID,
		SessionID: private.SessionID,
		Update:    update,
	})
}

func (h *Hooks) LiveEnded(ctx context.Context, job *domain.RunnerJob) error {
	private, err := decodePrivate[domain.RunnerJobLivePrivatePayload](job)
	if err != nil {
		return err
	}

	if err := h.events.LiveEnded(ctx, private.VideoUUID, private.SessionID); err != nil {
		return err
	}

	_, err = h.queue.CreateJob(ctx, jobqueue.CreateJobRequest{
		Type: domain.JobTypeVideoLiveEnding,
		Payload: domain.VideoLiveEndingPayload{
			VideoUUID:       private.VideoUUID,
			SessionID:       private.SessionID,
			OutputKeyPrefix: private.OutputKeyPrefix,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create live ending job: %w", err)
	}
	return nil
}

// Failed runs once when a runner job errors terminally
func (h *Hooks) Failed(ctx context.Context, job *domain.RunnerJob, message string) error {
	private, err := decodePrivate[struct {
		VideoUUID  string `json:"videoUUID"`
		IsNewVideo bool   `json:"isNewVideo"`
	}](job)
	if err != nil {
		return err
	}

	h.logger.Error("Remote transcoding failed",
		slog.String("video_uuid", private.VideoUUID),
		slog.String("job_uuid", job.UUID),
		slog.String("job_type", string(job.Type)),
		slog.String("error_message", message),
	)

	err = h.events.TranscodingFailed(ctx, FailureEvent{
		VideoUUID: private.VideoUUID,
		JobUUID:   job.UUID,
		JobType:   string(job.Type),
		Message:   message,
	})
	if err != nil {
		return err
	}

	_, err = h.queue.CreateJob(ctx, jobqueue.CreateJobRequest{
		Type:    domain.JobTypeNotify,
		Payload: domain.NotifyPayload{Action: domain.NotifyActionTranscodingFailed, VideoUUID: private.VideoUUID},
	})
	if err != nil {
		return fmt.Errorf("failed to create failure notification: %w", err)
	}
	return nil
}
