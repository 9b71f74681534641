package transcoding

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/cuongbtq/transcode-orchestrator/internal/config"
	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
	"github.com/cuongbtq/transcode-orchestrator/internal/runnerjob"
)

// Runner job priorities. Runners pick the lowest value first, so the max quality job of every
// video runs before the lower renditions of other videos.
const (
	priorityMaxQuality = 0
	priorityLadder     = 100
	priorityStudio     = 50
	priorityLive       = 0
)

// RunnerJobCreator schedules runner jobs
type RunnerJobCreator interface {
	Create(ctx context.Context, req runnerjob.CreateRequest) (*domain.RunnerJob, error)
	// CreateWithChildren creates every job or none
	CreateWithChildren(ctx context.Context, parent *runnerjob.CreateRequest, children []runnerjob.CreateRequest) ([]*domain.RunnerJob, error)
}

// Builder materializes the runner jobs of a transcoding request
type Builder struct {
	jobs      RunnerJobCreator
	publicURL string
	cfg       config.TranscodingConfig
	logger    *slog.Logger
}

func NewBuilder(jobs RunnerJobCreator, publicURL string, cfg config.TranscodingConfig, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Builder{
		jobs:      jobs,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		cfg:       cfg,
		logger:    logger,
	}
}

// fileURL is where a runner downloads an input file of a job through the file gateway
func (b *Builder) fileURL(jobUUID, videoUUID string, parts ...string) string {
	segments := append([]string{"api", "v1", "runners", "jobs", jobUUID, "files", "videos", videoUUID}, parts...)
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return b.publicURL + "/" + strings.Join(segments, "/")
}

func (b *Builder) transcodingType(requested string) (string, error) {
	switch requested {
	case domain.TranscodingTypeWebVideo, domain.TranscodingTypeHLS:
		return requested, nil
	case "":
		if b.cfg.WebVideosEnabled {
			return domain.TranscodingTypeWebVideo, nil
		}
		if b.cfg.HLSEnabled {
			return domain.TranscodingTypeHLS, nil
		}
		return "", nil
	}
	return "", fmt.Errorf("unknown transcoding type %q", requested)
}

func vodJobType(transcodingType string) domain.RunnerJobType {
	if transcodingType == domain.TranscodingTypeHLS {
		return domain.RunnerJobTypeVODHLS
	}
	return domain.RunnerJobTypeVODWebVideo
}

// CreateVODJobs creates the max quality job of a video and the lower renditions waiting on it.
// When p.Resolutions is set only those renditions are created, without a max quality job.
func (b *Builder) CreateVODJobs(ctx context.Context, p domain.TranscodingJobBuilderPayload) ([]*domain.RunnerJob, error) {
	if p.VideoUUID == "" || p.InputFileKey == "" {
		return nil, domain.ErrInvalidPayload.WithMessage("videoUUID and inputFileKey are required")
	}

	tt, err := b.transcodingType(p.TranscodingType)
	if err != nil {
		return nil, domain.ErrInvalidPayload.WithCause(err)
	}
	if tt == "" {
		b.logger.Info("Transcoding is disabled, no runner job created", slog.String("video_uuid", p.VideoUUID))
		return nil, nil
	}

	private := domain.RunnerJobVODPrivatePayload{
		VideoUUID:      p.VideoUUID,
		IsNewVideo:     p.IsNewVideo,
		InputFileKey:   p.InputFileKey,
		PreviewFileKey: p.PreviewFileKey,
	}

	if len(p.Resolutions) > 0 {
		reqs := lo.Map(p.Resolutions, func(res int, _ int) runnerjob.CreateRequest {
			return b.vodRequest(vodJobType(tt), res, p.InputFPS, private, priorityLadder)
		})
		jobs, err := b.jobs.CreateWithChildren(ctx, nil, reqs)
		if err != nil {
			return nil, fmt.Errorf("failed to create runner jobs of video %s: %w", p.VideoUUID, err)
		}
		return jobs, nil
	}

	maxRes := MaxQualityResolution(p.InputResolution, b.cfg.Resolutions, b.cfg.AlwaysTranscodeOriginalResolution)

	maxType := vodJobType(tt)
	if p.IsAudioOnly {
		if p.PreviewFileKey == "" {
			return nil, domain.ErrInvalidPayload.WithMessage("previewFileKey is required to merge an audio file")
		}
		maxType = domain.RunnerJobTypeVODAudioMerge
	}

	parent := b.vodRequest(maxType, maxRes, p.InputFPS, private, priorityMaxQuality)

	// Lower renditions start from the source key; it is replaced by the max quality output
	// once that job succeeds.
	private.IsNewVideo = false
	private.PreviewFileKey = ""
	children := lo.Map(LadderResolutions(maxRes, b.cfg.Resolutions, p.HasAudio || p.IsAudioOnly), func(res int, _ int) runnerjob.CreateRequest {
		return b.vodRequest(vodJobType(tt), res, p.InputFPS, private, priorityLadder)
	})

	jobs, err := b.jobs.CreateWithChildren(ctx, &parent, children)
	if err != nil {
		return nil, fmt.Errorf("failed to create runner jobs of video %s: %w", p.VideoUUID, err)
	}

	b.logger.Info("Runner jobs created for video",
		slog.String("video_uuid", p.VideoUUID),
		slog.String("transcoding_type", tt),
		slog.Int("max_resolution", maxRes),
		slog.Int("jobs", len(jobs)),
	)

	return jobs, nil
}

func (b *Builder) vodRequest(jobType domain.RunnerJobType, resolution, inputFPS int,
	private domain.RunnerJobVODPrivatePayload, priority int) runnerjob.CreateRequest {
	jobUUID := uuid.NewString()
	output := domain.RunnerJobOutputSpec{
		Resolution: resolution,
		FPS:        OutputFPS(resolution, inputFPS, b.cfg.MaxFPS),
	}

	var payload any
	switch jobType {
	case domain.RunnerJobTypeVODAudioMerge:
		p := domain.RunnerJobVODAudioMergePayload{Output: output}
		p.Input.AudioFileURL = b.fileURL(jobUUID, private.VideoUUID, "max-quality")
		p.Input.PreviewFileURL = b.fileURL(jobUUID, private.VideoUUID, "previews", "max-quality")
		payload = p
	case domain.RunnerJobTypeVODHLS:
		payload = domain.RunnerJobVODHLSPayload{
			Input:  domain.RunnerJobVODInput{VideoFileURL: b.fileURL(jobUUID, private.VideoUUID, "max-quality")},
			Output: output,
		}
	default:
		payload = domain.RunnerJobVODWebVideoPayload{
			Input:  domain.RunnerJobVODInput{VideoFileURL: b.fileURL(jobUUID, private.VideoUUID, "max-quality")},
			Output: output,
		}
	}

	return runnerjob.CreateRequest{
		UUID:           jobUUID,
		Type:           jobType,
		Payload:        payload,
		PrivatePayload: private,
		Priority:       priority,
	}
}

// CreateStudioJob creates the runner job applying studio edition tasks to a video
func (b *Builder) CreateStudioJob(ctx context.Context, p domain.VideoStudioEditionPayload) (*domain.RunnerJob, error) {
	if p.VideoUUID == "" || p.InputFileKey == "" {
		return nil, domain.ErrInvalidPayload.WithMessage("videoUUID and inputFileKey are required")
	}
	if len(p.Tasks) == 0 {
		return nil, domain.ErrInvalidPayload.WithMessage("at least one studio task is required")
	}

	jobUUID := uuid.NewString()

	tasks := make([]domain.VideoStudioTask, len(p.Tasks))
	for i, task := range p.Tasks {
		options := make(map[string]any, len(task.Options))
		for k, v := range task.Options {
			if name, ok := v.(string); ok {
				if _, isFile := p.TaskFileKeys[name]; isFile {
					v = b.fileURL(jobUUID, p.VideoUUID, "studio", "task-files", name)
				}
			}
			options[k] = v
		}
		tasks[i] = domain.VideoStudioTask{Name: task.Name, Options: options}
	}

	job, err := b.jobs.Create(ctx, runnerjob.CreateRequest{
		UUID: jobUUID,
		Type: domain.RunnerJobTypeVideoStudio,
		Payload: domain.RunnerJobVideoStudioPayload{
			Input: domain.RunnerJobVODInput{VideoFileURL: b.fileURL(jobUUID, p.VideoUUID, "max-quality")},
			Tasks: tasks,
		},
		PrivatePayload: domain.RunnerJobVideoStudioPrivatePayload{
			VideoUUID:     p.VideoUUID,
			InputFileKey:  p.InputFileKey,
			TaskFileKeys:  p.TaskFileKeys,
			OriginalTasks: p.Tasks,
		},
		Priority: priorityStudio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create studio runner job: %w", err)
	}

	b.logger.Info("Studio runner job created",
		slog.String("video_uuid", p.VideoUUID),
		slog.String("job_uuid", job.UUID),
		slog.Int("tasks", len(tasks)),
	)
	return job, nil
}

// LiveRequest describes a live session to transcode remotely
type LiveRequest struct {
	VideoUUID       string
	SessionID       string
	RTMPURL         string
	InputResolution int
	InputFPS        int
	HasAudio        bool
}

// CreateLiveJob creates the runner job transcoding a live session into HLS
func (b *Builder) CreateLiveJob(ctx context.Context, req LiveRequest) (*domain.RunnerJob, error) {
	if req.VideoUUID == "" || req.RTMPURL == "" {
		return nil, domain.ErrInvalidPayload.WithMessage("videoUUID and rtmpUrl are required")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	var payload domain.RunnerJobLiveRTMPHLSPayload
	payload.Input.RTMPURL = req.RTMPURL
	payload.Output.SegmentDuration = b.cfg.Live.SegmentDuration
	payload.Output.SegmentListSize = b.cfg.Live.SegmentListSize

	resolutions := append([]int{req.InputResolution}, LadderResolutions(req.InputResolution, b.cfg.Live.Resolutions, req.HasAudio)...)
	for _, res := range resolutions {
		payload.Output.ToTranscode = append(payload.Output.ToTranscode, domain.RunnerJobOutputSpec{
			Resolution: res,
			FPS:        OutputFPS(res, req.InputFPS, b.cfg.MaxFPS),
		})
	}

	job, err := b.jobs.Create(ctx, runnerjob.CreateRequest{
		Type:    domain.RunnerJobTypeLiveRTMPHLS,
		Payload: payload,
		PrivatePayload: domain.RunnerJobLivePrivatePayload{
			VideoUUID:       req.VideoUUID,
			SessionID:       req.SessionID,
			OutputKeyPrefix: LiveOutputPrefix(req.VideoUUID, req.SessionID),
		},
		Priority: priorityLive,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create live runner job: %w", err)
	}

	b.logger.Info("Live runner job created",
		slog.String("video_uuid", req.VideoUUID),
		slog.String("session_id", req.SessionID),
		slog.Int("renditions", len(resolutions)),
	)
	return job, nil
}

// LiveOutputPrefix is the storage prefix of the HLS files of a live session
func LiveOutputPrefix(videoUUID, sessionID string) string {
	return "streaming-playlists/live/" + videoUUID + "/" + sessionID
}
