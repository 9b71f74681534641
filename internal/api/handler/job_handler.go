package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/cuongbtq/transcode-orchestrator/internal/api/dto"
	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
	"github.com/cuongbtq/transcode-orchestrator/internal/jobqueue"
	"github.com/cuongbtq/transcode-orchestrator/internal/transcoding"
)

// ListJobs handles GET /api/v1/jobs/:state
// Lists local jobs in a state, "all" lists every state
func (h *JobHandler) ListJobs(c *gin.Context) {
	var state domain.JobState
	if raw := c.Param("state"); raw != "all" {
		st, err := domain.ParseJobState(raw)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		state = st
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "invalid query parameters")
		return
	}

	var jobType domain.JobType
	if req.JobType != "" {
		t, err := domain.ParseJobType(req.JobType)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		jobType = t
	}

	sort, err := domain.ParseSort(req.Sort, "-createdAt", "createdAt")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	page := dto.ListRequest{Start: req.Start, Count: req.Count}.Pagination()
	if err := page.Validate(); err != nil {
		respondError(c, h.logger, err)
		return
	}

	ctx := c.Request.Context()
	jobs, err := h.jobs.ListForAPI(ctx, jobqueue.ListOptions{
		State: state,
		Type:  jobType,
		Start: page.Start,
		Count: page.Count,
		Asc:   !sort.Desc,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	total, err := h.jobs.Count(ctx, state, jobType)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.ListResponse[dto.JobDTO]{
		Total: total,
		Data:  lo.Map(jobs, func(j *domain.Job, _ int) dto.JobDTO { return dto.NewJobDTO(j) }),
	})
}

// GetJob handles GET /api/v1/jobs/id/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// JobStats handles GET /api/v1/jobs/stats
func (h *JobHandler) JobStats(c *gin.Context) {
	stats, err := h.jobs.JobStats(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

// CreateTranscoding handles POST /api/v1/videos/:uuid/transcoding
// Enqueues the job building the runner jobs of a video
func (h *JobHandler) CreateTranscoding(c *gin.Context) {
	var req dto.CreateTranscodingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid transcoding request", slog.String("error", err.Error()))
		badRequest(c, "inputFileKey and inputResolution are required")
		return
	}

	if req.TranscodingType != "" && req.TranscodingType != domain.TranscodingTypeWebVideo &&
		req.TranscodingType != domain.TranscodingTypeHLS {
		badRequest(c, "transcodingType must be web-video or hls")
		return
	}

	payload := domain.TranscodingJobBuilderPayload{
		VideoUUID:       c.Param("uuid"),
		TranscodingType: req.TranscodingType,
		InputFileKey:    req.InputFileKey,
		InputResolution: req.InputResolution,
		InputFPS:        req.InputFPS,
		HasAudio:        req.HasAudio,
		IsAudioOnly:     req.IsAudioOnly,
		PreviewFileKey:  req.PreviewFileKey,
		IsNewVideo:      req.IsNewVideo,
		Resolutions:     req.Resolutions,
	}

	jobType := domain.JobTypeTranscodingJobBuilder
	if len(req.Resolutions) > 0 {
		jobType = domain.JobTypeVideoTranscoding
	}

	job, err := h.jobs.CreateJob(c.Request.Context(), jobqueue.CreateJobRequest{Type: jobType, Payload: payload})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("Transcoding requested",
		slog.String("video_uuid", payload.VideoUUID),
		slog.Int64("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
	)

	c.JSON(http.StatusAccepted, dto.CreatedJobResponse{JobID: job.ID, Type: job.Type})
}

// CreateLiveSession handles POST /api/v1/videos/:uuid/live-sessions
// Schedules the runner job transcoding a live stream
func (h *JobHandler) CreateLiveSession(c *gin.Context) {
	var req dto.CreateLiveSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "rtmpUrl and inputResolution are required")
		return
	}

	job, err := h.live.CreateLiveJob(c.Request.Context(), transcoding.LiveRequest{
		VideoUUID:       c.Param("uuid"),
		SessionID:       req.SessionID,
		RTMPURL:         req.RTMPURL,
		InputResolution: req.InputResolution,
		InputFPS:        req.InputFPS,
		HasAudio:        req.HasAudio,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	out := dto.NewRunnerJobDTO(job)
	out.PrivatePayload = job.PrivatePayload
	c.JSON(http.StatusCreated, out)
}
