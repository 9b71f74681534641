package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/transcode-orchestrator/internal/api/dto"
	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
	"github.com/cuongbtq/transcode-orchestrator/shared/objectstore"
)

// jobInputFiles holds the storage keys a runner may download, shared by VOD and studio jobs
type jobInputFiles struct {
	VideoUUID      string            `json:"videoUUID"`
	InputFileKey   string            `json:"inputFileKey"`
	PreviewFileKey string            `json:"previewFileKey"`
	TaskFileKeys   map[string]string `json:"taskFileKeys"`
}

// serveJobFile authorizes the runner on the job then streams the file selected by pick
func (h *RunnerJobHandler) serveJobFile(c *gin.Context, pick func(files jobInputFiles) string) {
	var req dto.JobTokenRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, "runnerToken and jobToken are required")
		return
	}

	r, ok := h.authenticate(c, req.RunnerToken)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	job, err := h.jobs.JobOfRunner(ctx, r, c.Param("uuid"), req.JobToken)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	var files jobInputFiles
	if err := json.Unmarshal(job.PrivatePayload, &files); err != nil {
		respondError(c, h.logger, err)
		return
	}
	if files.VideoUUID == "" || files.VideoUUID != c.Param("videoUUID") {
		respondError(c, h.logger, domain.ErrFileNotFound.WithMessage("video %s is not the input of this job", c.Param("videoUUID")))
		return
	}

	key := pick(files)
	if key == "" {
		respondError(c, h.logger, domain.ErrFileNotFound)
		return
	}

	rc, info, err := h.files.Open(ctx, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			err = domain.ErrFileNotFound.WithCause(err)
		}
		respondError(c, h.logger, err)
		return
	}
	defer rc.Close()

	h.logger.Debug("Serving job file to runner",
		slog.String("runner_name", r.Name),
		slog.String("job_uuid", job.UUID),
		slog.String("key", key),
	)

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, info.Size, contentType, rc, nil)
}

// MaxQualityFile handles POST /api/v1/runners/jobs/:uuid/files/videos/:videoUUID/max-quality
func (h *RunnerJobHandler) MaxQualityFile(c *gin.Context) {
	h.serveJobFile(c, func(f jobInputFiles) string { return f.InputFileKey })
}

// PreviewFile handles POST /api/v1/runners/jobs/:uuid/files/videos/:videoUUID/previews/max-quality
func (h *RunnerJobHandler) PreviewFile(c *gin.Context) {
	h.serveJobFile(c, func(f jobInputFiles) string { return f.PreviewFileKey })
}

// StudioTaskFile handles POST /api/v1/runners/jobs/:uuid/files/videos/:videoUUID/studio/task-files/:filename
func (h *RunnerJobHandler) StudioTaskFile(c *gin.Context) {
	filename := c.Param("filename")
	h.serveJobFile(c, func(f jobInputFiles) string { return f.TaskFileKeys[filename] })
}
