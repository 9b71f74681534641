package handler

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/cuongbtq/transcode-orchestrator/internal/api/dto"
	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
	"github.com/cuongbtq/transcode-orchestrator/internal/runnerjob"
	"github.com/cuongbtq/transcode-orchestrator/shared/objectstore"
)

// Prefix of the storage keys of files uploaded by runners
const uploadPrefix = "runner-jobs"

func (h *RunnerJobHandler) authenticate(c *gin.Context, runnerToken string) (*domain.Runner, bool) {
	r, err := h.runners.Authenticate(c.Request.Context(), runnerToken, c.ClientIP())
	if err != nil {
		if errors.Is(err, domain.ErrRunnerNotFound) {
			err = domain.ErrInvalidRunnerToken
		}
		respondError(c, h.logger, err)
		return nil, false
	}
	return r, true
}

// Request handles POST /api/v1/runners/jobs/request
func (h *RunnerJobHandler) Request(c *gin.Context) {
	var req dto.RequestJobsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "runnerToken is required")
		return
	}

	r, ok := h.authenticate(c, req.RunnerToken)
	if !ok {
		return
	}

	types := make([]domain.RunnerJobType, 0, len(req.JobTypes))
	for _, raw := range req.JobTypes {
		t, err := domain.ParseRunnerJobType(raw)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		types = append(types, t)
	}

	jobs, err := h.jobs.Request(c.Request.Context(), r, types)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.AvailableJobsResponse{
		AvailableJobs: lo.Map(jobs, func(j *domain.RunnerJob, _ int) dto.AvailableJobDTO {
			return dto.AvailableJobDTO{UUID: j.UUID, Type: j.Type, Payload: j.Payload}
		}),
	})
}

// Accept handles POST /api/v1/runners/jobs/:uuid/accept
func (h *RunnerJobHandler) Accept(c *gin.Context) {
	var req dto.RunnerTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "runnerToken is required")
		return
	}

	r, ok := h.authenticate(c, req.RunnerToken)
	if !ok {
		return
	}

	job, err := h.jobs.Accept(c.Request.Context(), r, c.Param("uuid"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	out := dto.NewRunnerJobDTO(job)
	out.JobToken = job.ProcessingJobToken
	c.JSON(http.StatusOK, dto.AcceptJobResponse{Job: out})
}

// Error handles POST /api/v1/runners/jobs/:uuid/error
func (h *RunnerJobHandler) Error(c *gin.Context) {
	var req dto.ErrorJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "runnerToken, jobToken and message are required")
		return
	}

	r, ok := h.authenticate(c, req.RunnerToken)
	if !ok {
		return
	}

	if err := h.jobs.Error(c.Request.Context(), r, c.Param("uuid"), req.JobToken, req.Message); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Abort handles POST /api/v1/runners/jobs/:uuid/abort
func (h *RunnerJobHandler) Abort(c *gin.Context) {
	var req dto.AbortJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "runnerToken, jobToken and reason are required")
		return
	}

	r, ok := h.authenticate(c, req.RunnerToken)
	if !ok {
		return
	}

	if err := h.jobs.Abort(c.Request.Context(), r, c.Param("uuid"), req.JobToken, req.Reason); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// uploadRequest is an update or success call, sent as JSON or as a multipart form with files
type uploadRequest struct {
	dto.UpdateJobRequest
	form *multipart.Form
}

func (h *RunnerJobHandler) bindUpload(c *gin.Context) (*uploadRequest, bool) {
	if c.ContentType() != gin.MIMEMultipartPOSTForm {
		var req dto.UpdateJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "runnerToken and jobToken are required")
			return nil, false
		}
		return &uploadRequest{UpdateJobRequest: req}, true
	}

	if h.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			respondError(c, h.logger, err)
			return nil, false
		}
		badRequest(c, "invalid multipart form")
		return nil, false
	}

	value := func(name string) string {
		if v := form.Value[name]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	req := &uploadRequest{form: form}
	req.RunnerToken = value("runnerToken")
	req.JobToken = value("jobToken")
	if req.RunnerToken == "" || req.JobToken == "" {
		badRequest(c, "runnerToken and jobToken are required")
		return nil, false
	}

	if raw := value("progress"); raw != "" {
		progress, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "progress must be an integer")
			return nil, false
		}
		req.Progress = &progress
	}

	// payload[name] fields make up the JSON payload
	payload := make(map[string]string)
	for name, values := range form.Value {
		if strings.HasPrefix(name, "payload[") && strings.HasSuffix(name, "]") && len(values) > 0 {
			payload[name[len("payload["):len(name)-1]] = values[0]
		}
	}
	if len(payload) > 0 {
		data, err := json.Marshal(payload)
		if err != nil {
			respondError(c, h.logger, err)
			return nil, false
		}
		req.Payload = data
	}

	return req, true
}

// storeFiles saves the uploaded files the job type accepts and returns their storage keys by field
func (h *RunnerJobHandler) storeFiles(c *gin.Context, job *domain.RunnerJob, req *uploadRequest, allowed []runnerjob.FileField) (map[string]string, error) {
	files := make(map[string]string)
	if req.form == nil {
		return files, nil
	}

	for field, headers := range req.form.File {
		if len(headers) == 0 {
			continue
		}
		accepted, ok := lo.Find(allowed, func(f runnerjob.FileField) bool { return f.Name == field })
		if !ok {
			return nil, domain.ErrInvalidResultFile.WithMessage("unexpected file field %s", field)
		}

		fh := headers[0]
		if !accepted.Accepts(fh.Filename) {
			return nil, domain.ErrInvalidResultFile.WithMessage("file %s has an unsupported extension", fh.Filename)
		}
		if h.maxUploadSize > 0 && fh.Size > h.maxUploadSize {
			return nil, domain.ErrInvalidResultFile.WithMessage("file %s is too large", fh.Filename)
		}

		key, err := objectstore.CleanKey(objectstore.Join(uploadPrefix, job.UUID, path.Base(fh.Filename)))
		if err != nil {
			return nil, domain.ErrInvalidResultFile.WithCause(err)
		}

		if err := h.putFile(c, key, fh); err != nil {
			return nil, err
		}
		files[field] = key
	}

	return files, nil
}

func (h *RunnerJobHandler) putFile(c *gin.Context, key string, fh *multipart.FileHeader) error {
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	return h.files.Put(c.Request.Context(), key, f, fh.Size)
}

// Update handles POST /api/v1/runners/jobs/:uuid/update
func (h *RunnerJobHandler) Update(c *gin.Context) {
	req, ok := h.bindUpload(c)
	if !ok {
		return
	}

	r, ok := h.authenticate(c, req.RunnerToken)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	job, err := h.jobs.JobOfRunner(ctx, r, c.Param("uuid"), req.JobToken,
		domain.RunnerJobStateProcessing, domain.RunnerJobStateCompleting, domain.RunnerJobStateCompleted)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if job.State != domain.RunnerJobStateProcessing {
		// late update racing the completion of the job
		c.Status(http.StatusNoContent)
		return
	}

	jh, err := h.jobs.Handler(job.Type)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	files, err := h.storeFiles(c, job, req, jh.UpdateFiles())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	err = h.jobs.Update(ctx, r, runnerjob.UpdateRequest{
		UUID:     job.UUID,
		JobToken: req.JobToken,
		Progress: req.Progress,
		Payload:  req.Payload,
		Files:    files,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Success handles POST /api/v1/runners/jobs/:uuid/success
func (h *RunnerJobHandler) Success(c *gin.Context) {
	req, ok := h.bindUpload(c)
	if !ok {
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

	jh, err := h.jobs.Handler(job.Type)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	files, err := h.storeFiles(c, job, req, jh.ResultFiles())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	err = h.jobs.Success(ctx, r, runnerjob.SuccessRequest{
		UUID:     job.UUID,
		JobToken: req.JobToken,
		Payload:  req.Payload,
		Files:    files,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Cancel handles POST /api/v1/runners/jobs/:uuid/cancel
func (h *RunnerJobHandler) Cancel(c *gin.Context) {
	if err := h.jobs.Cancel(c.Request.Context(), c.Param("uuid")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Delete handles DELETE /api/v1/runners/jobs/:uuid
func (h *RunnerJobHandler) Delete(c *gin.Context) {
	if err := h.jobs.Delete(c.Request.Context(), c.Param("uuid")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// List handles GET /api/v1/runners/jobs
func (h *RunnerJobHandler) List(c *gin.Context) {
	var req dto.ListRunnerJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "invalid query parameters")
		return
	}

	sort, err := domain.ParseSort(req.Sort, "-updatedAt", runnerjob.AdminSortFields...)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	states := make([]domain.RunnerJobState, 0, len(req.StateOneOf))
	for _, raw := range req.StateOneOf {
		st, err := domain.ParseRunnerJobState(raw)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		states = append(states, st)
	}

	jobs, total, err := h.jobs.ListForAdmin(c.Request.Context(), runnerjob.AdminListOptions{
		Pagination: req.Pagination(),
		Sort:       sort,
		Search:     req.Search,
		StateOneOf: states,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.ListResponse[dto.RunnerJobDTO]{
		Total: total,
		Data:  lo.Map(jobs, func(j *domain.RunnerJobDetails, _ int) dto.RunnerJobDTO { return dto.NewAdminRunnerJobDTO(j) }),
	})
}
