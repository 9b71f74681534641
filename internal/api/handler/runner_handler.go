package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/cuongbtq/transcode-orchestrator/internal/api/dto"
	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
	"github.com/cuongbtq/transcode-orchestrator/internal/runner"
)

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func listOptions(c *gin.Context, logger *slog.Logger, def string, allowed []string) (runner.ListOptions, bool) {
	var req dto.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "invalid query parameters")
		return runner.ListOptions{}, false
	}
	sort, err := domain.ParseSort(req.Sort, def, allowed...)
	if err != nil {
		respondError(c, logger, err)
		return runner.ListOptions{}, false
	}
	return runner.ListOptions{Pagination: req.Pagination(), Sort: sort}, true
}

// Register handles POST /api/v1/runners/register
func (h *RunnerHandler) Register(c *gin.Context) {
	var req dto.RegisterRunnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid register request", slog.String("error", err.Error()))
		badRequest(c, "registrationToken and name are required")
		return
	}

	r, err := h.runners.Register(c.Request.Context(), runner.RegisterRequest{
		RegistrationToken: req.RegistrationToken,
		Name:              req.Name,
		Description:       req.Description,
		IP:                c.ClientIP(),
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.RegisterRunnerResponse{ID: r.ID, RunnerToken: r.RunnerToken})
}

// Unregister handles POST /api/v1/runners/unregister
func (h *RunnerHandler) Unregister(c *gin.Context) {
	var req dto.RunnerTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "runnerToken is required")
		return
	}

	if err := h.runners.Unregister(c.Request.Context(), req.RunnerToken); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Delete handles DELETE /api/v1/runners/:id
func (h *RunnerHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.runners.Delete(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// List handles GET /api/v1/runners
func (h *RunnerHandler) List(c *gin.Context) {
	opts, ok := listOptions(c, h.logger, "createdAt", runner.RunnerSortFields)
	if !ok {
		return
	}

	runners, total, err := h.runners.List(c.Request.Context(), opts)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.ListResponse[dto.RunnerDTO]{
		Total: total,
		Data:  lo.Map(runners, func(r *domain.Runner, _ int) dto.RunnerDTO { return dto.NewRunnerDTO(r) }),
	})
}

// GenerateRegistrationToken handles POST /api/v1/runners/registration-tokens/generate
func (h *RunnerHandler) GenerateRegistrationToken(c *gin.Context) {
	token, err := h.runners.GenerateRegistrationToken(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewRegistrationTokenDTO(token))
}

// ListRegistrationTokens handles GET /api/v1/runners/registration-tokens
func (h *RunnerHandler) ListRegistrationTokens(c *gin.Context) {
	opts, ok := listOptions(c, h.logger, "createdAt", runner.RegistrationTokenSortFields)
	if !ok {
		return
	}

	tokens, total, err := h.runners.ListRegistrationTokens(c.Request.Context(), opts)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.ListResponse[dto.RegistrationTokenDTO]{
		Total: total,
		Data: lo.Map(tokens, func(t *domain.RunnerRegistrationToken, _ int) dto.RegistrationTokenDTO {
			return dto.NewRegistrationTokenDTO(t)
		}),
	})
}

// DeleteRegistrationToken handles DELETE /api/v1/runners/registration-tokens/:id
func (h *RunnerHandler) DeleteRegistrationToken(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.runners.DeleteRegistrationToken(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
