package runnerjob

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

// Multipart fields runners upload files with
const (
	FieldVideoFile              = "payload[videoFile]"
	FieldResolutionPlaylistFile = "payload[resolutionPlaylistFile]"
	FieldMasterPlaylistFile     = "payload[masterPlaylistFile]"
	FieldVideoChunkFile         = "payload[videoChunkFile]"
)

var (
	videoExtensions    = []string{".mp4", ".webm", ".mkv", ".mov", ".ogv", ".m4a", ".ts"}
	playlistExtensions = []string{".m3u8"}
)

// FileField describes one multipart file a job type accepts
type FileField struct {
	Name       string
	Required   bool
	Extensions []string
}

// Accepts reports whether filename has an allowed extension
func (f FileField) Accepts(filename string) bool {
	return slices.Contains(f.Extensions, strings.ToLower(path.Ext(filename)))
}

// Callbacks fold runner job outcomes back into the video system
type Callbacks interface {
	// VODCompleted runs when a web video, HLS or audio merge transcoding succeeds
	VODCompleted(ctx context.Context, job *domain.RunnerJob, result domain.RunnerJobResult) error
	StudioCompleted(ctx context.Context, job *domain.RunnerJob, result domain.RunnerJobResult) error
	LiveChunk(ctx context.Context, job *domain.RunnerJob, update domain.RunnerJobLiveUpdate) error
	LiveEnded(ctx context.Context, job *domain.RunnerJob) error
	// Failed runs once when a job errors terminally
	Failed(ctx context.Context, job *domain.RunnerJob, message string) error
}

// Handler is the per-type behaviour of a runner job
type Handler interface {
	Type() domain.RunnerJobType
	// MaxFailures returns how many errors the job tolerates given the configured ceiling
	MaxFailures(ceiling int) int
	ResultFiles() []FileField
	UpdateFiles() []FileField
	Accept(ctx context.Context, job *domain.RunnerJob) error
	Update(ctx context.Context, job *domain.RunnerJob, payload json.RawMessage, files map[string]string) error
	Complete(ctx context.Context, job *domain.RunnerJob, payload json.RawMessage, files map[string]string) error
	Error(ctx context.Context, job *domain.RunnerJob, message string) error
	Abort(ctx context.Context, job *domain.RunnerJob) error
	Cancel(ctx context.Context, job *domain.RunnerJob) error
	// DependantInput returns the uploaded result the jobs waiting on this one transcode from,
	// or "" when they keep their own input
	DependantInput(files map[string]string) string
}

// HandlerFor returns the handler of a runner job type
func HandlerFor(t domain.RunnerJobType, cb Callbacks) (Handler, error) {
	switch t {
	case domain.RunnerJobTypeVODWebVideo:
		return &vodHandler{baseHandler{cb: cb, jobType: t}, []FileField{
			{Name: FieldVideoFile, Required: true, Extensions: videoExtensions},
		}}, nil
	case domain.RunnerJobTypeVODHLS:
		return &vodHandler{baseHandler{cb: cb, jobType: t}, []FileField{
			{Name: FieldVideoFile, Required: true, Extensions: videoExtensions},
			{Name: FieldResolutionPlaylistFile, Required: true, Extensions: playlistExtensions},
		}}, nil
	case domain.RunnerJobTypeVODAudioMerge:
		return &vodHandler{baseHandler{cb: cb, jobType: t}, []FileField{
			{Name: FieldVideoFile, Required: true, Extensions: videoExtensions},
		}}, nil
	case domain.RunnerJobTypeVideoStudio:
		return &studioHandler{baseHandler{cb: cb, jobType: t}}, nil
	case domain.RunnerJobTypeLiveRTMPHLS:
		return &liveHandler{baseHandler{cb: cb, jobType: t}}, nil
	}
	return nil, domain.ErrInvalidRunnerJobType.WithMessage("no handler for runner job type %q", t)
}

type baseHandler struct {
	cb      Callbacks
	jobType domain.RunnerJobType
}

func (h *baseHandler) Type() domain.RunnerJobType { return h.jobType }

func (h *baseHandler) MaxFailures(ceiling int) int { return ceiling }

func (h *baseHandler) UpdateFiles() []FileField { return nil }

func (h *baseHandler) Accept(context.Context, *domain.RunnerJob) error { return nil }

func (h *baseHandler) Update(context.Context, *domain.RunnerJob, json.RawMessage, map[string]string) error {
	return nil
}

func (h *baseHandler) Error(ctx context.Context, job *domain.RunnerJob, message string) error {
	return h.cb.Failed(ctx, job, message)
}

func (h *baseHandler) Abort(context.Context, *domain.RunnerJob) error { return nil }

func (h *baseHandler) Cancel(context.Context, *domain.RunnerJob) error { return nil }

func (h *baseHandler) DependantInput(map[string]string) string { return "" }

// result maps uploaded files to the result payload the callbacks receive
func result(files map[string]string) domain.RunnerJobResult {
	return domain.RunnerJobResult{
		VideoFile:              files[FieldVideoFile],
		ResolutionPlaylistFile: files[FieldResolutionPlaylistFile],
	}
}

type vodHandler struct {
	baseHandler
	resultFiles []FileField
}

func (h *vodHandler) ResultFiles() []FileField { return h.resultFiles }

// DependantInput hands the max quality output down to the lower renditions
func (h *vodHandler) DependantInput(files map[string]string) string { return files[FieldVideoFile] }

func (h *vodHandler) Complete(ctx context.Context, job *domain.RunnerJob, _ json.RawMessage, files map[string]string) error {
	return h.cb.VODCompleted(ctx, job, result(files))
}

type studioHandler struct {
	baseHandler
}

func (h *studioHandler) ResultFiles() []FileField {
	return []FileField{{Name: FieldVideoFile, Required: true, Extensions: videoExtensions}}
}

func (h *studioHandler) Complete(ctx context.Context, job *domain.RunnerJob, _ json.RawMessage, files map[string]string) error {
	return h.cb.StudioCompleted(ctx, job, result(files))
}

// liveHandler streams chunks through updates and produces no result file.
// A live stream cannot be resumed, so the first error is terminal.
type liveHandler struct {
	baseHandler
}

func (h *liveHandler) MaxFailures(int) int { return 1 }

func (h *liveHandler) ResultFiles() []FileField { return nil }

func (h *liveHandler) UpdateFiles() []FileField {
	return []FileField{
		{Name: FieldVideoChunkFile, Extensions: []string{".ts", ".mp4", ".m4s"}},
		{Name: FieldResolutionPlaylistFile, Extensions: playlistExtensions},
		{Name: FieldMasterPlaylistFile, Extensions: playlistExtensions},
	}
}

func (h *liveHandler) Update(ctx context.Context, job *domain.RunnerJob, payload json.RawMessage, files map[string]string) error {
	if len(payload) == 0 {
		return nil
	}

	var update domain.RunnerJobLiveUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return domain.ErrInvalidUpdatePayload.WithCause(err)
	}

	switch update.Type {
	case domain.LiveUpdateAddChunk:
		if files[FieldVideoChunkFile] == "" {
			return domain.ErrInvalidUpdatePayload.WithMessage("add-chunk requires %s", FieldVideoChunkFile)
		}
	case domain.LiveUpdateRemoveChunk:
	default:
		return domain.ErrInvalidUpdatePayload.WithMessage("unknown live update type %q", update.Type)
	}

	if !isPlainFilename(update.VideoChunkFilename) {
		return domain.ErrInvalidUpdatePayload.WithMessage("invalid videoChunkFilename %q", update.VideoChunkFilename)
	}
	if update.ResolutionPlaylistName != "" && !isPlainFilename(update.ResolutionPlaylistName) {
		return domain.ErrInvalidUpdatePayload.WithMessage("invalid resolutionPlaylistFilename %q", update.ResolutionPlaylistName)
	}

	update.VideoChunkFile = files[FieldVideoChunkFile]
	update.ResolutionPlaylistFile = files[FieldResolutionPlaylistFile]
	update.MasterPlaylistFile = files[FieldMasterPlaylistFile]

	if err := h.cb.LiveChunk(ctx, job, update); err != nil {
		return fmt.Errorf("failed to process live chunk: %w", err)
	}
	return nil
}

func (h *liveHandler) Complete(ctx context.Context, job *domain.RunnerJob, _ json.RawMessage, _ map[string]string) error {
	return h.cb.LiveEnded(ctx, job)
}

func isPlainFilename(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
