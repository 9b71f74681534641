package jobqueue

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

// Handler executes one job. The returned result is stored on the job as JSON.
type Handler interface {
	Execute(ctx context.Context, job *domain.Job) (any, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *domain.Job) (any, error)

func (f HandlerFunc) Execute(ctx context.Context, job *domain.Job) (any, error) {
	return f(ctx, job)
}

// ErrorHandler is implemented by handlers that compensate for a terminal failure.
// OnError runs once per job, after the last attempt failed.
type ErrorHandler interface {
	OnError(ctx context.Context, job *domain.Job, err error) error
}

// Registry binds every job type to its handler
type Registry struct {
	handlers map[domain.JobType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.JobType]Handler, len(domain.JobTypes))}
}

// Register binds a handler, replacing any previous binding of the type
func (r *Registry) Register(jobType domain.JobType, h Handler) *Registry {
	r.handlers[jobType] = h
	return r
}

// RegisterAll binds the same handler to several types
func (r *Registry) RegisterAll(types []domain.JobType, h Handler) *Registry {
	for _, t := range types {
		r.handlers[t] = h
	}
	return r
}

func (r *Registry) Handler(jobType domain.JobType) (Handler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

// Validate fails when a job type has no handler
func (r *Registry) Validate() error {
	missing := lo.Filter(domain.JobTypes, func(t domain.JobType, _ int) bool {
		_, ok := r.handlers[t]
		return !ok
	})
	if len(missing) > 0 {
		names := lo.Map(missing, func(t domain.JobType, _ int) string { return string(t) })
		return fmt.Errorf("no handler registered for job types: %s", strings.Join(names, ", "))
	}
	return nil
}
