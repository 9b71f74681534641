package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

type progressKey struct{}

type progressReporter func(ctx context.Context, progress int) error

// ReportProgress records the progress (0-100) of the job running in ctx.
// It is a no-op outside of a job handler.
func ReportProgress(ctx context.Context, progress int) error {
	report, ok := ctx.Value(progressKey{}).(progressReporter)
	if !ok {
		return nil
	}
	if progress < 0 || progress > 100 {
		return domain.ErrInvalidProgress
	}
	return report(ctx, progress)
}

// processJob runs the handler with the type timeout and a heartbeat, then records the outcome
func (p *pool) processJob(ctx context.Context, job *domain.Job, workerName string) {
	p.logger.Info("Processing job",
		slog.Int64("job_id", job.ID),
		slog.String("worker_name", workerName),
		slog.Int("attempt", job.AttemptsMade),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	// outcome bookkeeping must survive a shutdown that interrupts the handler
	bookCtx := context.WithoutCancel(ctx)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.sendJobHeartbeat(heartbeatCtx, job.ID, workerName)

	jobCtx := context.WithValue(ctx, progressKey{}, progressReporter(func(c context.Context, progress int) error {
		return p.m.backend.UpdateProgress(c, job.ID, workerName, progress)
	}))

	start := time.Now()
	result, err := p.execute(jobCtx, job)
	stopHeartbeat()

	if err != nil && ctx.Err() != nil {
		var retryable *domain.RetryableError
		if !errors.As(err, &retryable) {
			err = domain.NewRetryableError(err)
		}
	}

	if err != nil {
		p.handleFailure(bookCtx, job, workerName, err)
		return
	}

	var resultJSON json.RawMessage
	if result != nil {
		data, mErr := json.Marshal(result)
		if mErr != nil {
			p.handleFailure(bookCtx, job, workerName, fmt.Errorf("failed to encode job result: %w", mErr))
			return
		}
		resultJSON = data
	}

	released, err := p.m.backend.Complete(bookCtx, job.ID, workerName, resultJSON, p.m.now())
	if err != nil {
		p.logger.Error("Failed to mark job as completed",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}

	p.logger.Info("Job completed successfully",
		slog.Int64("job_id", job.ID),
		slog.Duration("duration", time.Since(start)),
		slog.Int("released_dependants", len(released)),
	)

	p.m.notifyReady(bookCtx, released)
}

type outcome struct {
	result any
	err    error
}

// execute races the handler against the type timeout so a handler ignoring its context
// still fails the attempt on time
func (p *pool) execute(ctx context.Context, job *domain.Job) (any, error) {
	timeout := p.m.policy(p.jobType).Timeout

	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("job handler panicked: %v", r)}
			}
		}()
		res, err := p.handler.Execute(runCtx, job)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-runCtx.Done():
		if ctx.Err() == nil {
			return nil, domain.ErrJobTimeout.WithMessage("job timed out after %s", timeout)
		}
		return nil, domain.NewRetryableError(fmt.Errorf("job interrupted: %w", ctx.Err()))
	}
}

// handleFailure retries the job with exponential backoff or fails it terminally
func (p *pool) handleFailure(ctx context.Context, job *domain.Job, workerName string, cause error) {
	var retryable *domain.RetryableError
	var unrecoverable *domain.UnrecoverableError
	now := p.m.now()

	switch {
	case errors.As(cause, &retryable):
		err := p.m.backend.Retry(ctx, job.ID, workerName, RetryRequest{
			Error:         cause.Error(),
			RunAt:         now,
			Now:           now,
			RefundAttempt: true,
		})
		if err != nil {
			p.logger.Error("Failed to requeue interrupted job", slog.Int64("job_id", job.ID), slog.Any("error", err))
			return
		}
		p.logger.Warn("Job interrupted, requeued without consuming an attempt",
			slog.Int64("job_id", job.ID),
			slog.Any("error", cause),
		)
		p.m.notifyRequeued(ctx, job)

	case !errors.As(cause, &unrecoverable) && job.AttemptsMade < job.MaxAttempts:
		delay := Backoff(p.m.backoffBase, job.AttemptsMade)
		err := p.m.backend.Retry(ctx, job.ID, workerName, RetryRequest{
			Error: cause.Error(),
			RunAt: now.Add(delay),
			Now:   now,
		})
		if err != nil {
			p.logger.Error("Failed to schedule job retry", slog.Int64("job_id", job.ID), slog.Any("error", err))
			return
		}
		p.m.logFailure(ctx, job, "Job failed, will be retried", cause,
			slog.Int("attempt", job.AttemptsMade),
			slog.Duration("retry_in", delay),
		)

	default:
		p.m.failJob(ctx, job, workerName, cause)
	}
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (p *pool) sendJobHeartbeat(ctx context.Context, jobID int64, workerName string) {
	ticker := time.NewTicker(p.m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.m.backend.Heartbeat(ctx, jobID, workerName, p.m.now()); err != nil && ctx.Err() == nil {
				p.logger.Warn("Failed to update job heartbeat",
					slog.Int64("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}

// failJob fails a job terminally, runs its error handler once and propagates to dependants
func (m *Manager) failJob(ctx context.Context, job *domain.Job, workerID string, cause error) {
	res, err := m.backend.Fail(ctx, job.ID, workerID, cause.Error(), m.now())
	if err != nil {
		m.logger.Error("Failed to mark job as failed",
			slog.Int64("job_id", job.ID),
			slog.String("job_type", string(job.Type)),
			slog.Any("error", err),
		)
		return
	}

	m.logFailure(ctx, job, "Cannot execute job", cause, slog.Int("attempts", job.AttemptsMade))

	if m.registry != nil {
		if h, ok := m.registry.Handler(job.Type); ok {
			if eh, ok := h.(ErrorHandler); ok {
				if err := eh.OnError(ctx, job, cause); err != nil {
					m.logger.Error("Cannot run error handler for job failure",
						slog.Int64("job_id", job.ID),
						slog.String("job_type", string(job.Type)),
						slog.Any("error", err),
					)
				}
			}
		}
	}

	for _, dep := range res.Cascaded {
		m.logger.Warn("Dependent job failed without running",
			slog.Int64("job_id", dep.ID),
			slog.String("job_type", string(dep.Type)),
			slog.Int64("failed_parent_id", job.ID),
		)
	}

	m.notifyReady(ctx, res.Released)
}

// logFailure logs at debug level for silent-failure types
func (m *Manager) logFailure(ctx context.Context, job *domain.Job, msg string, cause error, attrs ...slog.Attr) {
	level := slog.LevelError
	if m.policy(job.Type).SilentFailure {
		level = slog.LevelDebug
	}

	attrs = append([]slog.Attr{
		slog.Int64("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.String("payload", string(job.Payload)),
		slog.Any("error", cause),
	}, attrs...)

	m.logger.LogAttrs(ctx, level, msg, attrs...)
}

// notifyRequeued announces a job that went straight back to a ready state
func (m *Manager) notifyRequeued(ctx context.Context, job *domain.Job) {
	requeued := *job
	requeued.State = domain.ReadyState(job.Priority, m.now(), m.now())
	m.notifyReady(ctx, []*domain.Job{&requeued})
}
