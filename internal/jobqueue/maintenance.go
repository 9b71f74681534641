package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

func (m *Manager) maintenanceLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RunMaintenance(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("Job queue maintenance failed", slog.Any("error", err))
			}
		}
	}
}

// RunMaintenance promotes due delayed jobs, recovers stalled jobs and removes old finished jobs
func (m *Manager) RunMaintenance(ctx context.Context) error {
	promoted, err := m.backend.PromoteDelayed(ctx, m.now())
	if err != nil {
		return fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	if len(promoted) > 0 {
		m.logger.Debug("Delayed jobs promoted", slog.Int("count", len(promoted)))
		m.notifyReady(ctx, promoted)
	}

	if err := m.RecoverStalled(ctx); err != nil {
		return err
	}

	if _, err := m.RemoveOldJobs(ctx); err != nil {
		return err
	}

	return nil
}

// RecoverStalled puts back jobs whose worker stopped sending heartbeats. The interrupted run
// counts as an attempt; jobs without attempts left fail terminally.
func (m *Manager) RecoverStalled(ctx context.Context) error {
	now := m.now()
	stalled, err := m.backend.ListStalled(ctx, now.Add(-m.stalledAfter))
	if err != nil {
		return fmt.Errorf("failed to list stalled jobs: %w", err)
	}

	for _, job := range stalled {
		workerID := ""
		if job.WorkerID != nil {
			workerID = *job.WorkerID
		}

		m.logger.Warn("Job stalled",
			slog.Int64("job_id", job.ID),
			slog.String("job_type", string(job.Type)),
			slog.String("worker_id", workerID),
		)

		if job.AttemptsMade >= job.MaxAttempts {
			m.failJob(ctx, job, workerID, domain.ErrMaxAttemptsReached.WithMessage("job stalled more than allowable limit"))
			continue
		}

		err := m.backend.Retry(ctx, job.ID, workerID, RetryRequest{
			Error: "job stalled",
			RunAt: now,
			Now:   now,
		})
		if err != nil {
			if errors.Is(err, domain.ErrJobNotFound) {
				continue
			}
			return fmt.Errorf("failed to requeue stalled job %d: %w", job.ID, err)
		}
		m.notifyRequeued(ctx, job)
	}

	return nil
}

// RemoveOldJobs applies the removal policy of every job type
func (m *Manager) RemoveOldJobs(ctx context.Context) (int64, error) {
	now := m.now()
	var total int64

	for _, t := range domain.JobTypes {
		p := m.policy(t)

		rules := []struct {
			state   domain.JobState
			removal Removal
		}{
			{domain.JobStateCompleted, p.RemoveOnComplete},
			{domain.JobStateFailed, p.RemoveOnFail},
		}

		for _, r := range rules {
			if r.removal.Age <= 0 && r.removal.Count <= 0 {
				continue
			}
			before := time.Time{}
			if r.removal.Age > 0 {
				before = now.Add(-r.removal.Age)
			}

			n, err := m.backend.RemoveFinished(ctx, t, r.state, before, r.removal.Count)
			if err != nil {
				return total, fmt.Errorf("failed to remove %s %s jobs: %w", r.state, t, err)
			}
			total += n
		}
	}

	if total > 0 {
		m.logger.Info("Old jobs removed", slog.Int64("count", total))
	}
	return total, nil
}
