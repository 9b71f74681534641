package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/samber/lo"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
	"github.com/cuongbtq/transcode-orchestrator/internal/jobqueue"
	"github.com/cuongbtq/transcode-orchestrator/shared/postgresql"
)

const jobColumns = `id, type, payload, state, priority, attempts_made, max_attempts, progress,
	parent_id, fail_parent_on_failure, worker_id, error_message, COALESCE(result, 'null'::jsonb) AS result,
	run_at, last_heartbeat_at, created_at, processed_at, finished_at`

// readyStateSQL picks the state of a job that nothing blocks anymore. $now is substituted by the caller.
const readyStateSQL = `CASE WHEN run_at > %s THEN 'delayed' WHEN priority > 0 THEN 'prioritized' ELSE 'waiting' END`

// Storage is the PostgreSQL job queue backend
type Storage struct {
	db *sqlx.DB
}

var _ jobqueue.Backend = (*Storage)(nil)

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

func (s *Storage) Insert(ctx context.Context, batch []jobqueue.NewJob) ([]*domain.Job, error) {
	query := `
		INSERT INTO jobs (
			type, payload, state, priority, max_attempts,
			run_at, parent_id, fail_parent_on_failure
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8
		)
		RETURNING ` + jobColumns

	jobs := make([]*domain.Job, 0, len(batch))

	err := postgresql.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for i, nj := range batch {
			var parentID *int64
			if nj.Parent >= 0 {
				if nj.Parent >= i {
					return fmt.Errorf("job %d references parent %d not inserted before it", i, nj.Parent)
				}
				parentID = lo.ToPtr(jobs[nj.Parent].ID)
			}

			var job domain.Job
			err := tx.GetContext(ctx, &job, query,
				nj.Type,
				[]byte(nj.Payload),
				nj.State,
				nj.Priority,
				nj.MaxAttempts,
				nj.RunAt,
				parentID,
				nj.FailParentOnFailure,
			)
			if err != nil {
				return fmt.Errorf("failed to insert job: %w", err)
			}
			jobs = append(jobs, &job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return jobs, nil
}

// Dequeue claims the next ready job of a type. SKIP LOCKED lets concurrent workers claim
// different rows without waiting on each other.
func (s *Storage) Dequeue(ctx context.Context, jobType domain.JobType, workerID string, now time.Time) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET state = $1,
		    worker_id = $2,
		    attempts_made = attempts_made + 1,
		    processed_at = $3,
		    last_heartbeat_at = $3,
		    error_message = NULL
		WHERE id = (
			SELECT id FROM jobs
			WHERE type = $4
			  AND (state IN ($5, $6) OR (state = $7 AND run_at <= $3))
			ORDER BY priority = 0 DESC, priority, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		domain.JobStateActive,
		workerID,
		now,
		jobType,
		domain.JobStateWaiting,
		domain.JobStatePrioritized,
		domain.JobStateDelayed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNoJobAvailable
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	return &job, nil
}

func (s *Storage) Heartbeat(ctx context.Context, id int64, workerID string, now time.Time) error {
	query := `
		UPDATE jobs
		SET last_heartbeat_at = $1
		WHERE id = $2 AND state = $3 AND worker_id = $4
	`

	res, err := s.db.ExecContext(ctx, query, now, id, domain.JobStateActive, workerID)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}
	return requireRow(res)
}

func (s *Storage) UpdateProgress(ctx context.Context, id int64, workerID string, progress int) error {
	query := `
		UPDATE jobs
		SET progress = $1
		WHERE id = $2 AND state = $3 AND worker_id = $4
	`

	res, err := s.db.ExecContext(ctx, query, progress, id, domain.JobStateActive, workerID)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return requireRow(res)
}

func (s *Storage) Complete(ctx context.Context, id int64, workerID string, result json.RawMessage, now time.Time) ([]*domain.Job, error) {
	query := `
		UPDATE jobs
		SET state = $1,
		    result = $2,
		    finished_at = $3,
		    last_heartbeat_at = NULL
		WHERE id = $4 AND state = $5 AND worker_id = $6
	`

	var released []*domain.Job
	err := postgresql.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query,
			domain.JobStateCompleted, nullJSON(result), now, id, domain.JobStateActive, workerID)
		if err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}

		released, err = release(ctx, tx, []int64{id}, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	return released, nil
}

func (s *Storage) Retry(ctx context.Context, id int64, workerID string, req jobqueue.RetryRequest) error {
	query := `
		UPDATE jobs
		SET state = CASE WHEN $1::boolean THEN 'delayed' WHEN priority > 0 THEN 'prioritized' ELSE 'waiting' END,
		    run_at = $2,
		    error_message = $3,
		    attempts_made = CASE WHEN $4::boolean AND attempts_made > 0 THEN attempts_made - 1 ELSE attempts_made END,
		    worker_id = NULL,
		    last_heartbeat_at = NULL
		WHERE id = $5 AND state = $6 AND worker_id = $7
	`

	res, err := s.db.ExecContext(ctx, query,
		req.RunAt.After(req.Now),
		req.RunAt,
		req.Error,
		req.RefundAttempt,
		id,
		domain.JobStateActive,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}
	return requireRow(res)
}

// Fail marks the job failed, fails its fail-with-parent dependants recursively and releases the rest
func (s *Storage) Fail(ctx context.Context, id int64, workerID string, errMsg string, now time.Time) (*jobqueue.FailResult, error) {
	failQuery := `
		UPDATE jobs
		SET state = $1,
		    error_message = $2,
		    finished_at = $3,
		    last_heartbeat_at = NULL
		WHERE id = $4 AND state = $5 AND worker_id = $6
	`

	cascadeQuery := `
		WITH RECURSIVE doomed AS (
			SELECT id FROM jobs
			WHERE parent_id = $1 AND state = $2 AND fail_parent_on_failure
			UNION
			SELECT j.id FROM jobs j
			JOIN doomed d ON j.parent_id = d.id
			WHERE j.state = $2 AND j.fail_parent_on_failure
		)
		UPDATE jobs
		SET state = $3,
		    error_message = $4,
		    finished_at = $5
		WHERE id IN (SELECT id FROM doomed)
		RETURNING ` + jobColumns

	result := &jobqueue.FailResult{}
	err := postgresql.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, failQuery,
			domain.JobStateFailed, errMsg, now, id, domain.JobStateActive, workerID)
		if err != nil {
			return fmt.Errorf("failed to fail job: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}

		var cascaded []*domain.Job
		err = tx.SelectContext(ctx, &cascaded, cascadeQuery,
			id,
			domain.JobStateWaitingChildren,
			domain.JobStateFailed,
			"parent job failed: "+errMsg,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to fail dependent jobs: %w", err)
		}
		result.Cascaded = cascaded

		parents := append([]int64{id}, lo.Map(cascaded, func(j *domain.Job, _ int) int64 { return j.ID })...)
		result.Released, err = release(ctx, tx, parents, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// release moves jobs waiting on any of the parents to their ready state
func release(ctx context.Context, tx *sqlx.Tx, parentIDs []int64, now time.Time) ([]*domain.Job, error) {
	query := `
		UPDATE jobs
		SET state = ` + fmt.Sprintf(readyStateSQL, "$1") + `
		WHERE state = $2 AND parent_id = ANY($3)
		RETURNING ` + jobColumns

	var released []*domain.Job
	err := tx.SelectContext(ctx, &released, query, now, domain.JobStateWaitingChildren, pq.Array(parentIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to release dependent jobs: %w", err)
	}
	return released, nil
}

func (s *Storage) ListStalled(ctx context.Context, heartbeatBefore time.Time) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE state = $1 AND last_heartbeat_at < $2
		ORDER BY id
	`

	var jobs []*domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, domain.JobStateActive, heartbeatBefore); err != nil {
		return nil, fmt.Errorf("failed to list stalled jobs: %w", err)
	}
	return jobs, nil
}

func (s *Storage) PromoteDelayed(ctx context.Context, now time.Time) ([]*domain.Job, error) {
	query := `
		UPDATE jobs
		SET state = CASE WHEN priority > 0 THEN 'prioritized' ELSE 'waiting' END
		WHERE state = $1 AND run_at <= $2
		RETURNING ` + jobColumns

	var jobs []*domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, domain.JobStateDelayed, now); err != nil {
		return nil, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return jobs, nil
}

func (s *Storage) Get(ctx context.Context, id int64) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// where builds the state and type filter shared by List and Count
func where(states []domain.JobState, types []domain.JobType) (string, []any) {
	var conds []string
	var args []any

	if len(states) > 0 {
		args = append(args, pq.Array(lo.Map(states, func(s domain.JobState, _ int) string { return string(s) })))
		conds = append(conds, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if len(types) > 0 {
		args = append(args, pq.Array(lo.Map(types, func(t domain.JobType, _ int) string { return string(t) })))
		conds = append(conds, fmt.Sprintf("type = ANY($%d)", len(args)))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Storage) List(ctx context.Context, filter jobqueue.ListFilter) ([]*domain.Job, error) {
	cond, args := where(filter.States, filter.Types)
	query := `SELECT ` + jobColumns + ` FROM jobs` + cond

	if filter.Asc {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	jobs := []*domain.Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func (s *Storage) Count(ctx context.Context, states []domain.JobState, types []domain.JobType) (int, error) {
	cond, args := where(states, types)

	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM jobs`+cond, args...); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

func (s *Storage) CountByState(ctx context.Context) ([]jobqueue.StateCount, error) {
	query := `SELECT type, state, COUNT(*) AS count FROM jobs GROUP BY type, state`

	var counts []jobqueue.StateCount
	if err := s.db.SelectContext(ctx, &counts, query); err != nil {
		return nil, fmt.Errorf("failed to count jobs by state: %w", err)
	}
	return counts, nil
}

// RemoveFinished deletes jobs finished before the cutoff and everything beyond the newest keep jobs.
// Dependants of deleted jobs lose their parent through the ON DELETE SET NULL constraint.
func (s *Storage) RemoveFinished(ctx context.Context, jobType domain.JobType, state domain.JobState, finishedBefore time.Time, keep int) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM (
				SELECT id, finished_at,
				       ROW_NUMBER() OVER (ORDER BY finished_at DESC, id DESC) AS rank
				FROM jobs
				WHERE type = $1 AND state = $2
			) ranked
			WHERE ($3::timestamptz IS NOT NULL AND finished_at < $3)
			   OR ($4 > 0 AND rank > $4)
		)
	`

	cutoff := sql.NullTime{Time: finishedBefore, Valid: !finishedBefore.IsZero()}

	res, err := s.db.ExecContext(ctx, query, jobType, state, cutoff, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to remove finished jobs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// requireRow maps a conditional update that matched nothing to ErrJobNotFound
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
