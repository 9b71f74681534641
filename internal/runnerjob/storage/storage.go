package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/samber/lo"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
	"github.com/cuongbtq/transcode-orchestrator/internal/runnerjob"
	"github.com/cuongbtq/transcode-orchestrator/shared/postgresql"
)

const runnerJobColumns = `id, uuid, type, payload, private_payload, state, priority, failures,
	error_message, progress, processing_job_token, runner_id, last_runner_id, depends_on_runner_job_id,
	started_at, finished_at, created_at, updated_at`

var adminSortColumns = map[string]string{
	"updatedAt": "j.updated_at",
	"createdAt": "j.created_at",
	"priority":  "j.priority",
	"state":     "j.state",
	"type":      "j.type",
	"progress":  "j.progress",
}

// Storage is the PostgreSQL store of runner jobs
type Storage struct {
	db *sqlx.DB
}

var _ runnerjob.Store = (*Storage)(nil)

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// prefixed qualifies every runner job column with alias
func prefixed(alias string) string {
	cols := strings.Split(runnerJobColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// Insert creates the batch in one transaction so a ladder never exists half-built
func (s *Storage) Insert(ctx context.Context, batch []runnerjob.NewRunnerJob) ([]*domain.RunnerJob, error) {
	query := `
		INSERT INTO runner_jobs (
			uuid, type, payload, private_payload, state,
			priority, depends_on_runner_job_id
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7
		)
		RETURNING ` + runnerJobColumns

	jobs := make([]*domain.RunnerJob, 0, len(batch))

	err := postgresql.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for i, nj := range batch {
			dependsOn := nj.Job.DependsOnRunnerJobID
			if nj.Parent >= 0 {
				if nj.Parent >= i {
					return fmt.Errorf("runner job %d references parent %d not inserted before it", i, nj.Parent)
				}
				dependsOn = lo.ToPtr(jobs[nj.Parent].ID)
			}

			var created domain.RunnerJob
			err := tx.GetContext(ctx, &created, query,
				nj.Job.UUID,
				nj.Job.Type,
				nj.Job.Payload,
				nj.Job.PrivatePayload,
				nj.Job.State,
				nj.Job.Priority,
				dependsOn,
			)
			if err != nil {
				return fmt.Errorf("failed to create runner job: %w", err)
			}
			jobs = append(jobs, &created)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return jobs, nil
}

func (s *Storage) GetByUUID(ctx context.Context, uuid string) (*domain.RunnerJob, error) {
	query := `SELECT ` + runnerJobColumns + ` FROM runner_jobs WHERE uuid::text = $1`

	var job domain.RunnerJob
	if err := s.db.GetContext(ctx, &job, query, uuid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRunnerJobNotFound
		}
		return nil, fmt.Errorf("failed to get runner job: %w", err)
	}
	return &job, nil
}

// ListPending returns pending jobs, lowest priority value first
func (s *Storage) ListPending(ctx context.Context, types []domain.RunnerJobType) ([]*domain.RunnerJob, error) {
	query := `SELECT ` + runnerJobColumns + ` FROM runner_jobs WHERE state = $1`
	args := []any{domain.RunnerJobStatePending}

	if len(types) > 0 {
		args = append(args, pq.Array(lo.Map(types, func(t domain.RunnerJobType, _ int) string { return string(t) })))
		query += fmt.Sprintf(` AND type = ANY($%d)`, len(args))
	}
	query += ` ORDER BY priority ASC, id ASC`

	jobs := []*domain.RunnerJob{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list pending runner jobs: %w", err)
	}
	return jobs, nil
}

func (s *Storage) ListForAdmin(ctx context.Context, opts runnerjob.AdminListOptions) ([]*domain.RunnerJobDetails, int, error) {
	column, ok := adminSortColumns[opts.Sort.Field]
	if !ok {
		return nil, 0, domain.ErrInvalidSort.WithMessage("cannot sort runner jobs by %q", opts.Sort.Field)
	}

	var conditions []string
	var args []any

	if opts.Search != "" {
		args = append(args, "%"+opts.Search+"%")
		conditions = append(conditions, fmt.Sprintf(
			`(j.uuid::text ILIKE $%[1]d OR j.type ILIKE $%[1]d OR j.state ILIKE $%[1]d OR r.name ILIKE $%[1]d)`, len(args)))
	}
	if len(opts.StateOneOf) > 0 {
		args = append(args, pq.Array(lo.Map(opts.StateOneOf, func(st domain.RunnerJobState, _ int) string { return string(st) })))
		conditions = append(conditions, fmt.Sprintf(`j.state = ANY($%d)`, len(args)))
	}

	from := `
		FROM runner_jobs j
		LEFT JOIN runners r ON r.id = j.runner_id
		LEFT JOIN runner_jobs p ON p.id = j.depends_on_runner_job_id`
	if len(conditions) > 0 {
		from += ` WHERE ` + strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) `+from, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count runner jobs: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s, r.name AS runner_name, p.uuid::text AS parent_uuid, p.type AS parent_type, p.state AS parent_state
		%s
		ORDER BY %s %s, j.id %s
		LIMIT $%d OFFSET $%d`,
		prefixed("j"), from, column, opts.Sort.Direction(), opts.Sort.Direction(), len(args)+1, len(args)+2)
	args = append(args, opts.Count, opts.Start)

	jobs := []*domain.RunnerJobDetails{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list runner jobs: %w", err)
	}

	return jobs, total, nil
}

// Accept locks the job row so concurrent accepts serialize; only the first sees it pending
func (s *Storage) Accept(ctx context.Context, id, runnerID int64, jobToken string, now time.Time) (*domain.RunnerJob, error) {
	var accepted domain.RunnerJob

	err := postgresql.RetryTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var state domain.RunnerJobState
		err := tx.GetContext(ctx, &state, `SELECT state FROM runner_jobs WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrRunnerJobNotFound
			}
			return fmt.Errorf("failed to lock runner job: %w", err)
		}

		if state != domain.RunnerJobStatePending {
			return domain.ErrRunnerJobNotPending
		}

		query := `
			UPDATE runner_jobs
			SET state = $1,
			    runner_id = $2,
			    last_runner_id = $2,
			    processing_job_token = $3,
			    started_at = $4,
			    progress = NULL,
			    updated_at = $4
			WHERE id = $5
			RETURNING ` + runnerJobColumns

		if err := tx.GetContext(ctx, &accepted, query,
			domain.RunnerJobStateProcessing, runnerID, jobToken, now, id,
		); err != nil {
			return fmt.Errorf("failed to accept runner job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &accepted, nil
}

// Transition applies t only if the job is still in one of t.From and, when set, still holds t.JobToken
func (s *Storage) Transition(ctx context.Context, t runnerjob.Transition) (*domain.RunnerJob, error) {
	args := []any{t.To, t.Now}
	set := []string{"state = $1", "updated_at = $2"}

	add := func(expr string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}

	if t.Message != nil {
		add("error_message = $%d", *t.Message)
	}
	if t.AddFailure {
		set = append(set, "failures = failures + 1")
	}
	switch {
	case t.Release:
		set = append(set, "runner_id = NULL", "processing_job_token = NULL", "progress = NULL", "started_at = NULL")
	case t.ClearToken:
		set = append(set, "processing_job_token = NULL")
	}
	if t.Progress != nil && !t.Release {
		add("progress = $%d", *t.Progress)
	}
	if t.Finish {
		set = append(set, "finished_at = $2")
	}

	args = append(args, t.ID)
	where := fmt.Sprintf("id = $%d", len(args))

	args = append(args, pq.Array(lo.Map(t.From, func(st domain.RunnerJobState, _ int) string { return string(st) })))
	where += fmt.Sprintf(" AND state = ANY($%d)", len(args))

	if t.JobToken != "" {
		args = append(args, t.JobToken)
		where += fmt.Sprintf(" AND processing_job_token = $%d", len(args))
	}

	query := `UPDATE runner_jobs SET ` + strings.Join(set, ", ") + ` WHERE ` + where + ` RETURNING ` + runnerJobColumns

	var job domain.RunnerJob
	if err := s.db.GetContext(ctx, &job, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRunnerJobStateChanged
		}
		return nil, fmt.Errorf("failed to update runner job state: %w", err)
	}
	return &job, nil
}

func (s *Storage) UpdateDependants(ctx context.Context, parentID int64, state domain.RunnerJobState, recursive bool, now time.Time) ([]*domain.RunnerJob, error) {
	query := `
		UPDATE runner_jobs
		SET state = $1, updated_at = $2
		WHERE depends_on_runner_job_id = $3 AND state = $4
		RETURNING ` + runnerJobColumns

	if recursive {
		query = `
			WITH RECURSIVE chain AS (
				SELECT id FROM runner_jobs WHERE depends_on_runner_job_id = $3
				UNION
				SELECT j.id FROM runner_jobs j JOIN chain c ON j.depends_on_runner_job_id = c.id
			)
			UPDATE runner_jobs
			SET state = $1, updated_at = $2, finished_at = $2
			WHERE id IN (SELECT id FROM chain) AND state = $4
			RETURNING ` + runnerJobColumns
	}

	jobs := []*domain.RunnerJob{}
	if err := s.db.SelectContext(ctx, &jobs, query, state, now, parentID, domain.RunnerJobStateWaitingForParentJob); err != nil {
		return nil, fmt.Errorf("failed to update dependent runner jobs: %w", err)
	}
	return jobs, nil
}

func (s *Storage) SetDependantsInput(ctx context.Context, parentID int64, inputFileKey string, now time.Time) error {
	query := `
		UPDATE runner_jobs
		SET private_payload = jsonb_set(private_payload, '{inputFileKey}', to_jsonb($1::text)),
		    updated_at = $2
		WHERE depends_on_runner_job_id = $3`

	if _, err := s.db.ExecContext(ctx, query, inputFileKey, now, parentID); err != nil {
		return fmt.Errorf("failed to update input of dependent runner jobs: %w", err)
	}
	return nil
}

// Delete removes the job; jobs depending on it go with it through ON DELETE CASCADE
func (s *Storage) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runner_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete runner job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrRunnerJobNotFound
	}
	return nil
}
