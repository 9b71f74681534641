package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
	"github.com/cuongbtq/transcode-orchestrator/internal/runner"
	"github.com/cuongbtq/transcode-orchestrator/shared/postgresql"
)

const runnerColumns = `id, runner_token, name, description, ip, last_contact,
	runner_registration_token_id, created_at, updated_at`

var runnerSortColumns = map[string]string{
	"createdAt":   "created_at",
	"name":        "name",
	"lastContact": "last_contact",
}

type Storage struct {
	db *sqlx.DB
}

var _ runner.Store = (*Storage)(nil)

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

func (s *Storage) CreateRegistrationToken(ctx context.Context, token string) (*domain.RunnerRegistrationToken, error) {
	query := `
		INSERT INTO runner_registration_tokens (registration_token)
		VALUES ($1)
		RETURNING id, registration_token, 0 AS registered_runners_count, created_at, updated_at
	`

	var t domain.RunnerRegistrationToken
	if err := s.db.GetContext(ctx, &t, query, token); err != nil {
		return nil, fmt.Errorf("failed to create registration token: %w", err)
	}
	return &t, nil
}

func (s *Storage) GetRegistrationToken(ctx context.Context, token string) (*domain.RunnerRegistrationToken, error) {
	query := `
		SELECT t.id, t.registration_token, t.created_at, t.updated_at,
		       (SELECT COUNT(*) FROM runners r WHERE r.runner_registration_token_id = t.id) AS registered_runners_count
		FROM runner_registration_tokens t
		WHERE t.registration_token = $1
	`

	var t domain.RunnerRegistrationToken
	if err := s.db.GetContext(ctx, &t, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrInvalidRegistrationToken
		}
		return nil, fmt.Errorf("failed to get registration token: %w", err)
	}
	return &t, nil
}

func (s *Storage) ListRegistrationTokens(ctx context.Context, opts runner.ListOptions) ([]*domain.RunnerRegistrationToken, int, error) {
	query := fmt.Sprintf(`
		SELECT t.id, t.registration_token, t.created_at, t.updated_at,
		       COUNT(r.id) AS registered_runners_count
		FROM runner_registration_tokens t
		LEFT JOIN runners r ON r.runner_registration_token_id = t.id
		GROUP BY t.id
		ORDER BY t.created_at %s, t.id %s
		LIMIT $1 OFFSET $2
	`, opts.Sort.Direction(), opts.Sort.Direction())

	tokens := []*domain.RunnerRegistrationToken{}
	if err := s.db.SelectContext(ctx, &tokens, query, opts.Count, opts.Start); err != nil {
		return nil, 0, fmt.Errorf("failed to list registration tokens: %w", err)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM runner_registration_tokens`); err != nil {
		return nil, 0, fmt.Errorf("failed to count registration tokens: %w", err)
	}

	return tokens, total, nil
}

// DeleteRegistrationToken removes the token; its runners go with it through ON DELETE CASCADE
func (s *Storage) DeleteRegistrationToken(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runner_registration_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete registration token: %w", err)
	}
	return requireRow(res, domain.ErrRegistrationTokenNotFound)
}

func (s *Storage) Create(ctx context.Context, r *domain.Runner) (*domain.Runner, error) {
	query := `
		INSERT INTO runners (
			runner_token, name, description, ip,
			last_contact, runner_registration_token_id
		) VALUES (
			$1, $2, $3, $4,
			$5, $6
		)
		RETURNING ` + runnerColumns

	var created domain.Runner
	err := s.db.GetContext(ctx, &created, query,
		r.RunnerToken,
		r.Name,
		r.Description,
		r.IP,
		r.LastContact,
		r.RunnerRegistrationTokenID,
	)
	if err != nil {
		if postgresql.IsUniqueViolation(err) {
			return nil, domain.ErrRunnerNameTaken
		}
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}

	return &created, nil
}

func (s *Storage) Get(ctx context.Context, id int64) (*domain.Runner, error) {
	return s.getBy(ctx, "id", id, domain.ErrRunnerNotFound)
}

func (s *Storage) GetByToken(ctx context.Context, runnerToken string) (*domain.Runner, error) {
	return s.getBy(ctx, "runner_token", runnerToken, domain.ErrInvalidRunnerToken)
}

func (s *Storage) getBy(ctx context.Context, column string, value any, notFound error) (*domain.Runner, error) {
	query := `SELECT ` + runnerColumns + ` FROM runners WHERE ` + column + ` = $1`

	var r domain.Runner
	if err := s.db.GetContext(ctx, &r, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound
		}
		return nil, fmt.Errorf("failed to get runner: %w", err)
	}
	return &r, nil
}

func (s *Storage) List(ctx context.Context, opts runner.ListOptions) ([]*domain.Runner, int, error) {
	column, ok := runnerSortColumns[opts.Sort.Field]
	if !ok {
		return nil, 0, domain.ErrInvalidSort.WithMessage("cannot sort runners by %q", opts.Sort.Field)
	}

	query := fmt.Sprintf(`SELECT %s FROM runners ORDER BY %s %s, id %s LIMIT $1 OFFSET $2`,
		runnerColumns, column, opts.Sort.Direction(), opts.Sort.Direction())

	runners := []*domain.Runner{}
	if err := s.db.SelectContext(ctx, &runners, query, opts.Count, opts.Start); err != nil {
		return nil, 0, fmt.Errorf("failed to list runners: %w", err)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM runners`); err != nil {
		return nil, 0, fmt.Errorf("failed to count runners: %w", err)
	}

	return runners, total, nil
}

// Delete removes a runner. Its runner jobs keep their state with runner_id set to NULL.
func (s *Storage) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runners WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete runner: %w", err)
	}
	return requireRow(res, domain.ErrRunnerNotFound)
}

func (s *Storage) TouchLastContact(ctx context.Context, id int64, ip string, now, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE runners
		SET last_contact = $1,
		    ip = $2,
		    updated_at = $1
		WHERE id = $3 AND last_contact < $4
	`

	res, err := s.db.ExecContext(ctx, query, now, ip, id, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to update runner last contact: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
