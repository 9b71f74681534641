package storage

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
	"github.com/cuongbtq/transcode-orchestrator/internal/jobqueue"
	"github.com/cuongbtq/transcode-orchestrator/shared/postgresql"
)

var now = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

var columns = []string{
	"id", "type", "payload", "state", "priority", "attempts_made", "max_attempts", "progress",
	"parent_id", "fail_parent_on_failure", "worker_id", "error_message", "result",
	"run_at", "last_heartbeat_at", "created_at", "processed_at", "finished_at",
}

func newTestStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pg := postgresql.NewClientFromDB(sqlx.NewDb(db, "postgres"), slog.New(slog.DiscardHandler))
	return NewStorage(pg), mock
}

func jobRow(id int64, state domain.JobState, parentID any) []driver.Value {
	return []driver.Value{
		id, "email", []byte(`{"to":"a@b.c"}`), string(state), 0, 1, 5, 0,
		parentID, true, "w1", nil, []byte("null"),
		now, now, now, now, nil,
	}
}

func TestStorage_Insert_LinksParents(t *testing.T) {
	s, mock := newTestStorage(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO jobs").
		WithArgs(domain.JobTypeEmail, sqlmock.AnyArg(), domain.JobStateWaiting, 0, 5, now, nil, true).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(jobRow(1, domain.JobStateWaiting, nil)...))
	mock.ExpectQuery("INSERT INTO jobs").
		WithArgs(domain.JobTypeEmail, sqlmock.AnyArg(), domain.JobStateWaitingChildren, 0, 5, now, int64(1), true).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(jobRow(2, domain.JobStateWaitingChildren, int64(1))...))
	mock.ExpectCommit()

	jobs, err := s.Insert(context.Background(), []jobqueue.NewJob{
		{Type: domain.JobTypeEmail, Payload: json.RawMessage(`{}`), State: domain.JobStateWaiting, MaxAttempts: 5, RunAt: now, Parent: -1, FailParentOnFailure: true},
		{Type: domain.JobTypeEmail, Payload: json.RawMessage(`{}`), State: domain.JobStateWaitingChildren, MaxAttempts: 5, RunAt: now, Parent: 0, FailParentOnFailure: true},
	})

	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, int64(1), jobs[0].ID)
	require.NotNil(t, jobs[1].ParentID)
	assert.Equal(t, int64(1), *jobs[1].ParentID)
	assert.JSONEq(t, `{"to":"a@b.c"}`, string(jobs[0].Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_Dequeue(t *testing.T) {
	ctx := context.Background()

	t.Run("claims the next job", func(t *testing.T) {
		s, mock := newTestStorage(t)
		mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
			WithArgs(domain.JobStateActive, "w1", now, domain.JobTypeEmail,
				domain.JobStateWaiting, domain.JobStatePrioritized, domain.JobStateDelayed).
			WillReturnRows(sqlmock.NewRows(columns).AddRow(jobRow(7, domain.JobStateActive, nil)...))

		job, err := s.Dequeue(ctx, domain.JobTypeEmail, "w1", now)

		require.NoError(t, err)
		assert.Equal(t, int64(7), job.ID)
		assert.Equal(t, domain.JobStateActive, job.State)
		require.NotNil(t, job.WorkerID)
		assert.Equal(t, "w1", *job.WorkerID)
		assert.Nil(t, job.ParentID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing ready", func(t *testing.T) {
		s, mock := newTestStorage(t)
		mock.ExpectQuery("UPDATE jobs").WillReturnRows(sqlmock.NewRows(columns))

		_, err := s.Dequeue(ctx, domain.JobTypeEmail, "w1", now)

		assert.ErrorIs(t, err, domain.ErrNoJobAvailable)
	})
}

func TestStorage_Heartbeat_NotOwned(t *testing.T) {
	s, mock := newTestStorage(t)
	mock.ExpectExec("UPDATE jobs").
		WithArgs(now, int64(3), domain.JobStateActive, "w2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Heartbeat(context.Background(), 3, "w2", now)

	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_Complete(t *testing.T) {
	ctx := context.Background()

	t.Run("releases dependants", func(t *testing.T) {
		s, mock := newTestStorage(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE jobs").
			WithArgs(domain.JobStateCompleted, []byte(`{"ok":true}`), now, int64(1), domain.JobStateActive, "w1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(regexp.QuoteMeta("parent_id = ANY($3)")).
			WithArgs(now, domain.JobStateWaitingChildren, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(columns).AddRow(jobRow(2, domain.JobStateWaiting, int64(1))...))
		mock.ExpectCommit()

		released, err := s.Complete(ctx, 1, "w1", json.RawMessage(`{"ok":true}`), now)

		require.NoError(t, err)
		require.Len(t, released, 1)
		assert.Equal(t, int64(2), released[0].ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost ownership rolls back", func(t *testing.T) {
		s, mock := newTestStorage(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE jobs").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := s.Complete(ctx, 1, "w1", nil, now)

		assert.ErrorIs(t, err, domain.ErrJobNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStorage_Retry(t *testing.T) {
	s, mock := newTestStorage(t)
	runAt := now.Add(time.Minute)
	mock.ExpectExec("UPDATE jobs").
		WithArgs(true, runAt, "boom", false, int64(4), domain.JobStateActive, "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Retry(context.Background(), 4, "w1", jobqueue.RetryRequest{Error: "boom", RunAt: runAt, Now: now})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_Fail_CascadesAndReleases(t *testing.T) {
	s, mock := newTestStorage(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs").
		WithArgs(domain.JobStateFailed, "boom", now, int64(1), domain.JobStateActive, "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("WITH RECURSIVE doomed").
		WithArgs(int64(1), domain.JobStateWaitingChildren, domain.JobStateFailed, "parent job failed: boom", now).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(jobRow(2, domain.JobStateFailed, int64(1))...))
	mock.ExpectQuery(regexp.QuoteMeta("parent_id = ANY($3)")).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(jobRow(3, domain.JobStateWaiting, int64(1))...))
	mock.ExpectCommit()

	res, err := s.Fail(context.Background(), 1, "w1", "boom", now)

	require.NoError(t, err)
	require.Len(t, res.Cascaded, 1)
	assert.Equal(t, int64(2), res.Cascaded[0].ID)
	require.Len(t, res.Released, 1)
	assert.Equal(t, int64(3), res.Released[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_Fail_DatabaseError(t *testing.T) {
	s, mock := newTestStorage(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.Fail(context.Background(), 1, "w1", "boom", now)

	assert.ErrorContains(t, err, "failed to fail job")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_Get_NotFound(t *testing.T) {
	s, mock := newTestStorage(t)
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id = ").WithArgs(int64(9)).WillReturnRows(sqlmock.NewRows(columns))

	_, err := s.Get(context.Background(), 9)

	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStorage_List(t *testing.T) {
	tests := []struct {
		name   string
		filter jobqueue.ListFilter
		query  string
	}{
		{
			name:   "no filter",
			filter: jobqueue.ListFilter{Limit: 10},
			query:  "FROM jobs ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2",
		},
		{
			name: "states and types ascending",
			filter: jobqueue.ListFilter{
				States: []domain.JobState{domain.JobStateWaiting, domain.JobStatePrioritized},
				Types:  []domain.JobType{domain.JobTypeEmail},
				Offset: 5,
				Limit:  10,
				Asc:    true,
			},
			query: "WHERE state = ANY($1) AND type = ANY($2) ORDER BY created_at ASC, id ASC LIMIT $3 OFFSET $4",
		},
		{
			name:   "no limit",
			filter: jobqueue.ListFilter{Types: []domain.JobType{domain.JobTypeEmail}},
			query:  "WHERE type = ANY($1) ORDER BY created_at DESC, id DESC OFFSET $2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestStorage(t)
			mock.ExpectQuery(regexp.QuoteMeta(tt.query)).
				WillReturnRows(sqlmock.NewRows(columns).AddRow(jobRow(1, domain.JobStateWaiting, nil)...))

			jobs, err := s.List(context.Background(), tt.filter)

			require.NoError(t, err)
			assert.Len(t, jobs, 1)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStorage_CountByState(t *testing.T) {
	s, mock := newTestStorage(t)
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY type, state")).
		WillReturnRows(sqlmock.NewRows([]string{"type", "state", "count"}).
			AddRow("email", "completed", 3).
			AddRow("notify", "failed", 1))

	counts, err := s.CountByState(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []jobqueue.StateCount{
		{Type: domain.JobTypeEmail, State: domain.JobStateCompleted, Count: 3},
		{Type: domain.JobTypeNotify, State: domain.JobStateFailed, Count: 1},
	}, counts)
}

func TestStorage_RemoveFinished(t *testing.T) {
	t.Run("age and count", func(t *testing.T) {
		s, mock := newTestStorage(t)
		cutoff := now.Add(-time.Hour)
		mock.ExpectExec(regexp.QuoteMeta("ROW_NUMBER() OVER")).
			WithArgs(domain.JobTypeEmail, domain.JobStateCompleted, cutoff, 100).
			WillReturnResult(sqlmock.NewResult(0, 4))

		n, err := s.RemoveFinished(context.Background(), domain.JobTypeEmail, domain.JobStateCompleted, cutoff, 100)

		require.NoError(t, err)
		assert.Equal(t, int64(4), n)
	})

	t.Run("count only", func(t *testing.T) {
		s, mock := newTestStorage(t)
		mock.ExpectExec("DELETE FROM jobs").
			WithArgs(domain.JobTypeEmail, domain.JobStateFailed, nil, 10).
			WillReturnResult(sqlmock.NewResult(0, 0))

		n, err := s.RemoveFinished(context.Background(), domain.JobTypeEmail, domain.JobStateFailed, time.Time{}, 10)

		require.NoError(t, err)
		assert.Zero(t, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
