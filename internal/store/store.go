// Package store is the data access layer for the jobs table. The
// table is the single source of truth for job state; every transition
// here is a conditional update so that concurrent workers and API
// instances never observe a row in two logical states at once.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantlab/trainhub/internal/jobs"
	"github.com/quantlab/trainhub/shared/postgresql"
)

const jobColumns = `
	id, correlation_id, owner_id, kind, priority, status, progress,
	retries, max_retries, base_retry_delay, config, remote_task_id,
	result, error, logs, created_at, started_at, completed_at, updated_at`

// Store handles all database operations on jobs.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates a Store on top of the shared PostgreSQL client.
func New(pg *postgresql.Client, logger *slog.Logger) *Store {
	return NewWithDB(pg.GetDB(), logger)
}

// NewWithDB creates a Store from a raw sqlx handle (used by tests).
func NewWithDB(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Create inserts a new pending job and fills in the store-assigned id
// and timestamps.
func (s *Store) Create(ctx context.Context, job *jobs.Job) error {
	query := `
		INSERT INTO jobs (
			correlation_id, owner_id, kind, priority, status, progress,
			retries, max_retries, base_retry_delay, config, logs,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $7, $8, '', NOW(), NOW())
		RETURNING id, created_at, updated_at
	`

	err := s.db.QueryRowContext(
		ctx,
		query,
		job.CorrelationID,
		job.OwnerID,
		job.Kind,
		job.Priority,
		jobs.StatusPending,
		job.MaxRetries,
		job.BaseRetryDelaySec,
		job.Config,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	job.Status = jobs.StatusPending

	s.logger.Info("Job created",
		slog.Int64("job_id", job.ID),
		slog.String("correlation_id", job.CorrelationID),
		slog.String("kind", job.Kind),
		slog.Int("priority", job.Priority),
	)

	return nil
}

// Get retrieves a job by its id.
func (s *Store) Get(ctx context.Context, id int64) (*jobs.Job, error) {
	query := `SELECT` + jobColumns + ` FROM jobs WHERE id = $1`

	var job jobs.Job
	if err := s.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobs.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// GetByCorrelationID retrieves a job by its externally visible id.
func (s *Store) GetByCorrelationID(ctx context.Context, correlationID string) (*jobs.Job, error) {
	query := `SELECT` + jobColumns + ` FROM jobs WHERE correlation_id = $1`

	var job jobs.Job
	if err := s.db.GetContext(ctx, &job, query, correlationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobs.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// ClaimPending atomically transitions up to limit pending jobs to
// running and returns them, highest priority first, oldest first
// within a priority. The conditional update plus SKIP LOCKED means two
// worker processes claiming at the same moment can never both get the
// same row.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]jobs.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    started_at = NOW(),
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $2
			ORDER BY priority DESC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		AND status = $2
		RETURNING` + jobColumns

	var claimed []jobs.Job
	if err := s.db.SelectContext(ctx, &claimed, query, jobs.StatusRunning, jobs.StatusPending, limit); err != nil {
		return nil, fmt.Errorf("failed to claim pending jobs: %w", err)
	}

	// RETURNING has no defined order; restore claim order.
	sort.SliceStable(claimed, func(i, j int) bool {
		if claimed[i].Priority != claimed[j].Priority {
			return claimed[i].Priority > claimed[j].Priority
		}
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})

	if len(claimed) > 0 {
		s.logger.Info("Claimed pending jobs",
			slog.Int("count", len(claimed)),
		)
	}

	return claimed, nil
}

// SetRemoteTask records the handle the remote executor assigned on
// submit, so later polls and cancels reference the correct remote job.
func (s *Store) SetRemoteTask(ctx context.Context, id int64, remoteTaskID string) error {
	query := `UPDATE jobs SET remote_task_id = $2, updated_at = NOW() WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, id, remoteTaskID); err != nil {
		return fmt.Errorf("failed to set remote task id: %w", err)
	}

	return nil
}

// UpdateProgress persists an observed progress value. GREATEST keeps
// progress monotonic: a stale value arriving out of order can never
// roll it back.
func (s *Store) UpdateProgress(ctx context.Context, id int64, progress int) error {
	query := `
		UPDATE jobs
		SET progress = GREATEST(progress, $2),
		    updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`

	_, err := s.db.ExecContext(ctx, query, id, progress, jobs.StatusRunning, jobs.StatusCancelling)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	return nil
}

// AppendLog appends a line to the job's accumulated log text.
func (s *Store) AppendLog(ctx context.Context, id int64, line string) error {
	query := `UPDATE jobs SET logs = logs || $2, updated_at = NOW() WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, id, line+"\n"); err != nil {
		return fmt.Errorf("failed to append job log: %w", err)
	}

	return nil
}

// Complete marks a running (or cancelling) job completed with its
// result payload. A job that finished naturally while a cancel was in
// flight stays completed: MarkCancelled requires the cancelling status
// and will no longer match.
func (s *Store) Complete(ctx context.Context, id int64, result json.RawMessage) error {
	query := `
		UPDATE jobs
		SET status = $2,
		    progress = 100,
		    result = $3,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`

	res, err := s.db.ExecContext(ctx, query, id, jobs.StatusCompleted, []byte(result), jobs.StatusRunning, jobs.StatusCancelling)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	return s.expectOneRow(res, id, jobs.StatusCompleted)
}

// Fail marks a running (or cancelling) job failed with the cause.
func (s *Store) Fail(ctx context.Context, id int64, errMsg string) error {
	query := `
		UPDATE jobs
		SET status = $2,
		    error = $3,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`

	res, err := s.db.ExecContext(ctx, query, id, jobs.StatusFailed, errMsg, jobs.StatusRunning, jobs.StatusCancelling)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	return s.expectOneRow(res, id, jobs.StatusFailed)
}

// RequestCancel transitions a running job to cancelling so its monitor
// tears the remote task down. Pending jobs go through CancelIfPending
// instead. Returns ErrNotCancellable when the job is not running.
func (s *Store) RequestCancel(ctx context.Context, id int64) error {
	query := `
		UPDATE jobs
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`

	res, err := s.db.ExecContext(ctx, query, id, jobs.StatusCancelling, jobs.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return jobs.ErrNotCancellable
	}

	return nil
}

// CancelIfPending cancels a job that no worker has claimed yet. A
// pending row has no remote task and no monitor watching it, so it is
// finalized in place instead of parking in cancelling with nothing to
// settle it. Returns ErrNotCancellable when the row is no longer
// pending, in which case the caller falls back to RequestCancel.
func (s *Store) CancelIfPending(ctx context.Context, id int64) error {
	query := `
		UPDATE jobs
		SET status = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = $3
	`

	res, err := s.db.ExecContext(ctx, query, id, jobs.StatusCancelled, jobs.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to cancel pending job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return jobs.ErrNotCancellable
	}

	s.logger.Info("Pending job cancelled",
		slog.Int64("job_id", id),
	)

	return nil
}

// MarkCancelled finalizes a cancelling job. A no-op (with error) if the
// job reached a natural terminal state first; the natural status wins.
func (s *Store) MarkCancelled(ctx context.Context, id int64) error {
	query := `
		UPDATE jobs
		SET status = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = $3
	`

	res, err := s.db.ExecContext(ctx, query, id, jobs.StatusCancelled, jobs.StatusCancelling)
	if err != nil {
		return fmt.Errorf("failed to mark job cancelled: %w", err)
	}

	return s.expectOneRow(res, id, jobs.StatusCancelled)
}

// MarkForRetry returns a failed job to the pending pool: bumps the
// retry counter and clears the attempt's timestamps and error in one
// statement. The retries guard makes the exhausted-job invariant hold
// at the store level: a failed job with retries == max_retries can
// never transition back to pending.
func (s *Store) MarkForRetry(ctx context.Context, id int64) error {
	query := `
		UPDATE jobs
		SET status = $2,
		    retries = retries + 1,
		    started_at = NULL,
		    completed_at = NULL,
		    error = '',
		    remote_task_id = '',
		    updated_at = NOW()
		WHERE id = $1 AND status = $3 AND retries < max_retries
	`

	res, err := s.db.ExecContext(ctx, query, id, jobs.StatusPending, jobs.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to mark job for retry: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return jobs.ErrMaxRetriesExceeded
	}

	s.logger.Info("Job returned to pending pool for retry",
		slog.Int64("job_id", id),
	)

	return nil
}

func (s *Store) expectOneRow(res sql.Result, id int64, status jobs.Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		s.logger.Warn("Job status transition matched no row",
			slog.Int64("job_id", id),
			slog.String("target_status", string(status)),
		)
		return jobs.ErrJobAlreadyClaimed
	}

	s.logger.Info("Job status updated",
		slog.Int64("job_id", id),
		slog.String("status", string(status)),
	)

	return nil
}

// Filter narrows List results.
type Filter struct {
	OwnerID  string
	Kind     string
	Status   jobs.Status
	PageSize int
	Cursor   *Cursor
}

// Cursor is an opaque (created_at, id) pagination position.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

// List returns jobs matching the filter, newest first, with cursor
// pagination. One extra row beyond PageSize is fetched so callers can
// tell whether more results exist.
func (s *Store) List(ctx context.Context, filter Filter) ([]jobs.Job, error) {
	query := `SELECT` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var result []jobs.Job
	if err := s.db.SelectContext(ctx, &result, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return result, nil
}

// ListPending returns up to limit pending jobs in claim order without
// claiming them.
func (s *Store) ListPending(ctx context.Context, limit int) ([]jobs.Job, error) {
	query := `SELECT` + jobColumns + `
		FROM jobs
		WHERE status = $1
		ORDER BY priority DESC, created_at ASC
		LIMIT $2`

	var result []jobs.Job
	if err := s.db.SelectContext(ctx, &result, query, jobs.StatusPending, limit); err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	return result, nil
}

// CountPending returns the number of jobs waiting to be claimed.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM jobs WHERE status = $1`, jobs.StatusPending); err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}

	return count, nil
}
