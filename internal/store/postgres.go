package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketjobs/internal/models"
	"marketjobs/internal/redact"
)

// activeIdemIndex is the partial unique index that makes check-then-insert
// atomic: only records in {queued, running, succeeded} hold their key.
const activeIdemIndex = "jobs_active_idem_key"

const jobColumns = `job_id, idempotency_key, job_type, symbol, asof, status, attempt, max_attempts,
	requested_by, last_error_code, last_error_message, result_ref, created_at, started_at, finished_at, updated_at`

// Postgres implements Repository on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the repository is reachable.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateQueued inserts a queued job row. The partial unique index on
// idempotency_key arbitrates concurrent submissions: the loser of the
// race reads back the winner's job_id instead of writing a second row.
func (s *Postgres) CreateQueued(ctx context.Context, p CreateQueuedParams) (string, bool, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = models.DefaultMaxAttempts
	}
	created := p.CreatedAt.UTC()

	// Two rounds: if the conflicting record settles terminally between
	// our insert and the lookup, the second insert claims the key.
	for try := 0; try < 2; try++ {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO jobs (job_id, idempotency_key, job_type, symbol, asof, status, attempt, max_attempts, requested_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, $7, $8, $8)
		`, p.JobID, p.IdempotencyKey, p.JobType, p.Symbol, p.Asof.UTC(), p.MaxAttempts, p.RequestedBy, created)
		if err == nil {
			return p.JobID, true, nil
		}
		if !isUniqueViolation(err, activeIdemIndex) {
			return "", false, fmt.Errorf("insert job: %w", err)
		}
		existing, ok, lookupErr := s.GetByIdempotency(ctx, p.IdempotencyKey)
		if lookupErr != nil {
			return "", false, lookupErr
		}
		if ok {
			return existing, false, nil
		}
	}
	return "", false, models.NewJobError(models.CodeIdempotencyConflict, "idempotency key %s kept conflicting during insert", p.IdempotencyKey)
}

// SetRunning claims a job for execution.
func (s *Postgres) SetRunning(ctx context.Context, jobID string, startedAt time.Time) (models.JobRecord, error) {
	now := startedAt.UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'running', attempt = attempt + 1, started_at = $2,
		    last_error_code = NULL, last_error_message = NULL, finished_at = NULL, updated_at = $2
		WHERE job_id = $1
		  AND (status = 'queued' OR status = 'running' OR (status = 'failed' AND attempt < max_attempts))
		RETURNING `+jobColumns, jobID, now)

	rec, err := scanJob(row)
	if err == nil {
		return rec, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRecord{}, s.transitionRefused(ctx, jobID, models.StatusRunning)
	}
	// A fresh submission reclaimed this key while the job sat failed;
	// the old record stays failed and this delivery is obsolete.
	if isUniqueViolation(err, activeIdemIndex) {
		return models.JobRecord{}, &models.InvalidTransitionError{JobID: jobID, From: models.StatusFailed, To: models.StatusRunning}
	}
	return models.JobRecord{}, fmt.Errorf("set running %s: %w", jobID, err)
}

// SetSucceeded finishes a running job, terminal.
func (s *Postgres) SetSucceeded(ctx context.Context, jobID string, finishedAt time.Time, resultRef *string) error {
	now := finishedAt.UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'succeeded', finished_at = $2, result_ref = $3, updated_at = $2
		WHERE job_id = $1 AND status = 'running'
	`, jobID, now, resultRef)
	if err != nil {
		return fmt.Errorf("set succeeded %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionRefused(ctx, jobID, models.StatusSucceeded)
	}
	return nil
}

// SetFailed records a failed attempt on a running job.
func (s *Postgres) SetFailed(ctx context.Context, jobID string, finishedAt time.Time, code models.ErrorCode, message string, attempt int) error {
	now := finishedAt.UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', finished_at = $2, last_error_code = $3, last_error_message = $4, updated_at = $2
		WHERE job_id = $1 AND status = 'running' AND attempt = $5
	`, jobID, now, code, redact.Message(message), attempt)
	if err != nil {
		return fmt.Errorf("set failed %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionRefused(ctx, jobID, models.StatusFailed)
	}
	return nil
}

// SetDeadLetter retires a failed job whose attempt budget is spent, terminal.
func (s *Postgres) SetDeadLetter(ctx context.Context, jobID string, finishedAt time.Time, code models.ErrorCode, message string, attempt int) error {
	now := finishedAt.UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'dead_letter', finished_at = $2, last_error_code = $3, last_error_message = $4, updated_at = $2
		WHERE job_id = $1 AND status = 'failed' AND attempt = $5
	`, jobID, now, code, redact.Message(message), attempt)
	if err != nil {
		return fmt.Errorf("set dead letter %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionRefused(ctx, jobID, models.StatusDeadLetter)
	}
	return nil
}

// MarkEnqueueFailed aborts a queued job whose enqueue failed terminally.
func (s *Postgres) MarkEnqueueFailed(ctx context.Context, jobID string, finishedAt time.Time, code models.ErrorCode, message string) error {
	now := finishedAt.UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', finished_at = $2, last_error_code = $3, last_error_message = $4, updated_at = $2
		WHERE job_id = $1 AND status = 'queued'
	`, jobID, now, code, redact.Message(message))
	if err != nil {
		return fmt.Errorf("mark enqueue failed %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionRefused(ctx, jobID, models.StatusFailed)
	}
	return nil
}

// GetByID fetches one record.
func (s *Postgres) GetByID(ctx context.Context, jobID string) (models.JobRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	rec, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRecord{}, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return rec, nil
}

// GetByIdempotency resolves the active-or-succeeded record for a key.
func (s *Postgres) GetByIdempotency(ctx context.Context, key string) (string, bool, error) {
	var jobID string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM jobs
		WHERE idempotency_key = $1 AND status IN ('queued', 'running', 'succeeded')
	`, key).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query idempotency key: %w", err)
	}
	return jobID, true, nil
}

// transitionRefused loads the current record to build a precise error
// for a conditional update that matched no row.
func (s *Postgres) transitionRefused(ctx context.Context, jobID string, to models.JobStatus) error {
	rec, err := s.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	return &models.InvalidTransitionError{JobID: jobID, From: rec.Status, To: to}
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func scanJob(row pgx.Row) (models.JobRecord, error) {
	var rec models.JobRecord
	var errCode, errMsg, resultRef pgtype.Text
	var startedAt, finishedAt pgtype.Timestamptz

	err := row.Scan(
		&rec.JobID, &rec.IdempotencyKey, &rec.JobType, &rec.Symbol, &rec.Asof,
		&rec.Status, &rec.Attempt, &rec.MaxAttempts, &rec.RequestedBy,
		&errCode, &errMsg, &resultRef, &rec.CreatedAt, &startedAt, &finishedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return models.JobRecord{}, err
	}

	if errCode.Valid {
		code := models.ErrorCode(errCode.String)
		rec.LastErrorCode = &code
	}
	rec.LastErrorMessage = textPtr(errMsg)
	rec.ResultRef = textPtr(resultRef)
	rec.StartedAt = timePtr(startedAt)
	rec.FinishedAt = timePtr(finishedAt)
	return rec, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
