// Package store persists job records and owns the lifecycle state
// machine. Every write is a conditional update keyed on the current
// status, so racing producers and consumers cannot corrupt a record.
package store

import (
	"context"
	"time"

	"marketjobs/internal/models"
)

// Repository is the durable job store consumed by the orchestrator and
// the API. *Postgres is the production implementation; *Memory backs
// tests and local development.
type Repository interface {
	// CreateQueued inserts a queued record unless the idempotency key
	// already maps to a record in {queued, running, succeeded}; then it
	// returns that record's job_id with created=false and writes
	// nothing. The check-and-insert is atomic with respect to
	// concurrent callers on the same key.
	CreateQueued(ctx context.Context, p CreateQueuedParams) (jobID string, created bool, err error)

	// SetRunning moves a job into running and increments its attempt
	// counter. Permitted from queued, from failed while the attempt
	// budget lasts, and from running itself so that a redelivered
	// message can take over after a consumer crash. Every other source
	// state yields *models.InvalidTransitionError.
	SetRunning(ctx context.Context, jobID string, startedAt time.Time) (models.JobRecord, error)

	// SetSucceeded moves running to succeeded, terminal.
	SetSucceeded(ctx context.Context, jobID string, finishedAt time.Time, resultRef *string) error

	// SetFailed moves running to failed, recording the taxonomy code,
	// a redacted bounded message, and the attempt it happened on.
	SetFailed(ctx context.Context, jobID string, finishedAt time.Time, code models.ErrorCode, message string, attempt int) error

	// SetDeadLetter moves failed to dead_letter, terminal.
	SetDeadLetter(ctx context.Context, jobID string, finishedAt time.Time, code models.ErrorCode, message string, attempt int) error

	// MarkEnqueueFailed aborts a queued record whose message can never
	// be delivered (terminal enqueue failure on the producer path).
	MarkEnqueueFailed(ctx context.Context, jobID string, finishedAt time.Time, code models.ErrorCode, message string) error

	// GetByID returns the record or models.ErrNotFound.
	GetByID(ctx context.Context, jobID string) (models.JobRecord, error)

	// GetByIdempotency resolves the single record holding the key in
	// {queued, running, succeeded}. Failed and dead-lettered records do
	// not hold their key, so those keys are reusable.
	GetByIdempotency(ctx context.Context, key string) (jobID string, ok bool, err error)

	Ping(ctx context.Context) error
}

// CreateQueuedParams collects the immutable fields of a new job.
type CreateQueuedParams struct {
	JobID          string
	IdempotencyKey string
	JobType        models.JobType
	Symbol         string
	Asof           time.Time
	RequestedBy    string
	CreatedAt      time.Time
	MaxAttempts    int
}
