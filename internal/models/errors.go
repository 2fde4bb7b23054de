package models

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable failure taxonomy surfaced to callers and
// persisted on failed and dead-lettered jobs.
type ErrorCode string

const (
	CodeIdempotencyConflict ErrorCode = "IDEMPOTENCY_CONFLICT"
	CodeUpstreamEmpty       ErrorCode = "UPSTREAM_EMPTY"
	CodeTransformInvalid    ErrorCode = "TRANSFORM_INVALID"
	CodeQualityFailed       ErrorCode = "QUALITY_FAILED"
	CodeStorageWriteFailed  ErrorCode = "STORAGE_WRITE_FAILED"
	CodeRepoUnavailable     ErrorCode = "REPO_UNAVAILABLE"
	CodeQueueUnavailable    ErrorCode = "QUEUE_UNAVAILABLE"
	CodeMessageTooLarge     ErrorCode = "MESSAGE_TOO_LARGE"
	CodeInvalidMessage      ErrorCode = "INVALID_MESSAGE"
	CodeHandlerPanic        ErrorCode = "HANDLER_PANIC"
	CodeNoHandler           ErrorCode = "NO_HANDLER"
	CodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// Valid reports whether c is part of the taxonomy.
func (c ErrorCode) Valid() bool {
	switch c {
	case CodeIdempotencyConflict, CodeUpstreamEmpty, CodeTransformInvalid,
		CodeQualityFailed, CodeStorageWriteFailed, CodeRepoUnavailable,
		CodeQueueUnavailable, CodeMessageTooLarge, CodeInvalidMessage,
		CodeHandlerPanic, CodeNoHandler, CodeInternal:
		return true
	}
	return false
}

// ErrNotFound is returned by repository reads when no job matches.
var ErrNotFound = errors.New("job not found")

// ErrInvalidJobSpec is returned when job-defining fields are malformed
// (empty job_type or symbol, zero asof).
var ErrInvalidJobSpec = errors.New("invalid job spec")

// JobError is a typed handler or transport failure carrying a taxonomy
// code plus a bounded human-readable message.
type JobError struct {
	Code    ErrorCode
	Message string
}

// NewJobError builds a JobError with a formatted message.
func NewJobError(code ErrorCode, format string, args ...any) *JobError {
	return &JobError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf extracts the taxonomy code from err. Untyped errors map to
// INTERNAL_ERROR so the persisted record always carries a stable code.
func CodeOf(err error) ErrorCode {
	var je *JobError
	if errors.As(err, &je) {
		return je.Code
	}
	return CodeInternal
}

// InvalidTransitionError is returned by the repository when a requested
// status change is not an edge of the job state machine. The repository
// rejects these loudly so callers cannot corrupt committed state.
type InvalidTransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for job %s: %s to %s", e.JobID, e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
