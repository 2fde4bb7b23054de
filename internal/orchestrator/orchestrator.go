// Package orchestrator owns the job lifecycle protocol: idempotent
// submission on the producer side, and the transition discipline that
// keeps effective-once semantics on top of at-least-once delivery.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"marketjobs/internal/backoff"
	"marketjobs/internal/config"
	"marketjobs/internal/idempotency"
	"marketjobs/internal/models"
	"marketjobs/internal/queue"
	"marketjobs/internal/redact"
	"marketjobs/internal/store"
	"marketjobs/internal/telemetry"
)

// Handler executes the business work for one claimed job. It returns an
// optional result reference (artifact location) on success. Handlers
// must be safe to rerun: a crash or lost ack replays the same job.
type Handler func(ctx context.Context, job models.JobRecord) (resultRef string, err error)

// Orchestrator coordinates the repository and the broker so that every
// submission yields exactly one durable job and every delivery settles
// in a valid terminal state.
type Orchestrator struct {
	cfg      config.Config
	repo     store.Repository
	queue    queue.Client
	log      *slog.Logger
	retry    backoff.Strategy
	handlers map[models.JobType]Handler
	now      func() time.Time
}

// New builds an orchestrator. Handlers are registered separately.
func New(cfg config.Config, repo store.Repository, q queue.Client, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		repo:     repo,
		queue:    q,
		log:      logger,
		retry:    backoff.ExponentialWithJitter{Initial: cfg.Jobs.BackoffInitial, Max: cfg.Jobs.BackoffMax},
		handlers: make(map[models.JobType]Handler),
		now:      time.Now,
	}
}

// Register binds a handler to a job type. Not safe to call once
// consumption has started.
func (o *Orchestrator) Register(jobType models.JobType, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	o.handlers[jobType] = h
}

// SubmitRequest describes one job submission.
type SubmitRequest struct {
	JobType     models.JobType
	Symbol      string
	Asof        time.Time
	RequestedBy string
}

// SubmitResult reports where a submission landed. Created is false when
// the submission deduplicated onto an existing job.
type SubmitResult struct {
	JobID   string
	Created bool
}

// Submit derives the idempotency key, creates the durable record and
// publishes the envelope. Duplicate submissions return the existing
// job. When enqueue retries exhaust on a transport outage the record
// stays queued (a later enqueue can still deliver the same job); a
// terminal enqueue failure marks the record failed instead. Either way
// the returned error carries the taxonomy code and JobID points at the
// record.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if !req.JobType.Valid() {
		return SubmitResult{}, fmt.Errorf("%w: unknown job_type %q", models.ErrInvalidJobSpec, req.JobType)
	}
	key, err := idempotency.Derive(req.JobType, req.Symbol, req.Asof)
	if err != nil {
		return SubmitResult{}, err
	}

	existing, ok, err := o.repo.GetByIdempotency(ctx, key)
	if err != nil {
		return SubmitResult{}, models.NewJobError(models.CodeRepoUnavailable, "idempotency lookup: %v", err)
	}
	if ok {
		telemetry.DedupedCounter.Inc()
		o.log.InfoContext(ctx, "submission deduplicated", "job_id", existing, "idempotency_key", key)
		return SubmitResult{JobID: existing}, nil
	}

	y, mo, d := req.Asof.UTC().Date()
	params := store.CreateQueuedParams{
		JobID:          uuid.NewString(),
		IdempotencyKey: key,
		JobType:        req.JobType,
		Symbol:         idempotency.NormalizeSymbol(req.Symbol),
		Asof:           time.Date(y, mo, d, 0, 0, 0, 0, time.UTC),
		RequestedBy:    req.RequestedBy,
		CreatedAt:      o.now().UTC(),
		MaxAttempts:    o.cfg.Jobs.MaxAttempts,
	}
	jobID, created, err := o.repo.CreateQueued(ctx, params)
	if err != nil {
		var je *models.JobError
		if errors.As(err, &je) {
			return SubmitResult{}, err
		}
		return SubmitResult{}, models.NewJobError(models.CodeRepoUnavailable, "create job: %v", err)
	}
	if !created {
		telemetry.DedupedCounter.Inc()
		o.log.InfoContext(ctx, "submission deduplicated", "job_id", jobID, "idempotency_key", key)
		return SubmitResult{JobID: jobID}, nil
	}

	rec := models.JobRecord{
		JobID:          jobID,
		IdempotencyKey: key,
		JobType:        params.JobType,
		Symbol:         params.Symbol,
		Asof:           params.Asof,
		RequestedBy:    params.RequestedBy,
	}
	payload, err := models.EncodeMessage(models.NewJobMessage(rec, o.now()))
	if err != nil {
		return SubmitResult{JobID: jobID, Created: true}, models.NewJobError(models.CodeInternal, "encode envelope: %v", err)
	}

	if err := o.enqueueWithRetry(ctx, payload); err != nil {
		code := queue.FailureCode(err)
		telemetry.EnqueueFailures.WithLabelValues(string(code)).Inc()
		if queue.IsUnavailable(err) {
			o.log.ErrorContext(ctx, "enqueue retries exhausted, record left queued",
				"job_id", jobID, "idempotency_key", key, "error_code", string(code), "error", err)
			return SubmitResult{JobID: jobID, Created: true}, models.NewJobError(code, "enqueue job: %v", err)
		}
		// Terminal: this envelope can never be delivered, so the record
		// must not linger queued.
		if markErr := o.repo.MarkEnqueueFailed(ctx, jobID, o.now().UTC(), code, err.Error()); markErr != nil {
			o.log.ErrorContext(ctx, "abandoning queued record after enqueue failure",
				"job_id", jobID, "error", markErr)
		}
		o.log.ErrorContext(ctx, "enqueue failed",
			"job_id", jobID, "idempotency_key", key, "error_code", string(code), "error", err)
		return SubmitResult{JobID: jobID, Created: true}, models.NewJobError(code, "enqueue job: %v", err)
	}

	telemetry.SubmittedCounter.Inc()
	o.log.InfoContext(ctx, "job submitted",
		"job_id", jobID, "idempotency_key", key, "job_type", string(params.JobType),
		"symbol", params.Symbol, "asof", params.Asof.Format(models.DateFormat))
	return SubmitResult{JobID: jobID, Created: true}, nil
}

// enqueueWithRetry retries only transport failures, with jittered
// exponential delays between tries.
func (o *Orchestrator) enqueueWithRetry(ctx context.Context, payload []byte) error {
	tries := o.cfg.Jobs.EnqueueMaxTries
	if tries <= 0 {
		tries = 1
	}
	var err error
	for attempt := 1; attempt <= tries; attempt++ {
		if _, err = o.queue.Enqueue(ctx, payload); err == nil {
			return nil
		}
		if !queue.IsUnavailable(err) || attempt == tries {
			return err
		}
		o.log.WarnContext(ctx, "enqueue retry", "attempt", attempt, "error", err)
		if sleepErr := backoff.Sleep(ctx, o.retry.Delay(attempt)); sleepErr != nil {
			return err
		}
	}
	return err
}

// Consume settles one delivery. Every path ends in exactly one of ack,
// nack or dead-letter; the repository transition always lands before
// the queue operation so a crash in between is recovered by redelivery.
func (o *Orchestrator) Consume(ctx context.Context, d queue.Delivery) error {
	msg, err := models.DecodeMessage(d.Payload)
	if err == nil {
		err = msg.Validate()
	}
	if err != nil {
		telemetry.ConsumeFailures.WithLabelValues(string(models.CodeInvalidMessage)).Inc()
		o.log.WarnContext(ctx, "dead-lettering invalid message", "message_id", d.MessageID, "error", err)
		return o.queue.DeadLetter(ctx, d.MessageID, d.Payload)
	}

	log := o.log.With(
		"job_id", msg.JobID, "idempotency_key", msg.IdempotencyKey,
		"job_type", string(msg.JobType), "symbol", msg.Symbol,
		"asof", msg.Asof, "message_id", d.MessageID)

	rec, err := o.repo.SetRunning(ctx, msg.JobID, o.now().UTC())
	switch {
	case err == nil:
	case models.IsInvalidTransition(err):
		return o.settleDrop(ctx, log, d, msg.JobID)
	case errors.Is(err, models.ErrNotFound):
		telemetry.ConsumeFailures.WithLabelValues(string(models.CodeInvalidMessage)).Inc()
		log.ErrorContext(ctx, "message references unknown job", "error", err)
		return o.queue.DeadLetter(ctx, d.MessageID, d.Payload)
	default:
		telemetry.ConsumeFailures.WithLabelValues(string(models.CodeRepoUnavailable)).Inc()
		log.WarnContext(ctx, "repository unavailable, releasing message", "error", err)
		if nackErr := o.queue.Nack(ctx, d.MessageID); nackErr != nil {
			return nackErr
		}
		return err
	}

	log = log.With("attempt", rec.Attempt)
	log.InfoContext(ctx, "job running", "status", string(models.StatusRunning))

	resultRef, runErr := o.runHandler(ctx, rec)
	if runErr == nil {
		return o.finishSucceeded(ctx, log, d, rec, resultRef)
	}
	return o.finishFailed(ctx, log, d, rec, runErr)
}

// runHandler executes the registered handler under panic isolation and
// times it.
func (o *Orchestrator) runHandler(ctx context.Context, rec models.JobRecord) (ref string, err error) {
	handler, ok := o.handlers[rec.JobType]
	if !ok {
		return "", models.NewJobError(models.CodeNoHandler, "no handler registered for job_type %s", rec.JobType)
	}
	start := o.now()
	defer func() {
		telemetry.HandlerDuration.WithLabelValues(string(rec.JobType)).Observe(o.now().Sub(start).Seconds())
		if r := recover(); r != nil {
			err = models.NewJobError(models.CodeHandlerPanic, "handler panic: %v", r)
		}
	}()
	return handler(ctx, rec)
}

func (o *Orchestrator) finishSucceeded(ctx context.Context, log *slog.Logger, d queue.Delivery, rec models.JobRecord, resultRef string) error {
	var ref *string
	if resultRef != "" {
		ref = &resultRef
	}
	err := o.repo.SetSucceeded(ctx, rec.JobID, o.now().UTC(), ref)
	switch {
	case err == nil:
	case models.IsInvalidTransition(err):
		telemetry.DuplicateDrops.Inc()
		log.InfoContext(ctx, "job settled concurrently, dropping duplicate completion")
		return o.queue.Ack(ctx, d.MessageID)
	default:
		// the work is done but not recorded: release the message so a
		// rerun of the idempotent handler can record it
		log.WarnContext(ctx, "recording success failed, releasing message", "error", err)
		if nackErr := o.queue.Nack(ctx, d.MessageID); nackErr != nil {
			return nackErr
		}
		return err
	}

	telemetry.ConsumeSuccess.Inc()
	log.InfoContext(ctx, "job succeeded", "status", string(models.StatusSucceeded), "result_ref", resultRef)
	return o.queue.Ack(ctx, d.MessageID)
}

func (o *Orchestrator) finishFailed(ctx context.Context, log *slog.Logger, d queue.Delivery, rec models.JobRecord, runErr error) error {
	code := models.CodeOf(runErr)
	telemetry.ConsumeFailures.WithLabelValues(string(code)).Inc()

	err := o.repo.SetFailed(ctx, rec.JobID, o.now().UTC(), code, runErr.Error(), rec.Attempt)
	switch {
	case err == nil:
	case models.IsInvalidTransition(err):
		telemetry.DuplicateDrops.Inc()
		log.InfoContext(ctx, "job settled concurrently, dropping duplicate failure")
		return o.queue.Ack(ctx, d.MessageID)
	default:
		log.WarnContext(ctx, "recording failure failed, releasing message", "error", err)
		if nackErr := o.queue.Nack(ctx, d.MessageID); nackErr != nil {
			return nackErr
		}
		return err
	}

	if rec.Attempt < rec.MaxAttempts {
		log.WarnContext(ctx, "job attempt failed, will retry",
			"status", string(models.StatusFailed), "error_code", string(code),
			"error", redact.Message(runErr.Error()))
		return o.queue.Nack(ctx, d.MessageID)
	}

	return o.deadLetter(ctx, log, d, rec.JobID, code, runErr.Error(), rec.Attempt)
}

// settleDrop resolves a redelivery whose job cannot re-enter running.
// Usually the job already settled and the message is dropped. A failed
// job with no budget left still owes its dead-letter transition, which
// a crash between the failure write and the queue teardown leaves
// behind; the redelivery completes it here.
func (o *Orchestrator) settleDrop(ctx context.Context, log *slog.Logger, d queue.Delivery, jobID string) error {
	rec, err := o.repo.GetByID(ctx, jobID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		log.WarnContext(ctx, "repository unavailable, releasing message", "error", err)
		if nackErr := o.queue.Nack(ctx, d.MessageID); nackErr != nil {
			return nackErr
		}
		return err
	}
	if err == nil && rec.Status == models.StatusFailed && rec.Attempt >= rec.MaxAttempts {
		code := models.CodeInternal
		if rec.LastErrorCode != nil {
			code = *rec.LastErrorCode
		}
		message := ""
		if rec.LastErrorMessage != nil {
			message = *rec.LastErrorMessage
		}
		return o.deadLetter(ctx, log.With("attempt", rec.Attempt), d, jobID, code, message, rec.Attempt)
	}

	telemetry.DuplicateDrops.Inc()
	log.InfoContext(ctx, "dropping redelivery for settled job")
	return o.queue.Ack(ctx, d.MessageID)
}

// deadLetter retires the record and then the message, in that order.
func (o *Orchestrator) deadLetter(ctx context.Context, log *slog.Logger, d queue.Delivery, jobID string, code models.ErrorCode, message string, attempt int) error {
	err := o.repo.SetDeadLetter(ctx, jobID, o.now().UTC(), code, message, attempt)
	if err != nil && !models.IsInvalidTransition(err) {
		log.ErrorContext(ctx, "recording dead letter failed, releasing message", "error", err)
		if nackErr := o.queue.Nack(ctx, d.MessageID); nackErr != nil {
			return nackErr
		}
		return err
	}

	telemetry.DeadLetterTotal.Inc()
	log.ErrorContext(ctx, "job exhausted attempts, dead-lettered",
		"status", string(models.StatusDeadLetter), "error_code", string(code),
		"error", redact.Message(message))
	return o.queue.DeadLetter(ctx, d.MessageID, d.Payload)
}
