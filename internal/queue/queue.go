// Package queue adapts an at-least-once message broker for job
// delivery. Handed-out messages carry a visibility lease; a consumer
// that neither acks nor nacks before the lease expires loses the
// message back to the ready queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketjobs/internal/models"
)

// Delivery is one leased message.
type Delivery struct {
	MessageID string
	Payload   []byte
}

// Depths reports how many messages sit in each stage.
type Depths struct {
	Ready      int64 `json:"ready"`
	InFlight   int64 `json:"in_flight"`
	Scheduled  int64 `json:"scheduled"`
	DeadLetter int64 `json:"dead_letter"`
}

// Client is the broker contract the orchestrator and worker depend on.
type Client interface {
	// Enqueue validates and publishes one encoded envelope.
	Enqueue(ctx context.Context, payload []byte) (models.EnqueueResult, error)
	// Dequeue leases the next ready message, or returns nil when idle.
	Dequeue(ctx context.Context) (*Delivery, error)
	// Ack retires a leased message for good.
	Ack(ctx context.Context, messageID string) error
	// Nack releases a leased message for redelivery after the
	// visibility timeout.
	Nack(ctx context.Context, messageID string) error
	// DeadLetter retires a leased message into the dead-letter queue,
	// preserving its raw payload for inspection.
	DeadLetter(ctx context.Context, messageID string, payload []byte) error
	// PromoteScheduled moves messages whose visibility time has come
	// back into the ready queue.
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	// RequeueExpired reclaims leases that outlived their visibility
	// timeout and returns the reclaimed message IDs.
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	// Depth reports per-stage message counts.
	Depth(ctx context.Context) (Depths, error)
	// DLQPeek reads up to count raw payloads from the dead-letter
	// queue without consuming them.
	DLQPeek(ctx context.Context, count int64) ([][]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// QueueUnavailableError marks a transport failure. Callers may retry.
type QueueUnavailableError struct {
	Op  string
	Err error
}

func (e *QueueUnavailableError) Error() string {
	return fmt.Sprintf("queue unavailable during %s: %v", e.Op, e.Err)
}

func (e *QueueUnavailableError) Unwrap() error { return e.Err }

// MessageTooLargeError marks a payload over the broker limit. Terminal.
type MessageTooLargeError struct {
	Size  int
	Limit int
}

func (e *MessageTooLargeError) Error() string {
	return fmt.Sprintf("message size %d exceeds limit %d", e.Size, e.Limit)
}

// InvalidMessageError marks a payload that fails envelope validation.
// Terminal.
type InvalidMessageError struct {
	Reason error
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid message: %v", e.Reason)
}

func (e *InvalidMessageError) Unwrap() error { return e.Reason }

// IsUnavailable reports whether err is a retryable transport failure.
func IsUnavailable(err error) bool {
	var unavailable *QueueUnavailableError
	return errors.As(err, &unavailable)
}

// FailureCode maps an enqueue error onto the lifecycle error taxonomy.
func FailureCode(err error) models.ErrorCode {
	var tooLarge *MessageTooLargeError
	if errors.As(err, &tooLarge) {
		return models.CodeMessageTooLarge
	}
	var invalid *InvalidMessageError
	if errors.As(err, &invalid) {
		return models.CodeInvalidMessage
	}
	if IsUnavailable(err) {
		return models.CodeQueueUnavailable
	}
	return models.CodeInternal
}
