package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketjobs/internal/models"
)

// Memory is an in-process Client with the same staging and lease rules
// as the Redis adapter. Tests drive its clock to simulate visibility
// expiry without waiting.
type Memory struct {
	mu         sync.Mutex
	now        func() time.Time
	visibility time.Duration
	maxSize    int

	ready     []string
	payloads  map[string][]byte
	inflight  map[string]time.Time
	scheduled map[string]time.Time
	dlq       [][]byte

	enqueueFailures int
	enqueueErr      error
	pingErr         error
}

// NewMemory builds an empty in-memory queue.
func NewMemory(visibility time.Duration, maxSize int) *Memory {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &Memory{
		now:        time.Now,
		visibility: visibility,
		maxSize:    maxSize,
		payloads:   make(map[string][]byte),
		inflight:   make(map[string]time.Time),
		scheduled:  make(map[string]time.Time),
	}
}

// SetNow replaces the queue's clock.
func (q *Memory) SetNow(fn func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = fn
}

// FailEnqueues makes the next n Enqueue calls fail with err.
func (q *Memory) FailEnqueues(n int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueFailures = n
	q.enqueueErr = err
}

// SetPingError makes Ping report err until cleared.
func (q *Memory) SetPingError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pingErr = err
}

func (q *Memory) Enqueue(ctx context.Context, payload []byte) (models.EnqueueResult, error) {
	if q.maxSize > 0 && len(payload) > q.maxSize {
		return models.EnqueueResult{}, &MessageTooLargeError{Size: len(payload), Limit: q.maxSize}
	}
	msg, err := models.DecodeMessage(payload)
	if err == nil {
		err = msg.Validate()
	}
	if err != nil {
		return models.EnqueueResult{}, &InvalidMessageError{Reason: err}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueFailures > 0 {
		q.enqueueFailures--
		return models.EnqueueResult{}, &QueueUnavailableError{Op: "enqueue", Err: q.enqueueErr}
	}

	messageID := uuid.NewString()
	q.payloads[messageID] = append([]byte(nil), payload...)
	q.ready = append(q.ready, messageID)
	return models.EnqueueResult{MessageID: messageID, VisibleAt: q.now().UTC()}, nil
}

func (q *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.ready) > 0 {
		messageID := q.ready[0]
		q.ready = q.ready[1:]
		payload, ok := q.payloads[messageID]
		if !ok {
			continue
		}
		q.inflight[messageID] = q.now().Add(q.visibility)
		return &Delivery{MessageID: messageID, Payload: append([]byte(nil), payload...)}, nil
	}
	return nil, nil
}

func (q *Memory) Ack(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, messageID)
	delete(q.payloads, messageID)
	return nil
}

func (q *Memory) Nack(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, messageID)
	q.scheduled[messageID] = q.now().Add(q.visibility)
	return nil
}

func (q *Memory) DeadLetter(ctx context.Context, messageID string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlq = append(q.dlq, append([]byte(nil), payload...))
	delete(q.inflight, messageID)
	delete(q.payloads, messageID)
	return nil
}

func (q *Memory) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := dueIDs(q.scheduled, now, limit)
	for _, id := range due {
		delete(q.scheduled, id)
		q.ready = append(q.ready, id)
	}
	return len(due), nil
}

func (q *Memory) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := dueIDs(q.inflight, now, limit)
	for _, id := range due {
		delete(q.inflight, id)
		q.ready = append(q.ready, id)
	}
	return due, nil
}

func (q *Memory) Depth(ctx context.Context) (Depths, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Depths{
		Ready:      int64(len(q.ready)),
		InFlight:   int64(len(q.inflight)),
		Scheduled:  int64(len(q.scheduled)),
		DeadLetter: int64(len(q.dlq)),
	}, nil
}

func (q *Memory) DLQPeek(ctx context.Context, count int64) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := int64(len(q.dlq))
	if count < n {
		n = count
	}
	payloads := make([][]byte, 0, n)
	for _, p := range q.dlq[:n] {
		payloads = append(payloads, append([]byte(nil), p...))
	}
	return payloads, nil
}

func (q *Memory) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pingErr
}

func (q *Memory) Close() error { return nil }

// dueIDs picks up to limit entries whose time has passed, oldest first.
func dueIDs(entries map[string]time.Time, now time.Time, limit int64) []string {
	ids := make([]string, 0, len(entries))
	for id, at := range entries {
		if !at.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if !entries[ids[i]].Equal(entries[ids[j]]) {
			return entries[ids[i]].Before(entries[ids[j]])
		}
		return ids[i] < ids[j]
	})
	if limit > 0 && int64(len(ids)) > limit {
		ids = ids[:limit]
	}
	return ids
}
