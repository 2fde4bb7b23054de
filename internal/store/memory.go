package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketjobs/internal/models"
	"marketjobs/internal/redact"
)

// Memory is an in-process Repository with the same transition rules as
// Postgres. The activeKey map plays the role of the partial unique
// index: only queued, running and succeeded records hold their key.
type Memory struct {
	mu        sync.Mutex
	records   map[string]*models.JobRecord
	activeKey map[string]string
}

// NewMemory builds an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		records:   make(map[string]*models.JobRecord),
		activeKey: make(map[string]string),
	}
}

func (m *Memory) CreateQueued(ctx context.Context, p CreateQueuedParams) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.activeKey[p.IdempotencyKey]; ok {
		return existing, false, nil
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}
	created := p.CreatedAt.UTC()
	m.records[p.JobID] = &models.JobRecord{
		JobID:          p.JobID,
		IdempotencyKey: p.IdempotencyKey,
		JobType:        p.JobType,
		Symbol:         p.Symbol,
		Asof:           p.Asof.UTC(),
		Status:         models.StatusQueued,
		Attempt:        0,
		MaxAttempts:    maxAttempts,
		RequestedBy:    p.RequestedBy,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	m.activeKey[p.IdempotencyKey] = p.JobID
	return p.JobID, true, nil
}

func (m *Memory) SetRunning(ctx context.Context, jobID string, startedAt time.Time) (models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[jobID]
	if !ok {
		return models.JobRecord{}, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	switch {
	case rec.Status == models.StatusQueued || rec.Status == models.StatusRunning:
		// key already held by this record
	case rec.Status == models.StatusFailed && rec.Attempt < rec.MaxAttempts:
		if holder, taken := m.activeKey[rec.IdempotencyKey]; taken && holder != jobID {
			return models.JobRecord{}, &models.InvalidTransitionError{JobID: jobID, From: rec.Status, To: models.StatusRunning}
		}
		m.activeKey[rec.IdempotencyKey] = jobID
	default:
		return models.JobRecord{}, &models.InvalidTransitionError{JobID: jobID, From: rec.Status, To: models.StatusRunning}
	}

	now := startedAt.UTC()
	rec.Status = models.StatusRunning
	rec.Attempt++
	rec.StartedAt = &now
	rec.LastErrorCode = nil
	rec.LastErrorMessage = nil
	rec.FinishedAt = nil
	rec.UpdatedAt = now
	return *rec, nil
}

func (m *Memory) SetSucceeded(ctx context.Context, jobID string, finishedAt time.Time, resultRef *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if rec.Status != models.StatusRunning {
		return &models.InvalidTransitionError{JobID: jobID, From: rec.Status, To: models.StatusSucceeded}
	}
	now := finishedAt.UTC()
	rec.Status = models.StatusSucceeded
	rec.FinishedAt = &now
	rec.ResultRef = resultRef
	rec.UpdatedAt = now
	return nil
}

func (m *Memory) SetFailed(ctx context.Context, jobID string, finishedAt time.Time, code models.ErrorCode, message string, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if rec.Status != models.StatusRunning || rec.Attempt != attempt {
		return &models.InvalidTransitionError{JobID: jobID, From: rec.Status, To: models.StatusFailed}
	}
	now := finishedAt.UTC()
	msg := redact.Message(message)
	rec.Status = models.StatusFailed
	rec.LastErrorCode = &code
	rec.LastErrorMessage = &msg
	rec.FinishedAt = &now
	rec.UpdatedAt = now
	if m.activeKey[rec.IdempotencyKey] == jobID {
		delete(m.activeKey, rec.IdempotencyKey)
	}
	return nil
}

func (m *Memory) SetDeadLetter(ctx context.Context, jobID string, finishedAt time.Time, code models.ErrorCode, message string, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if rec.Status != models.StatusFailed || rec.Attempt != attempt {
		return &models.InvalidTransitionError{JobID: jobID, From: rec.Status, To: models.StatusDeadLetter}
	}
	now := finishedAt.UTC()
	msg := redact.Message(message)
	rec.Status = models.StatusDeadLetter
	rec.LastErrorCode = &code
	rec.LastErrorMessage = &msg
	rec.FinishedAt = &now
	rec.UpdatedAt = now
	return nil
}

func (m *Memory) MarkEnqueueFailed(ctx context.Context, jobID string, finishedAt time.Time, code models.ErrorCode, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if rec.Status != models.StatusQueued {
		return &models.InvalidTransitionError{JobID: jobID, From: rec.Status, To: models.StatusFailed}
	}
	now := finishedAt.UTC()
	msg := redact.Message(message)
	rec.Status = models.StatusFailed
	rec.LastErrorCode = &code
	rec.LastErrorMessage = &msg
	rec.FinishedAt = &now
	rec.UpdatedAt = now
	if m.activeKey[rec.IdempotencyKey] == jobID {
		delete(m.activeKey, rec.IdempotencyKey)
	}
	return nil
}

func (m *Memory) GetByID(ctx context.Context, jobID string) (models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[jobID]
	if !ok {
		return models.JobRecord{}, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	return *rec, nil
}

func (m *Memory) GetByIdempotency(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobID, ok := m.activeKey[key]
	return jobID, ok, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}
