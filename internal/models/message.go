package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageSchemaVersion guards the queue wire contract. Consumers reject
// envelopes from a schema they do not understand instead of guessing.
const MessageSchemaVersion = 1

// JobMessage is the envelope placed on the queue for one job. It carries
// identifiers only; no credentials or payload secrets ever ride in it.
type JobMessage struct {
	SchemaVersion  int       `json:"schema_version"`
	JobID          string    `json:"job_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	JobType        JobType   `json:"job_type"`
	Symbol         string    `json:"symbol"`
	Asof           string    `json:"asof"`
	RequestedBy    string    `json:"requested_by,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// NewJobMessage builds the envelope for a queued job record.
func NewJobMessage(rec JobRecord, enqueuedAt time.Time) JobMessage {
	return JobMessage{
		SchemaVersion:  MessageSchemaVersion,
		JobID:          rec.JobID,
		IdempotencyKey: rec.IdempotencyKey,
		JobType:        rec.JobType,
		Symbol:         rec.Symbol,
		Asof:           rec.Asof.UTC().Format(DateFormat),
		RequestedBy:    rec.RequestedBy,
		EnqueuedAt:     enqueuedAt.UTC(),
	}
}

// Validate enforces the consume-side data contract before any state
// transition happens.
func (m JobMessage) Validate() error {
	if m.SchemaVersion != MessageSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d", m.SchemaVersion)
	}
	if _, err := uuid.Parse(m.JobID); err != nil {
		return fmt.Errorf("job_id is not a uuid: %w", err)
	}
	if m.IdempotencyKey == "" {
		return fmt.Errorf("idempotency_key is required")
	}
	if m.JobType == "" {
		return fmt.Errorf("job_type is required")
	}
	if m.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if _, err := time.Parse(DateFormat, m.Asof); err != nil {
		return fmt.Errorf("asof %q is not a %s date: %w", m.Asof, DateFormat, err)
	}
	if m.EnqueuedAt.IsZero() {
		return fmt.Errorf("enqueued_at is required")
	}
	return nil
}

// AsofDate parses the envelope's asof into a UTC civil date.
func (m JobMessage) AsofDate() (time.Time, error) {
	return time.ParseInLocation(DateFormat, m.Asof, time.UTC)
}

// EncodeMessage serializes the envelope for the broker.
func EncodeMessage(m JobMessage) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode job message: %w", err)
	}
	return b, nil
}

// DecodeMessage parses a broker payload back into an envelope. A decode
// failure means the payload never was a valid envelope; callers classify
// it INVALID_MESSAGE.
func DecodeMessage(payload []byte) (JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return JobMessage{}, fmt.Errorf("decode job message: %w", err)
	}
	return m, nil
}

// EnqueueResult reports a successful broker enqueue. Transient, never
// persisted.
type EnqueueResult struct {
	MessageID string    `json:"message_id"`
	VisibleAt time.Time `json:"visible_at"`
}
