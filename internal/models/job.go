package models

import (
	"time"
)

// DateFormat is the wire and storage layout for trading-day dates.
const DateFormat = "2006-01-02"

// DefaultMaxAttempts bounds how many running transitions a job gets
// before it is dead-lettered.
const DefaultMaxAttempts = 5

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusRunning    JobStatus = "running"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
	StatusDeadLetter JobStatus = "dead_letter"
)

// Valid reports whether s is a known lifecycle state.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s. A failed job is
// not terminal: it re-enters running until its attempt budget is spent.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusDeadLetter
}

// JobType namespaces the registered business handlers.
type JobType string

const (
	// TypePricesDaily ingests the single trading day named by asof.
	TypePricesDaily JobType = "prices_daily"
	// TypePricesBackfill ingests a trailing window ending at asof.
	TypePricesBackfill JobType = "prices_backfill"
)

// Valid reports whether t names a job type submissions may request.
func (t JobType) Valid() bool {
	return t == TypePricesDaily || t == TypePricesBackfill
}

// JobRecord is one row per logical unit of work.
type JobRecord struct {
	JobID            string     `json:"job_id"`
	IdempotencyKey   string     `json:"idempotency_key"`
	JobType          JobType    `json:"job_type"`
	Symbol           string     `json:"symbol"`
	Asof             time.Time  `json:"asof"`
	Status           JobStatus  `json:"status"`
	Attempt          int        `json:"attempt"`
	MaxAttempts      int        `json:"max_attempts"`
	RequestedBy      string     `json:"requested_by,omitempty"`
	LastErrorCode    *ErrorCode `json:"last_error_code,omitempty"`
	LastErrorMessage *string    `json:"last_error_message,omitempty"`
	ResultRef        *string    `json:"result_ref,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
