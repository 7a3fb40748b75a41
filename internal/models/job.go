// Package models defines the persistent job record and its associated
// value types for the policy-form submission queue.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the job's lifecycle state. See SPEC_FULL.md §3 for the
// invariants each value carries.
type Status string

const (
	StatusPending              Status = "pending"
	StatusProcessing           Status = "processing"
	StatusCompleted            Status = "completed"
	StatusFailedPreSubmission  Status = "failed_pre_submission"
	StatusFailedPostSubmission Status = "failed_post_submission"
)

// MaxAttempts is the constant attempts ceiling for pre-submission retries.
const MaxAttempts = 3

// ErrorRecord is one append-only entry in a job's error_log.
type ErrorRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	AttemptNumber int       `json:"attempt_number"`
	Message       string    `json:"message"`
	Kind          string    `json:"kind"`
	Stage         string    `json:"stage"`
	ScreenshotRef string    `json:"screenshot_ref,omitempty"`
}

// Job is the queue's unit of work. Fields are exported for badgerhold's
// reflection-based indexing; index tags mark the fields C6 queries on.
type Job struct {
	ID             string `badgerhold:"key"`
	CorrelationKey string `badgerholdUnique:"CorrelationKey"`
	FormData       map[string]interface{}

	Status Status `badgerholdIndex:"Status"`

	Attempts    int
	MaxAttempts int

	CreatedAt     time.Time `badgerholdIndex:"CreatedAt"`
	StartedAt     *time.Time
	CompletedAt   *time.Time
	FailedAt      *time.Time
	LastAttemptAt *time.Time
	NextRetryAt   *time.Time

	ErrorLog []ErrorRecord

	LastError  string
	FinalError string
}

// New constructs a pending job ready for enqueue. correlationKey must be
// unique across the store (enforced by the store's Enqueue, not here);
// neither New nor the store rejects an empty key.
func New(correlationKey string, formData map[string]interface{}) *Job {
	return &Job{
		ID:             "job_" + uuid.New().String(),
		CorrelationKey: correlationKey,
		FormData:       formData,
		Status:         StatusPending,
		Attempts:       0,
		MaxAttempts:    MaxAttempts,
		CreatedAt:      time.Now().UTC(),
		ErrorLog:       make([]ErrorRecord, 0),
	}
}

// IsTerminal reports whether status admits no further mutation.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailedPreSubmission, StatusFailedPostSubmission:
		return true
	default:
		return false
	}
}

// AppendError appends a new error_log entry. The caller is responsible for
// keeping attempt numbering monotonic; this only appends, never mutates or
// removes prior entries (error_log is append-only, SPEC_FULL.md §3).
func (j *Job) AppendError(rec ErrorRecord) {
	j.ErrorLog = append(j.ErrorLog, rec)
	j.LastError = rec.Message
}

// ToJSON serialises the job for logging or transport.
func (j *Job) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// Clone returns a deep copy so callers can mutate without racing the
// store's own copy (badgerhold stores/returns values, but FormData and
// ErrorLog are reference types).
func (j *Job) Clone() *Job {
	clone := *j
	if j.FormData != nil {
		clone.FormData = make(map[string]interface{}, len(j.FormData))
		for k, v := range j.FormData {
			clone.FormData[k] = v
		}
	}
	clone.ErrorLog = append([]ErrorRecord(nil), j.ErrorLog...)
	return &clone
}
