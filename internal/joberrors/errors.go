// Package joberrors defines the failure-class taxonomy shared by the portal
// adapter, recovery coordinator, and scheduler. Every error that can reach
// the scheduler's classification step is, or wraps, one of these kinds.
package joberrors

import (
	"errors"
	"fmt"
)

// Kind discriminates the failure classes the scheduler classifies against.
type Kind string

const (
	// KindPreSubmission covers any failure before the portal accepted the
	// submit action. Retriable.
	KindPreSubmission Kind = "pre_submission"
	// KindPostSubmission covers failures after the portal accepted the
	// submission. Never retried, to avoid a duplicate external submission.
	KindPostSubmission Kind = "post_submission"
	// KindSessionExpired is a pre-submission specialisation raised by the
	// clone validator when it cannot establish a logged-in session.
	KindSessionExpired Kind = "session_expired"
	// KindTimeout marks a job that hit its JOB_TIMEOUT deadline.
	KindTimeout Kind = "timeout"
	// KindRecoveryExhausted marks a job that failed because the recovery
	// ladder ran out of levels.
	KindRecoveryExhausted Kind = "recovery_exhausted"
	// KindProfileIO covers clone/delete/backup/restore failures.
	KindProfileIO Kind = "profile_io"
	// KindBrowserLaunch covers driver launch failures.
	KindBrowserLaunch Kind = "browser_launch"
)

// Retriable reports whether a job failing with this kind should be
// requeued (subject to attempts < max_attempts) rather than terminated.
func (k Kind) Retriable() bool {
	return k != KindPostSubmission
}

// JobError is the structured error type the scheduler classifies. Stage
// mirrors the form-fill routine's own pre/post-submission discriminator so
// error_log entries can record it verbatim.
type JobError struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *JobError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Stage)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// New builds a JobError of the given kind and stage wrapping err. The stage
// is stored exactly as passed; it is not derived from the kind.
func New(kind Kind, stage string, err error) *JobError {
	return &JobError{Kind: kind, Stage: stage, Err: err}
}

// PreSubmission is a convenience constructor for the common case.
func PreSubmission(err error) *JobError {
	return &JobError{Kind: KindPreSubmission, Stage: "pre-submission", Err: err}
}

// ErrDuplicateCorrelationKey is returned by the queue store's Enqueue when a
// job with the same correlation key already exists. See SPEC_FULL.md §11,
// Open Question decision 1.
var ErrDuplicateCorrelationKey = errors.New("job with this correlation key already exists")

// ErrNotFound is returned when a lookup by job id or correlation key fails.
var ErrNotFound = errors.New("job not found")

// AsJobError extracts a *JobError from err, falling back to a conservative
// pre-submission classification per the scheduler's unexpected-error safety
// net (SPEC_FULL.md §4.8).
func AsJobError(err error) *JobError {
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	return PreSubmission(err)
}
