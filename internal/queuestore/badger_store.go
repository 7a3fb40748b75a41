package queuestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/joberrors"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/models"
)

// BadgerStore is the badgerhold-backed Store implementation. claimMu
// serialises ClaimNext's read-check-write sequence: this is a
// single-process, single-host scheduler (SPEC_FULL.md §1 non-goals), so an
// in-process mutex is sufficient to make claim-next atomic under
// concurrent scheduler workers without needing a cross-process lock.
type BadgerStore struct {
	conn   *connection
	logger arbor.ILogger

	claimMu sync.Mutex

	maxAttempts  int
	retryBackoff time.Duration
}

// Open constructs a BadgerStore at path.
func Open(logger arbor.ILogger, path string, resetOnStartup bool, maxAttempts int, retryBackoff time.Duration) (*BadgerStore, error) {
	conn, err := openConnection(logger, path, resetOnStartup)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{
		conn:         conn,
		logger:       logger,
		maxAttempts:  maxAttempts,
		retryBackoff: retryBackoff,
	}, nil
}

func (s *BadgerStore) Close() error { return s.conn.Close() }

// Enqueue creates a pending job. Per SPEC_FULL.md §11 Open Question
// decision 1, a duplicate correlation_key is rejected rather than
// overwritten or silently deduplicated.
func (s *BadgerStore) Enqueue(ctx context.Context, correlationKey string, formData map[string]interface{}) (*models.Job, error) {
	existing, err := s.GetByCorrelationKey(ctx, correlationKey)
	if err != nil && !errors.Is(err, joberrors.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, joberrors.ErrDuplicateCorrelationKey
	}

	job := models.New(correlationKey, formData)
	job.MaxAttempts = s.maxAttemptsOrDefault()
	if err := s.conn.store.Insert(job.ID, job); err != nil {
		return nil, fmt.Errorf("queuestore: enqueue: %w", err)
	}
	return job, nil
}

func (s *BadgerStore) maxAttemptsOrDefault() int {
	if s.maxAttempts > 0 {
		return s.maxAttempts
	}
	return models.MaxAttempts
}

// ClaimNext atomically selects a pending job eligible to run now, marks it
// processing, and increments attempts.
func (s *BadgerStore) ClaimNext(ctx context.Context) (*models.Job, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	now := time.Now().UTC()

	var candidates []models.Job
	query := badgerhold.Where("Status").Eq(models.StatusPending).
		And("CreatedAt").Lt(now).
		SortBy("CreatedAt").
		Limit(32) // small window; the first eligible-by-retry-time job wins
	if err := s.conn.store.Find(&candidates, query); err != nil {
		return nil, fmt.Errorf("queuestore: claim-next query: %w", err)
	}

	for i := range candidates {
		c := &candidates[i]
		if c.NextRetryAt != nil && c.NextRetryAt.After(now) {
			continue
		}

		c.Status = models.StatusProcessing
		c.StartedAt = &now
		c.Attempts++
		last := now
		c.LastAttemptAt = &last

		if err := s.conn.store.Update(c.ID, c); err != nil {
			return nil, fmt.Errorf("queuestore: claim-next update: %w", err)
		}
		return c, nil
	}

	return nil, nil
}

// Complete transitions processing → completed.
func (s *BadgerStore) Complete(ctx context.Context, jobID string) error {
	var job models.Job
	if err := s.conn.store.Get(jobID, &job); err != nil {
		return translateGetErr(err)
	}
	if job.IsTerminal() {
		return fmt.Errorf("queuestore: complete: job %s is already terminal (status=%s)", jobID, job.Status)
	}

	now := time.Now().UTC()
	job.Status = models.StatusCompleted
	job.CompletedAt = &now

	if err := s.conn.store.Update(jobID, &job); err != nil {
		return fmt.Errorf("queuestore: complete: %w", err)
	}
	return nil
}

// Fail appends an error record and either requeues (pre-submission,
// attempts < max) or terminates the job, per SPEC_FULL.md §4.7/§4.8.
func (s *BadgerStore) Fail(ctx context.Context, jobID string, kind joberrors.Kind, rec models.ErrorRecord) error {
	var job models.Job
	if err := s.conn.store.Get(jobID, &job); err != nil {
		return translateGetErr(err)
	}
	if job.IsTerminal() {
		return fmt.Errorf("queuestore: fail: job %s is already terminal (status=%s)", jobID, job.Status)
	}

	job.AppendError(rec)
	now := time.Now().UTC()

	switch {
	case kind == joberrors.KindPostSubmission:
		job.Status = models.StatusFailedPostSubmission
		job.FailedAt = &now
		job.FinalError = rec.Message

	case kind.Retriable() && job.Attempts < s.maxAttemptsOrDefault():
		job.Status = models.StatusPending
		retryAt := now.Add(s.retryBackoffOrDefault())
		job.NextRetryAt = &retryAt

	default:
		job.Status = models.StatusFailedPreSubmission
		job.FailedAt = &now
		job.FinalError = rec.Message
	}

	if err := s.conn.store.Update(jobID, &job); err != nil {
		return fmt.Errorf("queuestore: fail: %w", err)
	}
	return nil
}

func (s *BadgerStore) retryBackoffOrDefault() time.Duration {
	if s.retryBackoff > 0 {
		return s.retryBackoff
	}
	return 60 * time.Second
}

// RecoverStuck resets any processing job older than maxAge back to
// pending, preserving attempts. Called with maxAge=0 at startup to reset
// every in-flight job left over from a crash (SPEC_FULL.md §4.8).
func (s *BadgerStore) RecoverStuck(ctx context.Context, maxAge time.Duration) (int, error) {
	threshold := time.Now().UTC().Add(-maxAge)

	var stuck []models.Job
	query := badgerhold.Where("Status").Eq(models.StatusProcessing)
	if err := s.conn.store.Find(&stuck, query); err != nil {
		return 0, fmt.Errorf("queuestore: recover-stuck query: %w", err)
	}

	recovered := 0
	for i := range stuck {
		j := &stuck[i]
		if j.StartedAt != nil && j.StartedAt.After(threshold) {
			continue
		}
		j.Status = models.StatusPending
		if err := s.conn.store.Update(j.ID, j); err != nil {
			s.logger.Error().Err(err).Str("job_id", j.ID).Msg("queuestore: failed to recover stuck job")
			continue
		}
		recovered++
	}
	return recovered, nil
}

// GetByID returns a clone of the stored job: callers (e.g. the status API's
// jobView projection) must not be able to mutate the scheduler's view of a
// job just by holding the returned pointer.
func (s *BadgerStore) GetByID(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.conn.store.Get(jobID, &job); err != nil {
		return nil, translateGetErr(err)
	}
	return job.Clone(), nil
}

func (s *BadgerStore) GetByCorrelationKey(ctx context.Context, correlationKey string) (*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("CorrelationKey").Eq(correlationKey)
	if err := s.conn.store.Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("queuestore: get by correlation key: %w", err)
	}
	if len(jobs) == 0 {
		return nil, joberrors.ErrNotFound
	}
	return jobs[0].Clone(), nil
}

func (s *BadgerStore) Query(ctx context.Context, filter ListFilter) ([]*models.Job, error) {
	var jobs []models.Job
	var query *badgerhold.Query
	if filter.Status != nil {
		query = badgerhold.Where("Status").Eq(*filter.Status)
	} else {
		query = badgerhold.Where("Status").Ne("")
	}
	query = query.SortBy("CreatedAt").Reverse()
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Skip(filter.Offset)
	}

	if err := s.conn.store.Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("queuestore: query: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = jobs[i].Clone()
	}
	return result, nil
}

func (s *BadgerStore) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	statuses := []models.Status{
		models.StatusPending,
		models.StatusProcessing,
		models.StatusCompleted,
		models.StatusFailedPreSubmission,
		models.StatusFailedPostSubmission,
	}

	counts := make(map[models.Status]int, len(statuses))
	for _, st := range statuses {
		n, err := s.conn.store.Count(&models.Job{}, badgerhold.Where("Status").Eq(st))
		if err != nil {
			return nil, fmt.Errorf("queuestore: count by status %s: %w", st, err)
		}
		counts[st] = n
	}
	return counts, nil
}

func translateGetErr(err error) error {
	if errors.Is(err, badgerhold.ErrNotFound) {
		return joberrors.ErrNotFound
	}
	return fmt.Errorf("queuestore: %w", err)
}
