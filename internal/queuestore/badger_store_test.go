package queuestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/joberrors"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/models"
)

func testStore(t *testing.T) *BadgerStore {
	t.Helper()
	logger := arbor.NewLogger()
	dir := t.TempDir()
	store, err := Open(logger, dir, false, 3, 60*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEnqueue_RejectsDuplicateCorrelationKey(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "corr-1", map[string]interface{}{"a": 1})
	require.NoError(t, err)

	_, err = store.Enqueue(ctx, "corr-1", map[string]interface{}{"a": 2})
	assert.ErrorIs(t, err, joberrors.ErrDuplicateCorrelationKey)
}

func TestClaimNext_ReturnsOldestEligiblePendingJob(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, "corr-a", nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = store.Enqueue(ctx, "corr-b", nil)
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, models.StatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.StartedAt)
}

func TestClaimNext_SkipsJobsWithFutureNextRetryAt(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "corr-delayed", nil)
	require.NoError(t, err)

	future := time.Now().UTC().Add(time.Hour)
	job.NextRetryAt = &future
	require.NoError(t, store.conn.store.Update(job.ID, job))

	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed, "a job whose next_retry_at is in the future must not be claimed yet")
}

func TestClaimNext_ReturnsNilWhenQueueEmpty(t *testing.T) {
	store := testStore(t)
	claimed, err := store.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestComplete_MarksJobCompleted(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "corr-complete", nil)
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Complete(ctx, job.ID))

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestFail_RequeuesRetriablePreSubmissionFailureUnderAttemptsCeiling(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "corr-retry", nil)
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)

	rec := models.ErrorRecord{Timestamp: time.Now().UTC(), AttemptNumber: 1, Message: "boom", Kind: string(joberrors.KindPreSubmission), Stage: "navigate"}
	require.NoError(t, store.Fail(ctx, job.ID, joberrors.KindPreSubmission, rec))

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	require.NotNil(t, got.NextRetryAt)
	assert.Len(t, got.ErrorLog, 1)
}

func TestFail_TerminatesAfterAttemptsExhausted(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "corr-exhaust", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		claimed, err := store.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d", i+1)

		rec := models.ErrorRecord{Timestamp: time.Now().UTC(), AttemptNumber: claimed.Attempts, Message: "boom", Kind: string(joberrors.KindPreSubmission), Stage: "navigate"}
		require.NoError(t, store.Fail(ctx, claimed.ID, joberrors.KindPreSubmission, rec))

		got, err := store.GetByID(ctx, job.ID)
		require.NoError(t, err)
		if i < 2 {
			require.Equal(t, models.StatusPending, got.Status, "attempt %d should requeue", i+1)
			got.NextRetryAt = nil // let the next ClaimNext pick it up immediately
			require.NoError(t, store.conn.store.Update(got.ID, got))
		} else {
			assert.Equal(t, models.StatusFailedPreSubmission, got.Status)
			assert.Equal(t, "boom", got.FinalError)
		}
	}
}

func TestFail_NeverRequeuesPostSubmissionFailure(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "corr-post", nil)
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)

	rec := models.ErrorRecord{Timestamp: time.Now().UTC(), AttemptNumber: 1, Message: "submitted but confirmation timed out", Kind: string(joberrors.KindPostSubmission), Stage: "post-submission"}
	require.NoError(t, store.Fail(ctx, job.ID, joberrors.KindPostSubmission, rec))

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailedPostSubmission, got.Status)
	assert.Nil(t, got.NextRetryAt)
}

func TestComplete_RejectsAlreadyTerminalJob(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "corr-double-complete", nil)
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, job.ID))

	err = store.Complete(ctx, job.ID)
	assert.Error(t, err, "completing an already-terminal job must be rejected, not silently re-applied")
}

func TestFail_RejectsAlreadyTerminalJob(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "corr-fail-after-complete", nil)
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, job.ID))

	rec := models.ErrorRecord{Timestamp: time.Now().UTC(), AttemptNumber: 1, Message: "boom", Kind: string(joberrors.KindPreSubmission), Stage: "navigate"}
	err = store.Fail(ctx, job.ID, joberrors.KindPreSubmission, rec)
	assert.Error(t, err, "failing an already-completed job must be rejected")
}

func TestGetByID_ReturnsIndependentCopyNotStoreInternals(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "corr-clone", map[string]interface{}{"a": 1})
	require.NoError(t, err)

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	got.Status = models.StatusFailedPreSubmission
	got.FormData["a"] = 2

	reread, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, reread.Status, "mutating a returned job must not affect the stored job")
	assert.Equal(t, 1, reread.FormData["a"], "mutating a returned job's form data must not affect the stored job")
}

func TestRecoverStuck_ResetsOnlyJobsOlderThanMaxAge(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	stale, err := store.Enqueue(ctx, "corr-stale", nil)
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)

	old := time.Now().UTC().Add(-time.Hour)
	staleJob, err := store.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	staleJob.StartedAt = &old
	require.NoError(t, store.conn.store.Update(staleJob.ID, staleJob))

	fresh, err := store.Enqueue(ctx, "corr-fresh", nil)
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)

	n, err := store.RecoverStuck(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gotStale, err := store.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, gotStale.Status)

	gotFresh, err := store.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, gotFresh.Status)
}

func TestGetByCorrelationKey_NotFound(t *testing.T) {
	store := testStore(t)
	_, err := store.GetByCorrelationKey(context.Background(), "nope")
	assert.ErrorIs(t, err, joberrors.ErrNotFound)
}

func TestQueryAndCountByStatus(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Enqueue(ctx, "corr-q-"+string(rune('a'+i)), nil)
		require.NoError(t, err)
	}
	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, claimed.ID))

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.StatusPending])
	assert.Equal(t, 1, counts[models.StatusCompleted])

	pendingStatus := models.StatusPending
	jobs, err := store.Query(ctx, ListFilter{Status: &pendingStatus, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}
