package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/browser"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/joberrors"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/models"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/portal"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/profilestore"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/queuestore"
)

type failRecord struct {
	jobID string
	kind  joberrors.Kind
	rec   models.ErrorRecord
}

type fakeStore struct {
	mu        sync.Mutex
	completed []string
	failed    []failRecord
	claimable []*models.Job

	recoverStuckAges []time.Duration
}

func (f *fakeStore) Enqueue(ctx context.Context, correlationKey string, formData map[string]interface{}) (*models.Job, error) {
	return nil, nil
}
func (f *fakeStore) ClaimNext(ctx context.Context) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.claimable) == 0 {
		return nil, nil
	}
	j := f.claimable[0]
	f.claimable = f.claimable[1:]
	return j, nil
}
func (f *fakeStore) Complete(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobID)
	return nil
}
func (f *fakeStore) Fail(ctx context.Context, jobID string, kind joberrors.Kind, rec models.ErrorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, failRecord{jobID: jobID, kind: kind, rec: rec})
	return nil
}
func (f *fakeStore) RecoverStuck(ctx context.Context, maxAge time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoverStuckAges = append(f.recoverStuckAges, maxAge)
	return 0, nil
}
func (f *fakeStore) GetByID(ctx context.Context, jobID string) (*models.Job, error) { return nil, nil }
func (f *fakeStore) GetByCorrelationKey(ctx context.Context, correlationKey string) (*models.Job, error) {
	return nil, nil
}
func (f *fakeStore) Query(ctx context.Context, filter queuestore.ListFilter) ([]*models.Job, error) {
	return nil, nil
}
func (f *fakeStore) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

type fakeProvider struct {
	fail bool
}

func (p *fakeProvider) Launch(ctx context.Context, layout profilestore.Layout, opts browser.Options) (browser.Driver, error) {
	if p.fail {
		return nil, errors.New("launch failed")
	}
	return &fakeDriver{}, nil
}

type fakeDriver struct {
	navigateErr error
}

func (d *fakeDriver) Navigate(ctx context.Context, url string) error { return d.navigateErr }
func (d *fakeDriver) Find(ctx context.Context, selector string) (*browser.Element, error) {
	if selector == "#dashboard" {
		return &browser.Element{Selector: selector}, nil
	}
	return nil, nil
}
func (d *fakeDriver) Screenshot(ctx context.Context) ([]byte, error) { return nil, nil }
func (d *fakeDriver) CurrentURL(ctx context.Context) (string, error) {
	return "https://portal.example/dashboard", nil
}
func (d *fakeDriver) Sleep(ctx context.Context, dur time.Duration) error { return nil }
func (d *fakeDriver) Shutdown(ctx context.Context) error                 { return nil }

type fakeFiller struct {
	result portal.FormResult
}

func (f *fakeFiller) Fill(ctx context.Context, driver browser.Driver, formData map[string]interface{}) portal.FormResult {
	return f.result
}

type fakeSessionGate struct{ fresh bool }

func (g *fakeSessionGate) IsFresh(horizon time.Duration) bool { return g.fresh }

type fakeRecoverer struct {
	calls int32
	err   error
}

func (r *fakeRecoverer) Recover(ctx context.Context, reason string) error {
	r.calls++
	return r.err
}

func testScheduler(t *testing.T, store *fakeStore, provider *fakeProvider, filler *fakeFiller, gate *fakeSessionGate, recoverer *fakeRecoverer) *Scheduler {
	t.Helper()
	logger := arbor.NewLogger()

	masterDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(masterDir, "Preferences"), []byte("{}"), 0o644))
	profiles := profilestore.New(logger, 25*1024*1024)

	creds := models.PortalCredentials{
		Name:              "test-portal",
		EntryURL:          "https://portal.example/",
		MasterProfilePath: masterDir,
		CloneRoot:         t.TempDir(),
		LoginTimeout:      time.Second,
	}

	adapter := portal.NewAdapter(logger, portal.Selectors{
		DashboardMarker: "#dashboard",
		LoginFormMarker: "#login-form",
	}, nil, nil)

	return New(store, profiles, provider, gate, recoverer, adapter, filler, creds, Config{
		MaxParallel:  1,
		JobTimeout:   2 * time.Second,
		StaleHorizon: time.Minute,
		PollInterval: 10 * time.Millisecond,
	}, logger)
}

func TestProcessJob_SuccessCompletesJob(t *testing.T) {
	store := &fakeStore{}
	filler := &fakeFiller{result: portal.FormResult{Success: true}}
	gate := &fakeSessionGate{fresh: true}
	recoverer := &fakeRecoverer{}

	s := testScheduler(t, store, &fakeProvider{}, filler, gate, recoverer)
	job := models.New("corr-1", map[string]interface{}{"x": 1})

	s.processJob(0, job)

	assert.Equal(t, []string{job.ID}, store.completed)
	assert.Empty(t, store.failed)
	assert.EqualValues(t, 0, recoverer.calls, "fresh session must not trigger recovery")
}

func TestProcessJob_StaleSessionTriggersRecoveryBeforeCloning(t *testing.T) {
	store := &fakeStore{}
	filler := &fakeFiller{result: portal.FormResult{Success: true}}
	gate := &fakeSessionGate{fresh: false}
	recoverer := &fakeRecoverer{}

	s := testScheduler(t, store, &fakeProvider{}, filler, gate, recoverer)
	job := models.New("corr-2", nil)

	s.processJob(0, job)

	assert.EqualValues(t, 1, recoverer.calls)
	assert.Equal(t, []string{job.ID}, store.completed)
}

func TestProcessJob_RecoveryFailureFailsJobWithoutLaunchingBrowser(t *testing.T) {
	store := &fakeStore{}
	filler := &fakeFiller{result: portal.FormResult{Success: true}}
	gate := &fakeSessionGate{fresh: false}
	recoverer := &fakeRecoverer{err: errors.New("recovery exhausted")}

	s := testScheduler(t, store, &fakeProvider{}, filler, gate, recoverer)
	job := models.New("corr-3", nil)

	s.processJob(0, job)

	require.Len(t, store.failed, 1)
	assert.Equal(t, joberrors.KindSessionExpired, store.failed[0].kind)
	assert.Empty(t, store.completed)
}

func TestProcessJob_PreSubmissionFormFailureClassifiesAsRetriable(t *testing.T) {
	store := &fakeStore{}
	filler := &fakeFiller{result: portal.FormResult{Success: false, Stage: "pre-submission", Err: errors.New("field not found")}}
	gate := &fakeSessionGate{fresh: true}
	recoverer := &fakeRecoverer{}

	s := testScheduler(t, store, &fakeProvider{}, filler, gate, recoverer)
	job := models.New("corr-4", nil)

	s.processJob(0, job)

	require.Len(t, store.failed, 1)
	assert.Equal(t, joberrors.KindPreSubmission, store.failed[0].kind)
	assert.Equal(t, "pre-submission", store.failed[0].rec.Stage)
}

func TestProcessJob_PostSubmissionFormFailureNeverRetriable(t *testing.T) {
	store := &fakeStore{}
	filler := &fakeFiller{result: portal.FormResult{Success: false, Stage: "post-submission", Err: errors.New("confirmation page timed out")}}
	gate := &fakeSessionGate{fresh: true}
	recoverer := &fakeRecoverer{}

	s := testScheduler(t, store, &fakeProvider{}, filler, gate, recoverer)
	job := models.New("corr-5", nil)

	s.processJob(0, job)

	require.Len(t, store.failed, 1)
	assert.Equal(t, joberrors.KindPostSubmission, store.failed[0].kind)
	assert.False(t, joberrors.KindPostSubmission.Retriable())
}

func TestProcessJob_LaunchFailureIsClassifiedAndCleanedUp(t *testing.T) {
	store := &fakeStore{}
	filler := &fakeFiller{result: portal.FormResult{Success: true}}
	gate := &fakeSessionGate{fresh: true}
	recoverer := &fakeRecoverer{}

	s := testScheduler(t, store, &fakeProvider{fail: true}, filler, gate, recoverer)
	job := models.New("corr-6", nil)

	s.processJob(0, job)

	require.Len(t, store.failed, 1)
	assert.Equal(t, joberrors.KindBrowserLaunch, store.failed[0].kind)

	_, err := os.Stat(filepath.Join(s.creds.CloneRoot, job.ID))
	assert.True(t, os.IsNotExist(err), "clone directory must be deleted even when launch fails")
}

func TestStartAndStop_RunsWorkersAndRecoversStuckJobsOnBoot(t *testing.T) {
	store := &fakeStore{}
	job := models.New("corr-7", nil)
	job.Status = models.StatusPending
	store.claimable = []*models.Job{job}

	filler := &fakeFiller{result: portal.FormResult{Success: true}}
	gate := &fakeSessionGate{fresh: true}
	recoverer := &fakeRecoverer{}

	s := testScheduler(t, store, &fakeProvider{}, filler, gate, recoverer)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.completed) == 1
	}, time.Second, 10*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []time.Duration{0}, store.recoverStuckAges, "Start must reset every processing job once, with max age 0, before workers run")
}
