// Package scheduler implements the Job Scheduler (C8 in SPEC_FULL.md §4.8):
// a bounded-concurrency dispatcher that claims pending jobs, drives them
// through clone → launch → navigate → validate → form-fill → classify, and
// writes the outcome back to the queue store. One Scheduler instance runs
// per configured portal, mirroring the worker-pool idiom this codebase
// already uses for its own background queue consumers.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/browser"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/joberrors"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/models"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/portal"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/profilestore"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/queuestore"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/recovery"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/session"
)

// Recoverer is the subset of the recovery coordinator the scheduler needs.
// Kept as an interface so tests can substitute a stub without standing up
// a full Coordinator.
type Recoverer interface {
	Recover(ctx context.Context, reason string) error
}

// SessionGate is the subset of the master session manager the scheduler
// needs for its pre-launch freshness check.
type SessionGate interface {
	IsFresh(horizon time.Duration) bool
}

// Scheduler dispatches queued jobs for a single portal instance.
type Scheduler struct {
	queue       queuestore.Store
	profiles    *profilestore.Store
	provider    browser.Provider
	sessionGate SessionGate
	coordinator Recoverer
	adapter     *portal.Adapter
	filler      portal.FormFiller
	creds       models.PortalCredentials
	logger      arbor.ILogger

	maxParallel  int
	jobTimeout   time.Duration
	staleHorizon time.Duration
	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config bundles the scheduler's dispatch tunables (SPEC_FULL.md §6).
type Config struct {
	MaxParallel  int
	JobTimeout   time.Duration
	StaleHorizon time.Duration
	PollInterval time.Duration
}

// New constructs a Scheduler for one portal. filler is the out-of-scope
// form-filling collaborator (SPEC_FULL.md §4.3); the scheduler only
// consumes its FormResult.
func New(
	queue queuestore.Store,
	profiles *profilestore.Store,
	provider browser.Provider,
	sessionGate SessionGate,
	coordinator Recoverer,
	adapter *portal.Adapter,
	filler portal.FormFiller,
	creds models.PortalCredentials,
	cfg Config,
	logger arbor.ILogger,
) *Scheduler {
	return &Scheduler{
		queue:        queue,
		profiles:     profiles,
		provider:     provider,
		sessionGate:  sessionGate,
		coordinator:  coordinator,
		adapter:      adapter,
		filler:       filler,
		creds:        creds,
		logger:       logger,
		maxParallel:  maxParallelOrDefault(cfg.MaxParallel),
		jobTimeout:   durationOrDefault(cfg.JobTimeout, 5*time.Minute),
		staleHorizon: durationOrDefault(cfg.StaleHorizon, 2*time.Minute),
		pollInterval: durationOrDefault(cfg.PollInterval, 500*time.Millisecond),
	}
}

func maxParallelOrDefault(n int) int {
	if n > 0 {
		return n
	}
	return 3
}

func durationOrDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// Start resets any jobs left in "processing" from a prior crash, then
// spawns MaxParallel worker goroutines. Each worker polls the queue store
// on its own ticker and claims at most one job per tick, the same
// ticker-plus-cancellable-context shape this codebase's own worker pool
// uses for queue consumption.
func (s *Scheduler) Start(ctx context.Context) error {
	recovered, err := s.queue.RecoverStuck(ctx, 0)
	if err != nil {
		return fmt.Errorf("scheduler: startup recover-stuck: %w", err)
	}
	if recovered > 0 {
		s.logger.Info().Int("count", recovered).Str("portal", s.creds.Name).Msg("scheduler: reset stuck processing jobs from prior run")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < s.maxParallel; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.logger.Info().Int("workers", s.maxParallel).Str("portal", s.creds.Name).Msg("scheduler: started")
	return nil
}

// Stop cancels all workers and waits for in-flight jobs' cleanup to
// finish. Queue state left in "processing" at the moment of cancellation
// is reset on the next Start via recover-stuck.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Str("portal", s.creds.Name).Msg("scheduler: stopped")
}

func (s *Scheduler) worker(workerID int) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.claimAndProcessOne(workerID)
		}
	}
}

func (s *Scheduler) claimAndProcessOne(workerID int) {
	job, err := s.queue.ClaimNext(s.ctx)
	if err != nil {
		s.logger.Warn().Err(err).Int("worker_id", workerID).Msg("scheduler: claim-next failed")
		return
	}
	if job == nil {
		return
	}

	event := s.logger.Debug().Str("job_id", job.ID).Int("worker_id", workerID).Int("attempt", job.Attempts)
	if payloadBytes, err := job.ToJSON(); err == nil {
		event = event.Str("payload", string(payloadBytes))
	}
	event.Msg("scheduler: claimed job")
	s.processJob(workerID, job)
}

// processJob runs the full per-job pipeline under a hard JobTimeout
// deadline and guarantees cleanup on every exit path, per SPEC_FULL.md
// §4.8 step 7.
func (s *Scheduler) processJob(workerID int, job *models.Job) {
	jobCtx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("job_id", job.ID).Msg("scheduler: recovered from panic in job execution")
			s.failJob(job, joberrors.KindPreSubmission, "pre-submission", fmt.Errorf("panic: %v", r))
		}
	}()

	start := time.Now()

	// Step 1: pre-launch session gate. Runs before any clone exists so N
	// concurrently claimed jobs collapse onto one recovery instead of each
	// spawning its own master.
	if !s.sessionGate.IsFresh(s.staleHorizon) {
		if err := s.coordinator.Recover(jobCtx, "pre-launch session gate: stale master session"); err != nil {
			s.failJob(job, classifyTimeout(jobCtx, joberrors.KindSessionExpired), "pre-submission", fmt.Errorf("pre-launch recovery: %w", err))
			return
		}
	}

	// Step 2: clone & launch.
	cloneDir := filepath.Join(s.creds.CloneRoot, job.ID)
	layout, err := s.profiles.Clone(s.creds.MasterProfilePath, cloneDir)
	if err != nil {
		s.failJob(job, joberrors.KindProfileIO, "pre-submission", fmt.Errorf("clone profile: %w", err))
		return
	}
	defer func() {
		if err := s.profiles.Delete(cloneDir); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("scheduler: failed to delete job clone during cleanup")
		}
	}()

	driver, err := s.provider.Launch(jobCtx, layout, browser.Options{NavigateTimeout: s.creds.LoginTimeout})
	if err != nil {
		s.failJob(job, classifyTimeout(jobCtx, joberrors.KindBrowserLaunch), "pre-submission", fmt.Errorf("launch driver: %w", err))
		return
	}
	defer func() {
		// Cleanup is unconditional and must not itself be bound to a
		// deadline that may have already fired.
		if err := driver.Shutdown(context.Background()); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("scheduler: driver shutdown reported an error")
		}
	}()

	// Step 3: navigate & validate.
	if err := driver.Navigate(jobCtx, s.creds.EntryURL); err != nil {
		s.failJob(job, classifyTimeout(jobCtx, joberrors.KindPreSubmission), "pre-submission", fmt.Errorf("navigate to entry url: %w", err))
		return
	}

	recoverFn := func(ctx context.Context, reason string) error {
		return s.coordinator.Recover(ctx, reason)
	}
	valid, err := s.adapter.ValidateOrRecoverClone(jobCtx, driver, s.creds, recoverFn)
	if err != nil {
		s.failJob(job, classifyTimeout(jobCtx, joberrors.AsJobError(err).Kind), "pre-submission", fmt.Errorf("validate clone: %w", err))
		return
	}
	if !valid {
		s.failJob(job, classifyTimeout(jobCtx, joberrors.KindSessionExpired), "pre-submission", fmt.Errorf("clone session could not be validated"))
		return
	}

	// Step 5: form fill. The full multi-step DSL is an out-of-scope
	// collaborator; the scheduler only consumes its structured result.
	result := s.filler.Fill(jobCtx, driver, job.FormData)

	// Step 6: classify.
	if result.Success {
		if err := s.queue.Complete(context.Background(), job.ID); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("scheduler: failed to mark job completed")
		}
		s.logger.Info().Str("job_id", job.ID).Dur("duration", time.Since(start)).Int("worker_id", workerID).Msg("scheduler: job completed")
		return
	}

	kind := classifyTimeout(jobCtx, joberrors.KindPreSubmission)
	if result.Stage == "post-submission" {
		kind = joberrors.KindPostSubmission
	}
	msg := "form submission failed"
	if result.Err != nil {
		msg = result.Err.Error()
	}
	s.failJobWithScreenshot(job, kind, result.Stage, msg, result.ScreenshotRef)
}

// classifyTimeout reclassifies a failure as KindTimeout when the job's
// deadline has already fired, since JOB_TIMEOUT expiry is its own failure
// class distinct from whatever error surfaced as a side effect of the
// cancellation (SPEC_FULL.md §4.8 step 4).
func classifyTimeout(ctx context.Context, fallback joberrors.Kind) joberrors.Kind {
	if ctx.Err() == context.DeadlineExceeded {
		return joberrors.KindTimeout
	}
	return fallback
}

func (s *Scheduler) failJob(job *models.Job, kind joberrors.Kind, stage string, err error) {
	s.failJobWithScreenshot(job, kind, stage, err.Error(), "")
}

func (s *Scheduler) failJobWithScreenshot(job *models.Job, kind joberrors.Kind, stage, message, screenshotRef string) {
	rec := models.ErrorRecord{
		Timestamp:     time.Now().UTC(),
		AttemptNumber: job.Attempts,
		Message:       message,
		Kind:          string(kind),
		Stage:         stage,
		ScreenshotRef: screenshotRef,
	}
	if err := s.queue.Fail(context.Background(), job.ID, kind, rec); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("scheduler: failed to record job failure")
	}
	s.logger.Warn().Str("job_id", job.ID).Str("kind", string(kind)).Str("stage", stage).Str("message", message).Msg("scheduler: job failed")
}
