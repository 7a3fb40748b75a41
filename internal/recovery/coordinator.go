// Package recovery implements the Recovery Coordinator (C5 in
// SPEC_FULL.md §4.5): the three-level soft/hard/nuclear session-restoration
// ladder, run under single-flight coordination so concurrent jobs
// discovering expiry collapse onto one recovery attempt.
package recovery

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/browser"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/joberrors"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/profilestore"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/session"
)

// Level names one rung of the recovery ladder.
type Level string

const (
	LevelSoft    Level = "soft"
	LevelHard    Level = "hard"
	LevelNuclear Level = "nuclear"
)

// HistoryEntry records one level attempt for observability (SPEC_FULL.md §4.5).
type HistoryEntry struct {
	Level     Level
	Success   bool
	Reason    string
	Timestamp time.Time
}

// Limits bounds how many times each level may be attempted before the
// coordinator treats it as exhausted and always escalates past it - until
// the next successful recovery resets all counters to zero.
type Limits struct {
	SoftMax    int
	HardMax    int
	NuclearMax int
}

const defaultHistoryCapacity = 50

// CriticalHook is invoked when all three levels are exhausted in a single
// ladder run. It receives the current history window.
type CriticalHook func(history []HistoryEntry)

// Coordinator runs the recovery ladder under a single-flight lock.
type Coordinator struct {
	mu       sync.Mutex
	inFlight bool
	done     chan struct{}
	outcome  error

	softUsed, hardUsed, nuclearUsed int
	limits                          Limits
	history                         []HistoryEntry
	historyCap                      int

	session  *session.Manager
	profiles *profilestore.Store
	login    session.LoginFunc
	logger   arbor.ILogger
	rootCtx  context.Context

	probeTimeout time.Duration
	onExhausted  CriticalHook
}

// New constructs a Recovery Coordinator. rootCtx bounds the ladder's own
// operations (cancelled only by process shutdown); individual callers'
// contexts only bound how long THEY wait for the shared outcome.
func New(rootCtx context.Context, sessionMgr *session.Manager, profiles *profilestore.Store, login session.LoginFunc, limits Limits, probeTimeout time.Duration, logger arbor.ILogger, onExhausted CriticalHook) *Coordinator {
	return &Coordinator{
		session:      sessionMgr,
		profiles:     profiles,
		login:        login,
		limits:       limits,
		historyCap:   defaultHistoryCapacity,
		logger:       logger,
		rootCtx:      rootCtx,
		probeTimeout: probeTimeout,
		onExhausted:  onExhausted,
	}
}

// Recover triggers a recovery, or joins one already in flight. Joiners
// detach on their own ctx deadline without aborting the in-flight
// recovery (SPEC_FULL.md §4.5 Fairness & cancellation).
func (c *Coordinator) Recover(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.inFlight {
		done := c.done
		c.mu.Unlock()
		select {
		case <-done:
			c.mu.Lock()
			outcome := c.outcome
			c.mu.Unlock()
			return outcome
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.inFlight = true
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	outcome := c.runLadder(reason)

	c.mu.Lock()
	c.outcome = outcome
	c.inFlight = false
	c.mu.Unlock()
	close(done)

	return outcome
}

// runLadder executes Soft → Hard → Nuclear in order, stopping at the first
// success. Exit (success, failure, or panic) always clears in_flight via
// Recover's surrounding logic; runLadder itself only needs to guarantee it
// returns rather than blocks forever.
func (c *Coordinator) runLadder(reason string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = joberrors.New(joberrors.KindRecoveryExhausted, "pre-submission", fmt.Errorf("recovery ladder panicked: %v", r))
		}
	}()

	var lastErr error

	if c.levelAllowed(LevelSoft, c.limits.SoftMax, c.softUsedSnapshot) {
		c.recordAttempt(LevelSoft)
		ok, levelErr := c.trySoft()
		c.recordHistory(LevelSoft, ok, describeOutcome(reason, levelErr))
		if ok {
			c.resetCounters()
			return nil
		}
		lastErr = levelErr
	} else {
		c.logger.Debug().Msg("recovery: soft level exhausted, escalating directly")
	}

	if c.levelAllowed(LevelHard, c.limits.HardMax, c.hardUsedSnapshot) {
		c.recordAttempt(LevelHard)
		ok, levelErr := c.tryHard()
		c.recordHistory(LevelHard, ok, describeOutcome(reason, levelErr))
		if ok {
			c.resetCounters()
			return nil
		}
		lastErr = levelErr
	} else {
		c.logger.Debug().Msg("recovery: hard level exhausted, escalating directly")
	}

	if c.levelAllowed(LevelNuclear, c.limits.NuclearMax, c.nuclearUsedSnapshot) {
		c.recordAttempt(LevelNuclear)
		ok, levelErr := c.tryNuclear()
		c.recordHistory(LevelNuclear, ok, describeOutcome(reason, levelErr))
		if ok {
			c.resetCounters()
			return nil
		}
		lastErr = levelErr
	}

	history := c.HistoryWindow()
	if c.onExhausted != nil {
		c.onExhausted(history)
	}
	return joberrors.New(joberrors.KindRecoveryExhausted, "pre-submission", fmt.Errorf("recovery ladder exhausted: %w", lastErr))
}

func describeOutcome(reason string, err error) string {
	if err == nil {
		return reason
	}
	return fmt.Sprintf("%s: %v", reason, err)
}

func (c *Coordinator) softUsedSnapshot() int    { return c.softUsed }
func (c *Coordinator) hardUsedSnapshot() int    { return c.hardUsed }
func (c *Coordinator) nuclearUsedSnapshot() int { return c.nuclearUsed }

func (c *Coordinator) levelAllowed(level Level, max int, usedFn func() int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return usedFn() < max
}

func (c *Coordinator) recordAttempt(level Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch level {
	case LevelSoft:
		c.softUsed++
	case LevelHard:
		c.hardUsed++
	case LevelNuclear:
		c.nuclearUsed++
	}
}

func (c *Coordinator) resetCounters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.softUsed, c.hardUsed, c.nuclearUsed = 0, 0, 0
}

func (c *Coordinator) recordHistory(level Level, success bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, HistoryEntry{
		Level:     level,
		Success:   success,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	if len(c.history) > c.historyCap {
		c.history = c.history[len(c.history)-c.historyCap:]
	}
}

// HistoryWindow returns a snapshot copy of the bounded history ring.
func (c *Coordinator) HistoryWindow() []HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]HistoryEntry(nil), c.history...)
}

func (c *Coordinator) probeDeadline() time.Duration {
	if c.probeTimeout > 0 {
		return c.probeTimeout
	}
	return 10 * time.Second
}

// trySoft probes the existing master driver's responsiveness, then
// re-navigates and logs back in without replacing the driver process.
func (c *Coordinator) trySoft() (bool, error) {
	driver := c.session.Driver()
	if driver == nil {
		return false, fmt.Errorf("soft: no master driver present")
	}

	ctx, cancel := context.WithTimeout(c.rootCtx, c.probeDeadline())
	defer cancel()

	if _, err := driver.CurrentURL(ctx); err != nil {
		return false, fmt.Errorf("soft: master driver unresponsive: %w", err)
	}

	creds := c.session.Credentials()
	if err := driver.Navigate(ctx, creds.EntryURL); err != nil {
		return false, fmt.Errorf("soft: navigate to entry url: %w", err)
	}

	ok, err := c.login(ctx, driver, creds)
	if err != nil {
		return false, fmt.Errorf("soft: login: %w", err)
	}
	if ok {
		c.session.Replace(driver, true)
	}
	return ok, nil
}

// tryHard discards the existing master driver and launches a fresh one
// against the same (still-intact) master profile directory.
func (c *Coordinator) tryHard() (bool, error) {
	creds := c.session.Credentials()

	if old := c.session.Driver(); old != nil {
		_ = old.Shutdown(c.rootCtx) // best-effort; ignore shutdown errors
	}
	c.session.MarkInactive()

	layout := profilestore.Layout{UserDataDir: creds.MasterProfilePath, ProfileSubdir: "Default", FullPath: creds.MasterProfilePath}
	newDriver, err := c.session.Provider().Launch(c.rootCtx, layout, browser.Options{NavigateTimeout: creds.LoginTimeout})
	if err != nil {
		return false, fmt.Errorf("hard: launch: %w", err)
	}

	ctx, cancel := context.WithTimeout(c.rootCtx, c.probeDeadline())
	defer cancel()

	if err := newDriver.Navigate(ctx, creds.EntryURL); err != nil {
		c.session.Replace(newDriver, false)
		return false, fmt.Errorf("hard: navigate: %w", err)
	}

	ok, err := c.login(ctx, newDriver, creds)
	c.session.Replace(newDriver, ok)
	if err != nil {
		return false, fmt.Errorf("hard: login: %w", err)
	}
	return ok, nil
}

// tryNuclear backs up, deletes, and recreates the master profile directory
// before launching a clean driver and logging in from scratch. On failure
// the backup is restored before surfacing the error.
func (c *Coordinator) tryNuclear() (bool, error) {
	creds := c.session.Credentials()

	backupPath, err := c.profiles.Backup(creds.MasterProfilePath)
	if err != nil {
		return false, fmt.Errorf("nuclear: backup: %w", err)
	}

	if old := c.session.Driver(); old != nil {
		_ = old.Shutdown(c.rootCtx)
	}
	c.session.MarkInactive()

	if err := c.profiles.Delete(creds.MasterProfilePath); err != nil {
		c.restoreBestEffort(backupPath, creds.MasterProfilePath)
		return false, fmt.Errorf("nuclear: delete master profile: %w", err)
	}
	if err := os.MkdirAll(creds.MasterProfilePath, 0o755); err != nil {
		c.restoreBestEffort(backupPath, creds.MasterProfilePath)
		return false, fmt.Errorf("nuclear: recreate master profile dir: %w", err)
	}

	layout := profilestore.Layout{UserDataDir: creds.MasterProfilePath, ProfileSubdir: "Default", FullPath: creds.MasterProfilePath}
	newDriver, err := c.session.Provider().Launch(c.rootCtx, layout, browser.Options{NavigateTimeout: creds.LoginTimeout})
	if err != nil {
		c.restoreBestEffort(backupPath, creds.MasterProfilePath)
		return false, fmt.Errorf("nuclear: launch: %w", err)
	}

	ctx, cancel := context.WithTimeout(c.rootCtx, c.probeDeadline())
	defer cancel()

	if err := newDriver.Navigate(ctx, creds.EntryURL); err != nil {
		c.restoreBestEffort(backupPath, creds.MasterProfilePath)
		return false, fmt.Errorf("nuclear: navigate: %w", err)
	}

	ok, err := c.login(ctx, newDriver, creds)
	if err != nil || !ok {
		c.restoreBestEffort(backupPath, creds.MasterProfilePath)
		if err != nil {
			return false, fmt.Errorf("nuclear: login: %w", err)
		}
		return false, nil
	}

	c.session.Replace(newDriver, true)
	return true, nil
}

func (c *Coordinator) restoreBestEffort(backupPath, dir string) {
	if err := c.profiles.Restore(backupPath, dir); err != nil {
		c.logger.Error().Err(err).Str("backup", backupPath).Msg("nuclear recovery: restore from backup failed")
	}
}
