// Package session implements the Master Session Manager (C4 in
// SPEC_FULL.md §4.4): the long-lived authenticated browser session kept at
// process scope.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/browser"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/models"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/profilestore"
)

// LoginFunc performs a login attempt against driver. Bound to
// *portal.Adapter.PerformLogin by the caller; kept as a function type here
// to avoid an import cycle (portal does not need to know about session).
type LoginFunc func(ctx context.Context, driver browser.Driver, creds models.PortalCredentials) (bool, error)

// IsLoggedInFunc checks driver's current login state.
type IsLoggedInFunc func(ctx context.Context, driver browser.Driver) (bool, error)

// Manager owns the master driver and its freshness flag. All mutation of
// driver/is_active/last_checked_at goes through Manager's lock; jobs never
// touch the master driver directly (SPEC_FULL.md §5).
type Manager struct {
	mu sync.Mutex

	driver        browser.Driver
	isActive      bool
	lastCheckedAt time.Time

	creds    models.PortalCredentials
	provider browser.Provider
	login    LoginFunc
	isLogged IsLoggedInFunc
	logger   arbor.ILogger

	checkTimeout time.Duration
}

// New constructs a Master Session Manager. It does not launch a driver;
// call Initialize for that.
func New(provider browser.Provider, creds models.PortalCredentials, login LoginFunc, isLogged IsLoggedInFunc, checkTimeout time.Duration, logger arbor.ILogger) *Manager {
	return &Manager{
		provider:     provider,
		creds:        creds,
		login:        login,
		isLogged:     isLogged,
		checkTimeout: checkTimeout,
		logger:       logger,
	}
}

// Initialize idempotently launches the master driver against the master
// profile, navigates to the portal entry URL, and logs in if necessary.
// Failure here is fatal at process start, per SPEC_FULL.md §4.4.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.driver != nil && m.isActive {
		return nil
	}

	layout := profilestore.Layout{
		UserDataDir:   m.creds.MasterProfilePath,
		ProfileSubdir: "Default",
		FullPath:      m.creds.MasterProfilePath,
	}
	driver, err := m.provider.Launch(ctx, layout, browser.Options{NavigateTimeout: m.creds.LoginTimeout})
	if err != nil {
		return fmt.Errorf("master session: launch: %w", err)
	}

	if err := driver.Navigate(ctx, m.creds.EntryURL); err != nil {
		return fmt.Errorf("master session: navigate to entry url: %w", err)
	}

	loggedIn, err := m.isLogged(ctx, driver)
	if err != nil {
		return fmt.Errorf("master session: initial login check: %w", err)
	}
	if !loggedIn {
		ok, err := m.login(ctx, driver, m.creds)
		if err != nil {
			return fmt.Errorf("master session: initial login: %w", err)
		}
		if !ok {
			return fmt.Errorf("master session: initial login did not result in an active session")
		}
	}

	m.driver = driver
	m.isActive = true
	m.lastCheckedAt = time.Now().UTC()
	m.logger.Info().Msg("master session initialized")
	return nil
}

// Check re-verifies login state against the live driver, bounded by the
// configured check timeout, and updates last_checked_at / is_active.
func (m *Manager) Check(ctx context.Context) (bool, error) {
	m.mu.Lock()
	driver := m.driver
	m.mu.Unlock()

	if driver == nil {
		return false, fmt.Errorf("master session: check called before initialize")
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeoutOrDefault())
	defer cancel()

	active, err := m.isLogged(checkCtx, driver)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCheckedAt = time.Now().UTC()
	if err != nil {
		m.isActive = false
		return false, fmt.Errorf("master session: check: %w", err)
	}
	m.isActive = active
	return active, nil
}

func (m *Manager) checkTimeoutOrDefault() time.Duration {
	if m.checkTimeout > 0 {
		return m.checkTimeout
	}
	return 5 * time.Second
}

// IsFresh reports is_active ∧ now − last_checked_at ≤ horizon.
func (m *Manager) IsFresh(horizon time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isActive {
		return false
	}
	return time.Since(m.lastCheckedAt) <= horizon
}

// Driver returns the current master driver handle. Only C5 (recovery) is
// expected to call Replace; other callers should treat the handle as
// read-only and short-lived (e.g. the recovery ladder's "current_url"
// probe).
func (m *Manager) Driver() browser.Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.driver
}

// Credentials returns the immutable per-portal configuration.
func (m *Manager) Credentials() models.PortalCredentials {
	return m.creds
}

// Provider exposes the browser provider so the recovery coordinator can
// launch replacement master drivers without a second configuration path.
func (m *Manager) Provider() browser.Provider {
	return m.provider
}

// Replace swaps in a new driver (set by recovery), sets is_active to
// active and refreshes last_checked_at, so the session reads as fresh only
// when active is true. The superseded driver is not shut down here - the
// caller (recovery ladder) is responsible for that, since shutdown
// ordering differs per level.
func (m *Manager) Replace(driver browser.Driver, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driver = driver
	m.isActive = active
	m.lastCheckedAt = time.Now().UTC()
}

// MarkInactive flags the session unhealthy without replacing the driver,
// used by the recovery ladder between escalation levels.
func (m *Manager) MarkInactive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isActive = false
}
