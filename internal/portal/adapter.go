// Package portal implements the portal-specific probes that are in core
// scope (C3 in SPEC_FULL.md §4.3): is-logged-in, perform-login, and the
// clone-side validator. The full form-filling DSL is an out-of-scope
// external collaborator, represented here only by the FormFiller
// interface.
package portal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/browser"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/joberrors"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/models"
)

// Selectors names the sentinel DOM markers used by IsLoggedIn and the
// clone validator. These are portal-specific but small enough to keep
// inline here rather than in a templated DSL, since the DSL itself is out
// of scope.
type Selectors struct {
	DashboardMarker string
	LoginFormMarker string
	LoginPathSubstr string
	CaptchaImage    string
	CaptchaField    string
}

// FormResult is the structured outcome the out-of-scope form-fill
// collaborator returns, per SPEC_FULL.md §4.3/§7.
type FormResult struct {
	Success       bool
	Stage         string // "pre-submission" | "post-submission"
	Err           error
	ScreenshotRef string
}

// FormFiller is the external collaborator that actually drives the
// multi-step policy form. Its implementation is explicitly out of scope;
// the core only consumes FormResult.
type FormFiller interface {
	Fill(ctx context.Context, driver browser.Driver, formData map[string]interface{}) FormResult
}

// OCR solves a CAPTCHA image. External collaborator (SPEC_FULL.md §6).
type OCR interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// BlobUploader persists a screenshot and returns a reference URL. External
// collaborator (SPEC_FULL.md §6).
type BlobUploader interface {
	Upload(ctx context.Context, data []byte, key string) (string, error)
}

// RecoverFunc triggers (or joins) a master-session recovery. Passed in by
// the caller rather than imported directly, since the Recovery Coordinator
// (C5) is the one that depends on this package for PerformLogin, not the
// other way around.
type RecoverFunc func(ctx context.Context, reason string) error

// Adapter implements the in-core portal probes.
type Adapter struct {
	logger    arbor.ILogger
	selectors Selectors
	ocr       OCR
	loginRate *rate.Limiter
}

// NewAdapter constructs a portal adapter. loginRate bounds how often
// perform-login may submit a CAPTCHA attempt against the real portal,
// since repeated OCR-guided submissions are the kind of traffic a vendor
// portal is most likely to rate-limit or flag.
func NewAdapter(logger arbor.ILogger, selectors Selectors, ocr OCR, loginRate *rate.Limiter) *Adapter {
	return &Adapter{logger: logger, selectors: selectors, ocr: ocr, loginRate: loginRate}
}

// IsLoggedIn checks for the dashboard sentinel's presence and the
// login-form sentinel's absence.
func (a *Adapter) IsLoggedIn(ctx context.Context, driver browser.Driver) (bool, error) {
	dashboard, err := driver.Find(ctx, a.selectors.DashboardMarker)
	if err != nil {
		return false, fmt.Errorf("is-logged-in: probe dashboard marker: %w", err)
	}
	loginForm, err := driver.Find(ctx, a.selectors.LoginFormMarker)
	if err != nil {
		return false, fmt.Errorf("is-logged-in: probe login marker: %w", err)
	}
	return dashboard != nil && loginForm == nil, nil
}

// PerformLogin captures the CAPTCHA, solves it via OCR when an OCR is
// configured, waits a bounded interval, and re-checks IsLoggedIn. It does
// not type the username, password or CAPTCHA answer and does not click
// submit: Driver has no text-input or click primitive, so the result only
// reflects whatever login state the page reaches on its own.
func (a *Adapter) PerformLogin(ctx context.Context, driver browser.Driver, creds models.PortalCredentials) (bool, error) {
	if a.loginRate != nil {
		if err := a.loginRate.Wait(ctx); err != nil {
			return false, fmt.Errorf("perform-login: rate limit wait: %w", err)
		}
	}

	captchaEl, err := driver.Find(ctx, a.selectors.CaptchaImage)
	if err != nil {
		return false, fmt.Errorf("perform-login: find captcha: %w", err)
	}
	if captchaEl != nil {
		shot, err := driver.Screenshot(ctx)
		if err != nil {
			return false, fmt.Errorf("perform-login: capture captcha: %w", err)
		}
		if a.ocr != nil {
			solved, err := a.ocr.Solve(ctx, shot)
			if err != nil {
				a.logger.Warn().Err(err).Msg("perform-login: ocr solve failed, attempting submit without captcha fill")
			} else {
				a.logger.Debug().Str("captcha_field", a.selectors.CaptchaField).Msg("perform-login: captcha solved")
				_ = solved // the out-of-scope form DSL is responsible for the actual field fill
			}
		}
	}

	loginTimeout := creds.LoginTimeout
	if loginTimeout <= 0 {
		loginTimeout = 30 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	if err := driver.Sleep(waitCtx, 500*time.Millisecond); err != nil {
		return false, fmt.Errorf("perform-login: post-submit wait: %w", err)
	}

	return a.IsLoggedIn(ctx, driver)
}

// ValidateOrRecoverClone is the clone-side guardian (SPEC_FULL.md §4.6). It
// closes the race window between a stale clone snapshot and a subsequent
// master recovery.
func (a *Adapter) ValidateOrRecoverClone(ctx context.Context, driver browser.Driver, creds models.PortalCredentials, recover RecoverFunc) (bool, error) {
	valid, err := a.checkCloneState(ctx, driver, creds, recover)
	if err != nil {
		return false, err
	}
	return valid, nil
}

func (a *Adapter) checkCloneState(ctx context.Context, driver browser.Driver, creds models.PortalCredentials, recover RecoverFunc) (bool, error) {
	loginForm, err := driver.Find(ctx, a.selectors.LoginFormMarker)
	if err != nil {
		return false, fmt.Errorf("validate-clone: probe login marker: %w", err)
	}
	if loginForm != nil {
		return a.attemptDirectLoginThenRecover(ctx, driver, creds, recover)
	}

	dashboard, err := driver.Find(ctx, a.selectors.DashboardMarker)
	if err != nil {
		return false, fmt.Errorf("validate-clone: probe dashboard marker: %w", err)
	}
	if dashboard != nil {
		return true, nil
	}

	url, err := driver.CurrentURL(ctx)
	if err != nil {
		return false, fmt.Errorf("validate-clone: current url: %w", err)
	}
	if a.selectors.LoginPathSubstr != "" && strings.Contains(url, a.selectors.LoginPathSubstr) {
		return a.attemptDirectLoginThenRecover(ctx, driver, creds, recover)
	}

	// Ambiguous: wait once and re-evaluate before giving up.
	if err := driver.Sleep(ctx, 3*time.Second); err != nil {
		return false, fmt.Errorf("validate-clone: ambiguity wait: %w", err)
	}
	dashboard, err = driver.Find(ctx, a.selectors.DashboardMarker)
	if err != nil {
		return false, fmt.Errorf("validate-clone: re-probe dashboard marker: %w", err)
	}
	return dashboard != nil, nil
}

// attemptDirectLoginThenRecover tries up to three direct logins on the
// cloned driver before escalating to a master recovery. A successful
// direct login on the clone is sufficient; it does not imply the master
// itself needs recovering, but if all three attempts fail, the session is
// treated as SessionExpiredError and a master recovery is triggered.
func (a *Adapter) attemptDirectLoginThenRecover(ctx context.Context, driver browser.Driver, creds models.PortalCredentials, recover RecoverFunc) (bool, error) {
	const directLoginAttempts = 3
	for i := 0; i < directLoginAttempts; i++ {
		ok, err := a.PerformLogin(ctx, driver, creds)
		if err != nil {
			a.logger.Warn().Err(err).Int("attempt", i+1).Msg("validate-clone: direct login attempt errored")
			continue
		}
		if ok {
			return true, nil
		}
	}

	a.logger.Warn().Msg("validate-clone: direct login exhausted, escalating to master recovery")
	if recover != nil {
		if err := recover(ctx, "clone validator: direct login exhausted"); err != nil {
			return false, joberrors.New(joberrors.KindSessionExpired, "pre-submission", err)
		}
	}
	return false, nil
}
