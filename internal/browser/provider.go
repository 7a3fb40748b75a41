// Package browser defines the opaque browser-launch capability (C2 in
// SPEC_FULL.md §4.2) and its chromedp-backed implementation.
package browser

import (
	"context"
	"time"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/profilestore"
)

// Options configures a single driver launch.
type Options struct {
	Headless        bool
	DisableGPU      bool
	NoSandbox       bool
	UserAgent       string
	NavigateTimeout time.Duration
}

// Element is an opaque handle to a matched DOM node. The core never
// inspects it beyond presence/absence.
type Element struct {
	Selector string
}

// Driver is a single logical browser instance bound to one profile
// directory. A driver is used by exactly one logical task at a time; the
// core makes no further thread-safety assumption about it.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Find(ctx context.Context, selector string) (*Element, error)
	Screenshot(ctx context.Context) ([]byte, error)
	CurrentURL(ctx context.Context) (string, error)
	Sleep(ctx context.Context, d time.Duration) error
	Shutdown(ctx context.Context) error
}

// Provider launches drivers against a profile directory. Implementations
// treat each Launch as independent - there is no shared pool, matching the
// explicit non-goal in SPEC_FULL.md §1 of no general-purpose browser pool.
type Provider interface {
	Launch(ctx context.Context, layout profilestore.Layout, opts Options) (Driver, error)
}
