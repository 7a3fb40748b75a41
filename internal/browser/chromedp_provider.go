package browser

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/profilestore"
)

// ChromeDPProvider launches one chromedp allocator+context pair per Launch
// call. Unlike this codebase's crawler pool, there is no shared instance
// set to round-robin over: each job owns its clone and therefore its own
// driver for the job's lifetime (SPEC_FULL.md §1 non-goals).
type ChromeDPProvider struct {
	logger arbor.ILogger
}

// NewChromeDPProvider constructs a Provider backed by real Chrome/Chromium.
func NewChromeDPProvider(logger arbor.ILogger) *ChromeDPProvider {
	return &ChromeDPProvider{logger: logger}
}

// Launch starts a browser bound to layout.UserDataDir and blocks until a
// trivial navigation succeeds, confirming the driver is responsive.
func (p *ChromeDPProvider) Launch(ctx context.Context, layout profilestore.Layout, opts Options) (Driver, error) {
	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", opts.DisableGPU),
		chromedp.Flag("no-sandbox", opts.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserDataDir(layout.UserDataDir),
	)
	if opts.UserAgent != "" {
		allocatorOpts = append(allocatorOpts, chromedp.UserAgent(opts.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	startupTimeout := opts.NavigateTimeout
	if startupTimeout <= 0 {
		startupTimeout = 30 * time.Second
	}
	testCtx, testCancel := context.WithTimeout(browserCtx, startupTimeout)
	defer testCancel()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser launch: startup navigation failed: %w", err)
	}

	p.logger.Debug().Str("user_data_dir", layout.UserDataDir).Msg("chromedp driver launched")

	return &chromeDPDriver{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		logger:      p.logger,
	}, nil
}

type chromeDPDriver struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      arbor.ILogger
}

func (d *chromeDPDriver) Navigate(ctx context.Context, url string) error {
	return chromedp.Run(d.withDeadline(ctx), chromedp.Navigate(url))
}

func (d *chromeDPDriver) Find(ctx context.Context, selector string) (*Element, error) {
	var nodes []*cdp.Node
	err := chromedp.Run(d.withDeadline(ctx), chromedp.Nodes(selector, &nodes, chromedp.AtLeast(0)))
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", selector, err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return &Element{Selector: selector}, nil
}

func (d *chromeDPDriver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := chromedp.Run(d.withDeadline(ctx), chromedp.FullScreenshot(&buf, 90))
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return bytes.Clone(buf), nil
}

func (d *chromeDPDriver) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := chromedp.Run(d.withDeadline(ctx), chromedp.Location(&url))
	if err != nil {
		return "", fmt.Errorf("current_url: %w", err)
	}
	return url, nil
}

func (d *chromeDPDriver) Sleep(ctx context.Context, dur time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(dur):
		return nil
	}
}

func (d *chromeDPDriver) Shutdown(ctx context.Context) error {
	d.cancel()
	d.allocCancel()
	return nil
}

// withDeadline binds ctx's cancellation to the driver's browser context so
// that callers can enforce JOB_TIMEOUT without the driver outliving it.
func (d *chromeDPDriver) withDeadline(ctx context.Context) context.Context {
	merged, cancel := context.WithCancel(d.ctx)
	go func() {
		defer cancel()
		select {
		case <-ctx.Done():
		case <-merged.Done():
		}
	}()
	return merged
}
