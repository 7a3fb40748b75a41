// Package app wires together one C4-C6/C8/C9 pipeline per configured
// portal, the C1 profile store, C2 browser provider and C7 ingestion
// watcher shared across portals, and the shared HTTP status surface, following this codebase's own
// dependency-ordered App construction (initDatabase -> initServices ->
// initHandlers -> background goroutines under a cancellable context).
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/browser"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/config"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/ingest"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/models"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/portal"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/profilestore"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/queuestore"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/recovery"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/scheduler"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/session"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/statusapi"
)

// Portal bundles one configured portal's independent C4-C8 pipeline plus
// its C6 queue store and C9 status handler (SPEC_FULL.md §4: "the core
// treats each portal as an independent instance").
type Portal struct {
	Name      string
	Queue     *queuestore.BadgerStore
	Session   *session.Manager
	Recovery  *recovery.Coordinator
	Scheduler *scheduler.Scheduler
	Status    *statusapi.Handler
}

// App owns every portal pipeline, the shared ingestion watcher, the
// recover-stuck cron, and the HTTP server exposing each portal's status
// surface.
type App struct {
	Config *config.Config
	Logger arbor.ILogger

	Portals  []*Portal
	profiles *profilestore.Store
	provider browser.Provider

	Ingest      *ingest.Watcher
	recoverCron *cron.Cron
	Server      *http.Server

	ctx       context.Context
	cancelCtx context.CancelFunc
}

// portalRouter implements ingest.Router over the configured portals,
// keyed by portal name as the document discriminator.
type portalRouter struct {
	byName map[string]queuestore.Store
}

func (r *portalRouter) Route(discriminator string) (queuestore.Store, bool) {
	s, ok := r.byName[discriminator]
	return s, ok
}

// New builds the C1 profile store and C2 browser provider (both shared
// across portals), then every portal pipeline from cfg in the order: C6
// store, C4 session manager, C5 recovery coordinator, C8 scheduler, C9
// status handler - then the shared C7 ingestion watcher and recover-stuck
// cron.
// Any failure here is fatal at process start, mirroring this codebase's
// own App.New.
func New(cfg *config.Config, logger arbor.ILogger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	a.ctx, a.cancelCtx = context.WithCancel(context.Background())

	a.profiles = profilestore.New(logger, cfg.Scheduler.CloneFileSkipBytes)
	a.provider = browser.NewChromeDPProvider(logger)

	router := &portalRouter{byName: make(map[string]queuestore.Store, len(cfg.Portals))}

	for i := range cfg.Portals {
		creds := cfg.Portals[i]
		p, err := a.buildPortal(creds)
		if err != nil {
			return nil, fmt.Errorf("app: build portal %q: %w", creds.Name, err)
		}
		a.Portals = append(a.Portals, p)
		router.byName[creds.Name] = p.Queue
	}

	if err := a.initIngest(router); err != nil {
		return nil, fmt.Errorf("app: init ingest: %w", err)
	}

	a.initRecoverStuckCron()
	a.initServer()

	return a, nil
}

// buildPortal wires one portal's C4-C9 pipeline.
func (a *App) buildPortal(creds models.PortalCredentials) (*Portal, error) {
	storePath := a.Config.Storage.Path + "/" + creds.Name
	queue, err := queuestore.Open(a.Logger, storePath, a.Config.Storage.ResetOnStartup, a.Config.Scheduler.MaxAttempts, a.Config.Scheduler.RetryBackoff)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	selectors := portal.Selectors{
		DashboardMarker: "#dashboard",
		LoginFormMarker: "#login-form",
		LoginPathSubstr: "/login",
		CaptchaImage:    "#captcha-image",
		CaptchaField:    "#captcha-input",
	}
	// No real OCR/rate-limited login throttle is wired for local operation
	// (SPEC_FULL.md §1 non-goal: the CAPTCHA solver is an external
	// collaborator); a production deployment supplies an OCR implementation
	// and a rate.Limiter tuned to the target portal's tolerance. Credential
	// field-fill itself is the out-of-scope form DSL's job (Driver exposes
	// no text-input primitive), so no username/password/submit selectors
	// are carried here.
	adapter := portal.NewAdapter(a.Logger, selectors, nil, nil)

	sessionMgr := session.New(a.provider, creds, adapter.PerformLogin, adapter.IsLoggedIn, a.Config.Scheduler.CheckTimeout, a.Logger)
	if err := sessionMgr.Initialize(a.ctx); err != nil {
		return nil, fmt.Errorf("initialize master session: %w", err)
	}

	coordinator := recovery.New(a.ctx, sessionMgr, a.profiles, adapter.PerformLogin, recovery.Limits{
		SoftMax:    a.Config.Scheduler.SoftMax,
		HardMax:    a.Config.Scheduler.HardMax,
		NuclearMax: a.Config.Scheduler.NuclearMax,
	}, a.Config.Scheduler.CheckTimeout, a.Logger, func(history []recovery.HistoryEntry) {
		a.Logger.Error().Str("portal", creds.Name).Int("history_len", len(history)).Msg("recovery ladder exhausted all levels")
	})

	filler := portal.NewStubFormFiller(nil)

	sched := scheduler.New(queue, a.profiles, a.provider, sessionMgr, coordinator, adapter, filler, creds, scheduler.Config{
		MaxParallel:  a.Config.Scheduler.MaxParallel,
		JobTimeout:   a.Config.Scheduler.JobTimeout,
		StaleHorizon: a.Config.Scheduler.StaleHorizon,
		PollInterval: 500 * time.Millisecond,
	}, a.Logger)

	if err := sched.Start(a.ctx); err != nil {
		return nil, fmt.Errorf("start scheduler: %w", err)
	}

	return &Portal{
		Name:      creds.Name,
		Queue:     queue,
		Session:   sessionMgr,
		Recovery:  coordinator,
		Scheduler: sched,
		Status:    statusapi.New(queue, a.Logger),
	}, nil
}

// initIngest builds the watcher against a stub source: the upstream
// document collection is an out-of-scope external collaborator
// (SPEC_FULL.md §1). A deployment substitutes a real ingest.Source (e.g.
// the form-intake collection's change stream) at this single call site;
// nothing else about the watcher's wiring changes.
func (a *App) initIngest(router *portalRouter) error {
	source := ingest.NewStubSource(nil)
	a.Ingest = ingest.New(source, router, ingest.Config{
		PollInterval:        a.Config.Ingest.PollInterval,
		ReconnectBackoff:    a.Config.Ingest.ReconnectBackoff,
		MaxReconnectBackoff: a.Config.Ingest.MaxReconnectBackoff,
	}, a.Logger)

	go a.Ingest.Run(a.ctx)
	return nil
}

// initRecoverStuckCron schedules a periodic RecoverStuck sweep across
// every portal's queue store, grounded on this codebase's own
// cron.New().AddFunc periodic-task pattern.
func (a *App) initRecoverStuckCron() {
	schedule := a.Config.Ingest.RecoverStuckSchedule
	if schedule == "" {
		return
	}

	a.recoverCron = cron.New()
	_, err := a.recoverCron.AddFunc(schedule, func() {
		for _, p := range a.Portals {
			n, err := p.Queue.RecoverStuck(context.Background(), a.Config.Scheduler.StaleHorizon)
			if err != nil {
				a.Logger.Warn().Err(err).Str("portal", p.Name).Msg("recover-stuck sweep failed")
				continue
			}
			if n > 0 {
				a.Logger.Info().Str("portal", p.Name).Int("recovered", n).Msg("recover-stuck sweep requeued jobs")
			}
		}
	})
	if err != nil {
		a.Logger.Warn().Err(err).Str("schedule", schedule).Msg("invalid recover-stuck schedule, periodic sweep disabled")
		a.recoverCron = nil
		return
	}
	a.recoverCron.Start()
}

// initServer builds the shared HTTP mux, mounting every portal's status
// surface under /api/status/{portal-name}, matching this codebase's
// stdlib http.ServeMux routing (no router framework in its dependency
// lineage).
func (a *App) initServer() {
	mux := http.NewServeMux()
	for _, p := range a.Portals {
		p.Status.Mount(mux, "/api/status/"+p.Name)
		p.Status.StartCountsBroadcaster(5 * time.Second)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	a.Server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port),
		Handler: mux,
	}
}

// Close tears down every background goroutine and resource in reverse
// dependency order, best-effort past the first failure, mirroring this
// codebase's own App.Close.
func (a *App) Close() error {
	if a.recoverCron != nil {
		a.Logger.Info().Msg("stopping recover-stuck cron")
		stopCtx := a.recoverCron.Stop()
		<-stopCtx.Done()
	}

	if a.Ingest != nil {
		a.Logger.Info().Msg("stopping ingestion watcher")
	}

	if a.cancelCtx != nil {
		a.Logger.Info().Msg("cancelling background goroutines")
		a.cancelCtx()
		time.Sleep(100 * time.Millisecond)
	}

	for _, p := range a.Portals {
		if p.Scheduler != nil {
			p.Scheduler.Stop()
		}
		if p.Session != nil {
			if driver := p.Session.Driver(); driver != nil {
				if err := driver.Shutdown(context.Background()); err != nil {
					a.Logger.Warn().Err(err).Str("portal", p.Name).Msg("failed to shut down master driver")
				}
			}
		}
	}

	var firstErr error
	for _, p := range a.Portals {
		if p.Queue == nil {
			continue
		}
		if err := p.Queue.Close(); err != nil {
			a.Logger.Warn().Err(err).Str("portal", p.Name).Msg("failed to close queue store")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}
