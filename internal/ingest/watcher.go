// Package ingest implements the Ingestion Watcher (C7 in SPEC_FULL.md
// §4.9): a polling loop against the upstream document collection that
// extracts each inserted document's correlation key and form payload,
// routes it by a payload-level discriminator field to the matching
// portal's queue, and enqueues it via C6.
//
// The upstream system this was distilled from consumes a genuine
// server-push change feed; nothing in this codebase's dependency lineage
// talks to that kind of store (SPEC_FULL.md §4.7 storage substrate
// decision), so this models the feed as a cursor-tracked polling loop in
// the ticker-driven-goroutine idiom this codebase already uses for its own
// background consumers.
package ingest

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/joberrors"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/queuestore"
)

// Document is one record observed from the upstream collection.
type Document struct {
	CorrelationKey string
	Discriminator  string
	FormData       map[string]interface{}
}

// Cursor is an opaque position marker in the upstream collection's
// insertion order, used to resume polling after the last document this
// watcher has already seen.
type Cursor string

// Source polls the upstream collection for documents inserted after
// `since`. Implementations return the documents in insertion order and
// the cursor position to resume from on the next call.
type Source interface {
	Poll(ctx context.Context, since Cursor) (docs []Document, next Cursor, err error)
}

// Router resolves a document's discriminator field to the queue store the
// document belongs to. Multiple portals may coexist; each is an
// independent instance of C4-C8 behind its own Store.
type Router interface {
	Route(discriminator string) (queuestore.Store, bool)
}

// Config holds the watcher's polling cadence and reconnect backoff
// tunables (SPEC_FULL.md §6).
type Config struct {
	PollInterval        time.Duration
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
}

// Watcher drives one Source against one Router.
type Watcher struct {
	source Source
	router Router
	logger arbor.ILogger
	cfg    Config
	cursor Cursor
}

// New constructs a Watcher starting from the zero cursor (i.e. from the
// beginning of the upstream collection's visible history).
func New(source Source, router Router, cfg Config, logger arbor.ILogger) *Watcher {
	return &Watcher{
		source: source,
		router: router,
		logger: logger,
		cfg:    normalizeConfig(cfg),
	}
}

func normalizeConfig(cfg Config) Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 1 * time.Second
	}
	if cfg.MaxReconnectBackoff <= 0 {
		cfg.MaxReconnectBackoff = 30 * time.Second
	}
	return cfg
}

// Run blocks, polling on a fixed interval, until ctx is cancelled. Poll
// errors do not stop the loop: the watcher backs off (doubling, capped,
// jittered) and retries from the last successfully observed cursor rather
// than pausing ingestion (SPEC_FULL.md §11 Open Question decision 3).
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	backoff := w.cfg.ReconnectBackoff

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("ingest: watcher stopped")
			return
		case <-ticker.C:
			if err := w.pollOnce(ctx); err != nil {
				w.logger.Warn().Err(err).Str("backoff", backoff.String()).Msg("ingest: poll failed, backing off before retry")
				if !w.sleepWithJitter(ctx, backoff) {
					return
				}
				backoff *= 2
				if backoff > w.cfg.MaxReconnectBackoff {
					backoff = w.cfg.MaxReconnectBackoff
				}
				continue
			}
			backoff = w.cfg.ReconnectBackoff
		}
	}
}

func (w *Watcher) sleepWithJitter(ctx context.Context, d time.Duration) bool {
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d + jitter):
		return true
	}
}

func (w *Watcher) pollOnce(ctx context.Context) error {
	docs, next, err := w.source.Poll(ctx, w.cursor)
	if err != nil {
		return err
	}

	for _, doc := range docs {
		w.ingest(ctx, doc)
	}

	w.cursor = next
	return nil
}

func (w *Watcher) ingest(ctx context.Context, doc Document) {
	store, ok := w.router.Route(doc.Discriminator)
	if !ok {
		w.logger.Warn().Str("discriminator", doc.Discriminator).Str("correlation_key", doc.CorrelationKey).Msg("ingest: no portal queue registered for discriminator, dropping")
		return
	}

	_, err := store.Enqueue(ctx, doc.CorrelationKey, doc.FormData)
	if err != nil {
		if errors.Is(err, joberrors.ErrDuplicateCorrelationKey) {
			w.logger.Debug().Str("correlation_key", doc.CorrelationKey).Msg("ingest: document already enqueued, skipping")
			return
		}
		w.logger.Error().Err(err).Str("correlation_key", doc.CorrelationKey).Msg("ingest: enqueue failed")
		return
	}
	w.logger.Debug().Str("correlation_key", doc.CorrelationKey).Str("discriminator", doc.Discriminator).Msg("ingest: enqueued job")
}
