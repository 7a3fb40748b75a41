package queuestore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// connection wraps the badgerhold-backed embedded document store the job
// queue is persisted in.
type connection struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// openConnection opens (creating if necessary) the badger database at
// path. If resetOnStartup is set the existing database is deleted first -
// useful for local development and tests, never for production.
func openConnection(logger arbor.ILogger, path string, resetOnStartup bool) (*connection, error) {
	if resetOnStartup {
		if _, err := os.Stat(path); err == nil {
			logger.Debug().Str("path", path).Msg("queuestore: deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(path); err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("queuestore: failed to delete database directory")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("queuestore: create database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil // arbor is the logger of record, not badger's internal one

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("queuestore: open badger database: %w", err)
	}

	logger.Debug().Str("path", path).Msg("queuestore: badger database initialized")

	return &connection{store: store, logger: logger}, nil
}

func (c *connection) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}
