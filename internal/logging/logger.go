// Package logging holds the process-wide arbor logger singleton.
package logging

import (
	"sync"

	"github.com/ternarybob/arbor"
	arborcommon "github.com/ternarybob/arbor/common"
	"github.com/ternarybob/arbor/models"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/config"
)

var (
	global      arbor.ILogger
	globalMutex sync.RWMutex
)

// Get returns the global logger, falling back to a console-only logger if
// Init has not yet run (mirrors this codebase's GetLogger fallback so
// package-level init ordering never panics on a nil logger).
func Get() arbor.ILogger {
	globalMutex.RLock()
	if global != nil {
		defer globalMutex.RUnlock()
		return global
	}
	globalMutex.RUnlock()

	globalMutex.Lock()
	defer globalMutex.Unlock()
	if global == nil {
		global = arbor.NewLogger().WithConsoleWriter(models.WriterConfiguration{
			Type: models.LogWriterTypeConsole,
		})
		global.Warn().Msg("logging.Get called before logging.Init - using fallback console logger")
	}
	return global
}

// Init builds and installs the global logger from configuration.
func Init(cfg *config.LoggingConfig) arbor.ILogger {
	logger := arbor.NewLogger()

	for _, output := range cfg.Output {
		switch output {
		case "console", "stdout":
			logger = logger.WithConsoleWriter(models.WriterConfiguration{
				Type:             models.LogWriterTypeConsole,
				TimeFormat:       cfg.TimeFormat,
				DisableTimestamp: false,
			})
		case "file":
			logger = logger.WithFileWriter(models.WriterConfiguration{
				Type:       models.LogWriterTypeFile,
				FileName:   "policyform-worker.log",
				TimeFormat: cfg.TimeFormat,
				MaxSize:    100 * 1024 * 1024,
				MaxBackups: 3,
			})
		}
	}

	logger = logger.WithLevelFromString(cfg.Level)

	globalMutex.Lock()
	global = logger
	globalMutex.Unlock()

	return logger
}

// Stop flushes any buffered writers before process exit.
func Stop() {
	globalMutex.RLock()
	defer globalMutex.RUnlock()
	if global != nil {
		arborcommon.Stop()
	}
}
