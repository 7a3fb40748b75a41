package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/app"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/config"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/logging"
)

const version = "0.1.0"

// configPaths is a custom flag type that allows multiple -config flags,
// later files overriding earlier ones.
type configPaths []string

func (c *configPaths) String() string { return fmt.Sprintf("%v", *c) }
func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles configPaths
	serverPort  = flag.Int("port", 0, "Server port (overrides config)")
	serverHost  = flag.String("host", "", "Server host (overrides config)")
	showVersion = flag.Bool("version", false, "Print version information")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("policyform-worker version %s\n", version)
		os.Exit(0)
	}

	// 1. Load config (defaults -> file1 -> file2 -> ... -> env)
	cfg, err := config.LoadFromFiles(configFiles)
	if err != nil {
		arbor.NewLogger().Fatal().Strs("paths", configFiles).Err(err).Msg("failed to load configuration files")
		os.Exit(1)
	}

	// 2. Apply CLI overrides (highest priority)
	if *serverPort != 0 {
		cfg.Server.Port = *serverPort
	}
	if *serverHost != "" {
		cfg.Server.Host = *serverHost
	}

	if err := cfg.Validate(); err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	// 3. Initialize logger
	logger := logging.Init(&cfg.Logging)

	// 4. Print banner
	printBanner(cfg, logger)

	logger.Info().
		Strs("config_files", configFiles).
		Int("port", cfg.Server.Port).
		Str("host", cfg.Server.Host).
		Int("portals", len(cfg.Portals)).
		Msg("configuration loaded")

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize application")
	}
	// Registered before the Close defer so the logger is flushed last,
	// after Close has logged its teardown steps.
	defer logging.Stop()
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn().Err(err).Msg("application close reported an error")
		}
	}()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Fatal().Str("panic", fmt.Sprintf("%v", r)).Msg("server goroutine panicked")
			}
		}()
		logger.Info().Str("addr", application.Server.Addr).Msg("starting status server")
		if err := application.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("status server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("interrupt signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("status server shutdown failed")
	}

	logger.Info().Msg("shutdown complete")
}

func printBanner(cfg *config.Config, logger arbor.ILogger) {
	serviceURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(72)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("POLICYFORM WORKER")
	b.PrintCenteredText("Policy Form Submission Automation")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 15)
	b.PrintKeyValue("Service URL", serviceURL, 15)
	b.PrintKeyValue("Portals", fmt.Sprintf("%d", len(cfg.Portals)), 15)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("service_url", serviceURL).
		Int("portals", len(cfg.Portals)).
		Msg("policyform-worker starting")
}
