// Package app provides the entry point for the talon binary: it loads
// configuration, builds the orchestrator core, and runs the module
// lifecycle until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/aklemp/talon/internal/config"
	"github.com/aklemp/talon/internal/core"
	"github.com/aklemp/talon/internal/security"
)

// RunParams configures the main application loop.
type RunParams struct {
	// ConfigPath is an explicit path to the YAML configuration file.
	// If empty, ResolveConfigPath is called automatically.
	ConfigPath string

	// Version, Commit, and Date are injected at build time via ldflags.
	Version string
	Commit  string
	Date    string

	// DataDir overrides the default persistent data directory.
	DataDir string

	// LogLevel sets the minimum log level. Defaults to slog.LevelInfo.
	LogLevel slog.Level
}

// Run loads configuration, wires the orchestrator, starts all modules,
// and blocks until a shutdown signal is received.
func Run(params RunParams) error {
	// Best effort; a missing .env is not an error.
	_ = godotenv.Load()

	cfgPath := params.ConfigPath
	if cfgPath == "" {
		resolved, err := ResolveConfigPath()
		if err != nil {
			return err
		}
		cfgPath = resolved
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	// Wrap the text handler in a redacting handler so agent credentials
	// never reach the logs.
	redactor := security.NewRedactor()
	innerHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: params.LogLevel,
	})
	logger := slog.New(security.NewRedactingHandler(innerHandler, redactor))

	dataDir := params.DataDir
	if dataDir == "" {
		dataDir = cfg.DataDir
	}
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	appCtx := core.NewAppContext(logger, dataDir)
	appCtx = appCtx.WithModuleConfigs(cfg.Modules)
	appCtx.RegisterService("security.redactor", redactor)
	appCtx.RegisterService("config.path", cfgPath)

	limiter := security.NewRateLimiter(security.RateLimiterConfig{})
	appCtx.RegisterService("security.ratelimiter", limiter)

	application := core.NewApp(appCtx)
	ids := config.Resolve(cfg)
	if err := application.LoadModules(ids); err != nil {
		return err
	}

	// Wire the orchestrator between LoadModules and Start: the hub, event
	// sink, turn runner, stores, tools, and maintenance jobs. Modules like
	// the gateway resolve these through the service registry at Start.
	if err := wireOrchestrator(application, appCtx, cfg, logger, redactor, limiter); err != nil {
		return err
	}

	// Export spans only when an OTLP endpoint is configured in the
	// environment; otherwise the no-op tracer stays in place.
	shutdownTracing, err := setupTracing(context.Background(), params.Version, logger)
	if err != nil {
		return err
	}
	if shutdownTracing != nil {
		application.AppendModule("tracing", &tracingModule{shutdown: shutdownTracing})
	}

	if err := application.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())
	application.Stop()
	logger.Info("shutdown complete")
	return nil
}

// ResolveConfigPath searches for a config file in standard locations.
// Search order: $XDG_CONFIG_HOME/talon/talon.yaml → ~/.config/talon/talon.yaml → ./talon.yaml
func ResolveConfigPath() (string, error) {
	var candidates []string

	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "talon", "talon.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "talon", "talon.yaml"))
	}

	candidates = append(candidates, "talon.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no configuration file found (searched: %v)", candidates)
}

// DefaultDataDir returns the default persistent data directory.
// Uses $XDG_DATA_HOME/talon if set, otherwise ~/.local/share/talon per the XDG spec.
func DefaultDataDir() string {
	if dir, ok := os.LookupEnv("XDG_DATA_HOME"); ok {
		return filepath.Join(dir, "talon")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "talon")
}
