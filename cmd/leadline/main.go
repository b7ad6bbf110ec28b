// Command leadline is the main entry point for the leadline call gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/leadline/internal/app"
	"github.com/MrWong99/leadline/internal/config"
	"github.com/MrWong99/leadline/internal/observe"
	"github.com/MrWong99/leadline/pkg/provider/s2s"
	geminilive "github.com/MrWong99/leadline/pkg/provider/s2s/gemini"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "leadline: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "leadline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	logger := newLogger(cfg.Server.LogLevel, level)
	slog.SetDefault(logger)

	slog.Info("leadline starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Init(ctx, observe.TelemetryConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, reg,
		app.WithLevel(level),
		app.WithLogger(logger),
		app.WithMetricsHandler(tel.Handler()),
		app.WithCloser(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tel.Shutdown(ctx)
		}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		if err := application.Watch(*configPath); err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in speech-to-speech providers into
// reg. Each factory receives a config.ProviderEntry and constructs the
// provider from the real implementation package.
func registerBuiltinProviders(reg *config.Registry, logger *slog.Logger) {
	reg.Register("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []geminilive.Option{geminilive.WithLogger(logger.With("provider", "gemini-live"))}
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(opts...), nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        leadline — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name)
	printRow("Model", cfg.Provider.Model)
	printRow("Voice", cfg.Provider.Voice)
	printRow("Credential env", cfg.Provider.CredentialEnv)
	if _, ok := os.LookupEnv(cfg.Provider.CredentialEnv); ok {
		printRow("Credential", "present")
	} else {
		printRow("Credential", "(missing)")
	}
	printRow("Company", cfg.Agent.Company)
	if cfg.Agent.KnowledgeFile != "" {
		printRow("Knowledge", cfg.Agent.KnowledgeFile)
	} else {
		printRow("Knowledge", "(built-in)")
	}
	fmt.Printf("║  %-14s  : %-19d ║\n", "Max calls", cfg.Server.MaxConcurrentCalls)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. level starts at the configured level
// and can be changed later by a config reload.
func newLogger(l config.LogLevel, level *slog.LevelVar) *slog.Logger {
	level.Set(app.SlogLevel(l))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
