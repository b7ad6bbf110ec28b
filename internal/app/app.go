// Package app wires the leadline subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the call settings from
// config, Run serves HTTP until the context is cancelled, and Shutdown tears
// the remaining subsystems down in order. Configuration changes arrive
// through Reload and apply to calls started afterwards.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/MrWong99/leadline/internal/agent"
	"github.com/MrWong99/leadline/internal/call"
	"github.com/MrWong99/leadline/internal/config"
	"github.com/MrWong99/leadline/internal/crm"
	"github.com/MrWong99/leadline/internal/health"
	"github.com/MrWong99/leadline/internal/observe"
	"github.com/MrWong99/leadline/internal/web"
	"github.com/MrWong99/leadline/pkg/provider/s2s"
)

const (
	// shutdownGrace bounds how long in-flight requests get to finish.
	shutdownGrace = 10 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// settings is everything a new call needs from configuration. It is replaced
// wholesale on reload.
type settings struct {
	provider      s2s.Provider
	providerName  string
	session       s2s.SessionConfig
	credentialEnv string
	ttl           time.Duration
}

// App owns all subsystem lifetimes of the leadline server.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	metrics  *observe.Metrics
	level    *slog.LevelVar
	log      *slog.Logger
	recorder crm.Recorder
	watcher  *config.Watcher
	scrape   http.Handler

	mu      sync.RWMutex
	current settings

	handler http.Handler
	server  *http.Server
	probes  *health.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevel hands the App the level variable behind the process logger so
// reloads can change verbosity.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithRecorder sets where captured leads are recorded. Defaults to a
// [crm.LogRecorder] writing to the App's logger.
func WithRecorder(r crm.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithMetricsHandler sets the handler served at /metrics. Defaults to the
// Prometheus default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithCloser registers fn to run during Shutdown, after the HTTP server has
// stopped.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Providers are instantiated through reg.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: reg,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}
	if a.recorder == nil {
		a.recorder = &crm.LogRecorder{Log: a.log}
	}

	s, err := a.buildSettings(cfg)
	if err != nil {
		return nil, err
	}
	a.current = s

	a.handler = a.routes()
	return a, nil
}

// buildSettings turns cfg into call settings. It does not touch a.current.
func (a *App) buildSettings(cfg *config.Config) (settings, error) {
	p, err := a.registry.Create(cfg.Provider)
	if err != nil {
		return settings{}, fmt.Errorf("app: %w", err)
	}

	persona, err := agent.Load(cfg.Agent.Company, cfg.Agent.KnowledgeFile)
	if err != nil {
		return settings{}, fmt.Errorf("app: load persona: %w", err)
	}
	instructions, err := persona.Instructions()
	if err != nil {
		return settings{}, fmt.Errorf("app: %w", err)
	}

	return settings{
		provider:     p,
		providerName: cfg.Provider.Name,
		session: s2s.SessionConfig{
			Model:               cfg.Provider.Model,
			Voice:               cfg.Provider.Voice,
			Instructions:        instructions,
			Tools:               []*genai.FunctionDeclaration{crm.Declaration()},
			InputTranscription:  true,
			OutputTranscription: true,
		},
		credentialEnv: cfg.Provider.CredentialEnv,
		ttl:           cfg.Call.NotificationTTL,
	}, nil
}

func (a *App) settings() settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// routes builds the HTTP handler tree.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	a.probes = health.New([]health.Checker{
		health.ProviderChecker(func() error {
			if a.settings().provider == nil {
				return health.ErrNotConfigured
			}
			return nil
		}),
		health.CredentialChecker(func() string { return a.settings().credentialEnv }),
	})
	a.probes.Register(mux)

	mux.Handle("GET /metrics", a.scrape)

	mux.Handle("/call", web.NewHandler(a.callTemplate,
		web.WithMaxCalls(a.cfg.Server.MaxConcurrentCalls),
		web.WithAllowedOrigins(a.cfg.Server.AllowedOrigins),
		web.WithMetrics(a.metrics),
		web.WithLogger(a.log),
	))

	return observe.Middleware(a.metrics)(mux)
}

// callTemplate snapshots the current settings for a new call.
func (a *App) callTemplate() (call.Config, error) {
	s := a.settings()
	if s.provider == nil {
		return call.Config{}, health.ErrNotConfigured
	}
	return call.Config{
		Provider:        s.provider,
		ProviderName:    s.providerName,
		Session:         s.session,
		CredentialEnv:   s.credentialEnv,
		Tools:           crm.NewHandler(a.recorder, crm.WithLogger(a.log)),
		NotificationTTL: s.ttl,
		Metrics:         a.metrics,
	}, nil
}

// Handler returns the App's root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Reload ──────────────────────────────────────────────────────────────────

// Watch starts watching path for configuration changes. Valid edits are
// applied through [App.Reload]. The watcher stops when Run returns.
func (a *App) Watch(path string, opts ...config.WatcherOption) error {
	opts = append([]config.WatcherOption{config.WithLogger(a.log)}, opts...)
	w, err := config.NewWatcher(path, a.Reload, opts...)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.watcher = w
	return nil
}

// Reload applies the hot-reloadable differences between old and new. Calls
// already in progress keep the settings they started with. A new config that
// fails to build leaves the current settings in place.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)

	for _, key := range d.RestartRequired {
		a.log.Warn("app: setting changed; restart required to apply", "key", key)
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("app: log level changed", "level", d.NewLogLevel)
	}

	if !d.AgentChanged && !d.ProviderChanged && !d.CallChanged {
		return
	}
	s, err := a.buildSettings(new)
	if err != nil {
		a.log.Error("app: reload failed; keeping previous settings", "err", err)
		return
	}
	a.mu.Lock()
	a.current = s
	a.mu.Unlock()
	a.log.Info("app: call settings reloaded",
		"agent_changed", d.AgentChanged,
		"provider_changed", d.ProviderChanged,
		"call_changed", d.CallChanged,
	)
}

// SlogLevel maps a config log level onto slog.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address until ctx is cancelled, then
// shuts the server down gracefully. It returns nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.probes.Drain()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("app: http shutdown", "err", err)
		}
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Wait(gctx) })
	}

	a.log.Info("app: listening", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown runs the registered closers in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.watcher != nil {
			a.watcher.Stop()
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("app: closer error", "index", i, "err", err)
			}
		}
		a.log.Info("app: shutdown complete")
	})
	return shutdownErr
}
