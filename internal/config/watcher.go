package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the file.
const DefaultWatchInterval = 5 * time.Second

// fingerprint identifies one version of the file on disk.
type fingerprint struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file and reports edits that produce a valid
// config. An edit that fails to load is logged once and skipped. The previous
// config stays current until the file is written again.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	current atomic.Pointer[Config]
	seen    fingerprint // owned by the poll goroutine after NewWatcher

	quit     chan struct{}
	quitOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the poll interval. Defaults to [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger sets the watcher's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path and starts polling it. onChange, if non-nil, runs on
// the poll goroutine after each accepted edit.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current.Store(cfg)
	w.seen = fp

	go w.loop()
	return w, nil
}

// Current is the last valid config read from the file.
func (w *Watcher) Current() *Config { return w.current.Load() }

// Stop ends polling. Extra calls are no-ops.
func (w *Watcher) Stop() {
	w.quitOnce.Do(func() { close(w.quit) })
}

// Wait stops the watcher once ctx is done and returns nil, for use in an
// errgroup.
func (w *Watcher) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-w.quit:
	}
	w.Stop()
	return nil
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.quit:
			return
		case <-t.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: stat watched file", "path", w.path, "err", err)
		return
	}
	if info.ModTime().Equal(w.seen.mtime) {
		return
	}

	cfg, fp, err := w.read()
	if err != nil {
		w.log.Warn("config: ignoring invalid edit", "path", w.path, "err", err)
		w.seen.mtime = info.ModTime()
		return
	}
	unchanged := fp.sum == w.seen.sum
	w.seen = fp
	if unchanged {
		return
	}

	old := w.current.Swap(cfg)
	w.log.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) read() (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
